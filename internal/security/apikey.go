package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// HashAPIKey returns the hex SHA-256 digest stored in the app catalog.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares key against a stored digest in constant time.
func VerifyAPIKey(storedHash, key string) bool {
	if storedHash == "" || key == "" {
		return false
	}
	got := HashAPIKey(key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
