// Package userstate persists each user's running-app set so a fresh
// session can restart the apps the user left running.
package userstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var runningAppsBucket = []byte("running_apps")

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create user state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open user state %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runningAppsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create running_apps bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunningApps returns the user's persisted app set, sorted. Unknown users
// have none.
func (s *Store) RunningApps(_ context.Context, userID string) ([]string, error) {
	var apps []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(runningAppsBucket).Get([]byte(userID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &apps)
	})
	if err != nil {
		return nil, fmt.Errorf("read running apps for %s: %w", userID, err)
	}
	return apps, nil
}

// SetRunningApps replaces the user's app set. An empty set deletes the key.
func (s *Store) SetRunningApps(_ context.Context, userID string, apps []string) error {
	normalized := slices.Clone(apps)
	slices.Sort(normalized)
	normalized = slices.Compact(normalized)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runningAppsBucket)
		if len(normalized) == 0 {
			return b.Delete([]byte(userID))
		}
		data, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), data)
	})
	if err != nil {
		return fmt.Errorf("write running apps for %s: %w", userID, err)
	}
	return nil
}

// AddRunningApp and RemoveRunningApp edit the set in one transaction.
func (s *Store) AddRunningApp(ctx context.Context, userID, pkg string) error {
	return s.update(userID, func(apps []string) []string {
		if slices.Contains(apps, pkg) {
			return apps
		}
		return append(apps, pkg)
	})
}

func (s *Store) RemoveRunningApp(ctx context.Context, userID, pkg string) error {
	return s.update(userID, func(apps []string) []string {
		return slices.DeleteFunc(apps, func(a string) bool { return a == pkg })
	})
}

func (s *Store) update(userID string, edit func([]string) []string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runningAppsBucket)
		var apps []string
		if data := b.Get([]byte(userID)); data != nil {
			if err := json.Unmarshal(data, &apps); err != nil {
				return err
			}
		}
		apps = edit(apps)
		slices.Sort(apps)
		apps = slices.Compact(apps)
		if len(apps) == 0 {
			return b.Delete([]byte(userID))
		}
		data, err := json.Marshal(apps)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), data)
	})
	if err != nil {
		return fmt.Errorf("update running apps for %s: %w", userID, err)
	}
	return nil
}
