package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// RegisterRequest and the other TPA-facing bodies use the camelCase names
// TPA SDKs send.
type RegisterRequest struct {
	PackageName string `json:"packageName"`
	ServerURL   string `json:"serverUrl"`
	Version     string `json:"version"`
	APIKey      string `json:"apiKey"`
}

type RegisterResponse struct {
	Success        bool   `json:"success"`
	RegistrationID string `json:"registrationId"`
	ActiveSessions int    `json:"activeSessions"`
}

type HeartbeatRequest struct {
	PackageName    string `json:"packageName"`
	APIKey         string `json:"apiKey"`
	RegistrationID string `json:"registrationId"`
}

type HeartbeatResponse struct {
	Success bool `json:"success"`
}

type ConnectionItem struct {
	PackageName       string    `json:"package_name"`
	State             string    `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Subscriptions     []string  `json:"subscriptions"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

type SessionItem struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	CreatedAt      time.Time        `json:"created_at"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
	ActiveApps     []string         `json:"active_apps"`
	Connections    []ConnectionItem `json:"connections"`
	LockHolder     string           `json:"lock_holder,omitempty"`
	DashboardMode  string           `json:"dashboard_mode"`
}

type RegistrationItem struct {
	RegistrationID  string    `json:"registration_id"`
	PackageName     string    `json:"package_name"`
	CloudID         string    `json:"cloud_id"`
	ServerURL       string    `json:"server_url"`
	Version         string    `json:"version,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Live            bool      `json:"live"`
}

type ListEnvelope[T any] struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Items         []T       `json:"items"`
}

type ActionResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	PackageName   string    `json:"package_name"`
	Action        string    `json:"action"`
	ResultCode    string    `json:"result_code"`
}
