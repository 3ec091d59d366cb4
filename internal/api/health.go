package api

import "time"

type HealthResponse struct {
	SchemaVersion     string    `json:"schema_version"`
	GeneratedAt       time.Time `json:"generated_at"`
	Status            string    `json:"status"`
	CloudID           string    `json:"cloud_id"`
	Sessions          int       `json:"sessions"`
	LiveRegistrations int       `json:"live_registrations"`
}
