// Package wire defines the JSON frames exchanged on the TPA and glasses
// channels and the session-start webhook body.
package wire

import (
	"encoding/json"
	"time"

	"github.com/g960059/glasscloud/internal/model"
)

// TPA to cloud.
const (
	TypeConnectionInit         = "connection_init"
	TypeSubscriptionUpdate     = "subscription_update"
	TypeDisplayRequest         = "display_request"
	TypeBackgroundLockRequest  = "background_lock_request"
	TypeDashboardContentUpdate = "dashboard_content_update"
	TypeDashboardSystemUpdate  = "dashboard_system_update"
	TypeDashboardModeChange    = "dashboard_mode_change"
)

// Cloud to TPA.
const (
	TypeConnectionAck          = "connection_ack"
	TypeConnectionError        = "connection_error"
	TypeDataStream             = "data_stream"
	TypeAppStopped             = "app_stopped"
	TypeBackgroundLockResponse = "background_lock_response"
)

// Glasses channel.
const (
	TypeGlassesInit  = "glasses_init"
	TypeGlassesAck   = "glasses_ack"
	TypeStartApp     = "start_app"
	TypeStopApp      = "stop_app"
	TypeDisplayEvent = "display_event"
)

const TypeSessionRequest = "session_request"

const (
	LockAcquire = "acquire"
	LockRelease = "release"
)

type ConnectionInit struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
}

type ConnectionAck struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Settings  map[string]any `json:"settings"`
	Timestamp time.Time      `json:"timestamp"`
}

type ConnectionError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubscriptionUpdate struct {
	Type          string             `json:"type"`
	PackageName   string             `json:"packageName"`
	Subscriptions []model.StreamType `json:"subscriptions"`
}

type DisplayRequest struct {
	Type         string          `json:"type"`
	PackageName  string          `json:"packageName"`
	View         string          `json:"view,omitempty"`
	Layout       json.RawMessage `json:"layout"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	ForceDisplay bool            `json:"forceDisplay,omitempty"`
}

// Duration is zero when no duration was requested.
func (r DisplayRequest) Duration() time.Duration {
	if r.DurationMs == nil || *r.DurationMs <= 0 {
		return 0
	}
	return time.Duration(*r.DurationMs) * time.Millisecond
}

type BackgroundLockRequest struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Action      string `json:"action,omitempty"`
}

type BackgroundLockResponse struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Granted bool   `json:"granted"`
	Holder  string `json:"holder,omitempty"`
}

type DashboardContentUpdate struct {
	Type        string   `json:"type"`
	PackageName string   `json:"packageName"`
	Content     string   `json:"content"`
	Modes       []string `json:"modes,omitempty"`
}

type DashboardSystemUpdate struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Section     string `json:"section"`
	Content     string `json:"content"`
}

type DashboardModeChange struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Mode        string `json:"mode"`
}

type DataStream struct {
	Type       string           `json:"type"`
	SessionID  string           `json:"sessionId"`
	StreamType model.StreamType `json:"streamType"`
	Data       json.RawMessage  `json:"data"`
	Timestamp  time.Time        `json:"timestamp"`
}

type AppStopped struct {
	Type    string              `json:"type"`
	Reason  model.AppStopReason `json:"reason"`
	Message string              `json:"message,omitempty"`
}

type GlassesInit struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type GlassesAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type StartApp struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
}

type StopApp struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
}

// GlassesEvent is any other typed frame from the glasses; it is fanned out
// to subscribed TPAs as a data stream of the same type.
type GlassesEvent struct {
	Type string
	Raw  json.RawMessage
}

type DisplayEvent struct {
	Type        string          `json:"type"`
	View        model.ViewType  `json:"view"`
	PackageName string          `json:"packageName,omitempty"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  int64           `json:"durationMs,omitempty"`
}

type SessionRequest struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}
