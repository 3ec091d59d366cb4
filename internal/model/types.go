package model

import (
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of one (session, package) connection.
type ConnectionState string

const (
	StateInit         ConnectionState = "init"
	StateConnecting   ConnectionState = "connecting"
	StateHandshaking  ConnectionState = "handshaking"
	StateActive       ConnectionState = "active"
	StateReconnecting ConnectionState = "reconnecting"
	StateTerminated   ConnectionState = "terminated"
)

type ViewType string

const (
	ViewMain      ViewType = "main"
	ViewDashboard ViewType = "dashboard"
)

func ParseView(raw string) (ViewType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ViewMain):
		return ViewMain, true
	case string(ViewDashboard):
		return ViewDashboard, true
	default:
		return "", false
	}
}

type DashboardMode string

const (
	DashboardNone     DashboardMode = "none"
	DashboardMain     DashboardMode = "main"
	DashboardExpanded DashboardMode = "expanded"
	DashboardAlwaysOn DashboardMode = "always_on"
)

// ContentModes lists the modes a TPA may contribute content to.
var ContentModes = []DashboardMode{DashboardMain, DashboardExpanded, DashboardAlwaysOn}

func ParseDashboardMode(raw string) (DashboardMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DashboardNone):
		return DashboardNone, true
	case string(DashboardMain):
		return DashboardMain, true
	case string(DashboardExpanded):
		return DashboardExpanded, true
	case string(DashboardAlwaysOn), "always-on":
		return DashboardAlwaysOn, true
	default:
		return "", false
	}
}

// SystemSlot names one of the four corners reserved for the system dashboard.
type SystemSlot string

const (
	SlotTopLeft     SystemSlot = "top_left"
	SlotTopRight    SystemSlot = "top_right"
	SlotBottomLeft  SystemSlot = "bottom_left"
	SlotBottomRight SystemSlot = "bottom_right"
)

func ParseSystemSlot(raw string) (SystemSlot, bool) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")) {
	case string(SlotTopLeft), "topleft":
		return SlotTopLeft, true
	case string(SlotTopRight), "topright":
		return SlotTopRight, true
	case string(SlotBottomLeft), "bottomleft":
		return SlotBottomLeft, true
	case string(SlotBottomRight), "bottomright":
		return SlotBottomRight, true
	default:
		return "", false
	}
}

type StreamType string

const (
	StreamButtonPress       StreamType = "button_press"
	StreamHeadPosition      StreamType = "head_position"
	StreamPhoneNotification StreamType = "phone_notification"
	StreamLocationUpdate    StreamType = "location_update"
	StreamCalendarEvent     StreamType = "calendar_event"
	StreamGlassesBattery    StreamType = "glasses_battery_update"
	StreamPhoneBattery      StreamType = "phone_battery_update"
	StreamGlassesConnection StreamType = "glasses_connection_state"
	StreamVAD               StreamType = "vad"
	StreamAll               StreamType = "*"
)

var knownStreams = map[StreamType]struct{}{
	StreamButtonPress:       {},
	StreamHeadPosition:      {},
	StreamPhoneNotification: {},
	StreamLocationUpdate:    {},
	StreamCalendarEvent:     {},
	StreamGlassesBattery:    {},
	StreamPhoneBattery:      {},
	StreamGlassesConnection: {},
	StreamVAD:               {},
	StreamAll:               {},
}

func IsKnownStream(s StreamType) bool {
	_, ok := knownStreams[s]
	return ok
}

type AppStopReason string

const (
	StopUserDisabled AppStopReason = "user_disabled"
	StopSystem       AppStopReason = "system_stop"
	StopError        AppStopReason = "error"
)

// Websocket close codes used on the TPA and glasses channels.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// IsIntentionalClose reports whether a close should suppress reconnection.
func IsIntentionalClose(code int, reason string) bool {
	if code == CloseNormal || code == CloseGoingAway {
		return true
	}
	r := strings.ToLower(reason)
	return strings.Contains(r, "app_stopped") || strings.Contains(r, "app stopped")
}

// App is a catalog entry for a known TPA package.
type App struct {
	PackageName string
	APIKeyHash  string
	WebhookURL  string
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Registration struct {
	RegistrationID  string
	PackageName     string
	CloudID         string
	ServerURL       string
	Version         string
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

// IsLive reports whether the registration heartbeat age is inside window.
func (r Registration) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) < window
}

// ConnectionSnapshot is a read-only view of one connection for the operator API.
type ConnectionSnapshot struct {
	PackageName       string
	State             ConnectionState
	ReconnectAttempts int
	Subscriptions     []StreamType
	LastActivityAt    time.Time
}

type SessionSnapshot struct {
	SessionID      string
	UserID         string
	CreatedAt      time.Time
	DisconnectedAt *time.Time
	ActiveApps     []string
	Connections    []ConnectionSnapshot
	LockHolder     string
	DashboardMode  DashboardMode
	Ended          bool
}

// Error codes defined by API contract.
const (
	ErrCodeInvalidRequest   = "E_INVALID_REQUEST"
	ErrCodeAuth             = "E_AUTH"
	ErrCodeUnknownApp       = "E_UNKNOWN_APP"
	ErrCodeNotRegistered    = "E_NOT_REGISTERED"
	ErrCodeSessionNotFound  = "E_SESSION_NOT_FOUND"
	ErrCodeAppNotActive     = "E_APP_NOT_ACTIVE"
	ErrCodeProtocol         = "E_PROTOCOL"
	ErrCodeInternal         = "E_INTERNAL"
	ErrCodeMethodNotAllowed = "E_METHOD_NOT_ALLOWED"
)
