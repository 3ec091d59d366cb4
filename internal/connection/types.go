package connection

import (
	"time"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/model"
)

type EventKind string

const (
	EventStart              EventKind = "start"
	EventTransportOpen      EventKind = "transport_open"
	EventHandshakeOK        EventKind = "handshake_ok"
	EventAuthFailed         EventKind = "auth_failed"
	EventClosed             EventKind = "closed"
	EventHeartbeatTimeout   EventKind = "heartbeat_timeout"
	EventConnectFailed      EventKind = "connect_failed"
	EventReconnectDue       EventKind = "reconnect_due"
	EventRecover            EventKind = "recover"
	EventStop               EventKind = "stop"
	EventSubscriptionUpdate EventKind = "subscription_update"
	EventProtocolViolation  EventKind = "protocol_violation"
)

type Event struct {
	Kind EventKind
	// Solicited is set on Start when the far side must be asked to connect.
	Solicited  bool
	Code       int
	Reason     string
	StopReason model.AppStopReason
	Streams    []model.StreamType
}

type EffectKind string

const (
	EffectRequestConnect       EffectKind = "request_connect"
	EffectArmConnectTimeout    EffectKind = "arm_connect_timeout"
	EffectDisarmConnectTimeout EffectKind = "disarm_connect_timeout"
	EffectHandshake            EffectKind = "handshake"
	EffectSendAck              EffectKind = "send_ack"
	EffectSendError            EffectKind = "send_error"
	EffectApplySubscriptions   EffectKind = "apply_subscriptions"
	EffectStartHeartbeat       EffectKind = "start_heartbeat"
	EffectStopHeartbeat        EffectKind = "stop_heartbeat"
	EffectScheduleReconnect    EffectKind = "schedule_reconnect"
	EffectCancelReconnect      EffectKind = "cancel_reconnect"
	EffectCloseTransport       EffectKind = "close_transport"
	EffectNotifyStopped        EffectKind = "notify_stopped"
	EffectAttach               EffectKind = "attach"
	EffectDetach               EffectKind = "detach"
	EffectDispose              EffectKind = "dispose"
)

type Effect struct {
	Kind       EffectKind
	Attempt    int
	Delay      time.Duration
	Code       int
	Reason     string
	StopReason model.AppStopReason
	Streams    []model.StreamType
}

// Cause records why a machine reached the terminated state.
type Cause string

const (
	CauseNone      Cause = ""
	CauseStopped   Cause = "stopped"
	CauseAuth      Cause = "auth_failed"
	CauseClosed    Cause = "closed"
	CauseExhausted Cause = "reconnect_exhausted"
	CauseProtocol  Cause = "protocol_errors"
)

type Machine struct {
	State          model.ConnectionState
	Attempts       int
	Subscriptions  []model.StreamType
	ProtocolErrors int
	Cause          Cause
}

func NewMachine() Machine {
	return Machine{State: model.StateInit}
}

type Policy struct {
	MaxAttempts            int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	MaxJitter              time.Duration
	ProtocolErrorThreshold int
	// Jitter returns a value in [0, max]. Nil means no jitter.
	Jitter func(max time.Duration) time.Duration
}

func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		MaxAttempts:            cfg.ReconnectMaxAttempts,
		BaseDelay:              cfg.ReconnectBaseDelay,
		MaxDelay:               cfg.ReconnectMaxDelay,
		MaxJitter:              cfg.ReconnectMaxJitter,
		ProtocolErrorThreshold: cfg.ProtocolErrorThreshold,
		Jitter:                 RandomJitter,
	}
}
