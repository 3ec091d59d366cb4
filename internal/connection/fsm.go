// Package connection holds the per (session, package) connection state
// machine. Next is a pure function of machine, event, and policy; drivers
// on the cloud and TPA sides execute the returned effects.
package connection

import (
	"slices"

	"github.com/g960059/glasscloud/internal/model"
)

const (
	reasonAppStopped     = "app_stopped"
	reasonAuthFailed     = "auth_failed"
	reasonHeartbeatStale = "heartbeat_timeout"
	reasonProtocol       = "protocol_errors"
	reasonHandshake      = "handshake_failed"
)

func Next(m Machine, ev Event, p Policy) (Machine, []Effect) {
	if m.State == "" {
		m.State = model.StateInit
	}
	if m.State == model.StateTerminated {
		return m, nil
	}

	switch ev.Kind {
	case EventStart:
		if m.State != model.StateInit {
			return m, nil
		}
		m.State = model.StateConnecting
		var effects []Effect
		if ev.Solicited {
			effects = append(effects, Effect{Kind: EffectRequestConnect, Attempt: 0})
		}
		return m, append(effects, Effect{Kind: EffectArmConnectTimeout})

	case EventTransportOpen:
		switch m.State {
		case model.StateConnecting:
			m.State = model.StateHandshaking
			return m, []Effect{{Kind: EffectDisarmConnectTimeout}, {Kind: EffectHandshake}}
		case model.StateReconnecting:
			m.State = model.StateHandshaking
			return m, []Effect{{Kind: EffectDisarmConnectTimeout}, {Kind: EffectCancelReconnect}, {Kind: EffectHandshake}}
		case model.StateActive:
			// Replacement transport: the far side reconnected before we noticed.
			m.State = model.StateHandshaking
			return m, []Effect{{Kind: EffectStopHeartbeat}, {Kind: EffectHandshake}}
		case model.StateHandshaking:
			return m, []Effect{{Kind: EffectHandshake}}
		}
		return m, nil

	case EventHandshakeOK:
		if m.State != model.StateHandshaking {
			return m, nil
		}
		m.State = model.StateActive
		m.Attempts = 0
		m.ProtocolErrors = 0
		effects := []Effect{{Kind: EffectSendAck}, {Kind: EffectStartHeartbeat}, {Kind: EffectAttach}}
		if len(m.Subscriptions) > 0 {
			effects = append(effects, Effect{Kind: EffectApplySubscriptions, Streams: slices.Clone(m.Subscriptions)})
		}
		return m, effects

	case EventAuthFailed:
		effects := []Effect{{Kind: EffectSendError, Code: model.ClosePolicyViolation, Reason: reasonAuthFailed}}
		m, rest := terminate(m, CauseAuth, false, model.ClosePolicyViolation, reasonAuthFailed, model.StopError)
		return m, append(effects, rest...)

	case EventClosed:
		if !hasTransport(m.State) {
			return m, nil
		}
		if model.IsIntentionalClose(ev.Code, ev.Reason) {
			wasActive := m.State == model.StateActive
			m.State = model.StateTerminated
			m.Subscriptions = nil
			m.Cause = CauseClosed
			var effects []Effect
			if wasActive {
				effects = append(effects, Effect{Kind: EffectStopHeartbeat})
			}
			return m, append(effects, Effect{Kind: EffectDetach}, Effect{Kind: EffectDispose})
		}
		var effects []Effect
		if m.State == model.StateActive {
			effects = append(effects, Effect{Kind: EffectStopHeartbeat})
		}
		m, rest := fail(m, p)
		return m, append(effects, rest...)

	case EventHeartbeatTimeout:
		if m.State != model.StateActive {
			return m, nil
		}
		effects := []Effect{
			{Kind: EffectStopHeartbeat},
			{Kind: EffectCloseTransport, Code: model.CloseAbnormal, Reason: reasonHeartbeatStale},
		}
		m, rest := fail(m, p)
		return m, append(effects, rest...)

	case EventConnectFailed:
		switch m.State {
		case model.StateConnecting, model.StateReconnecting:
			return fail(m, p)
		case model.StateHandshaking:
			effects := []Effect{{Kind: EffectCloseTransport, Code: model.ClosePolicyViolation, Reason: reasonHandshake}}
			m, rest := fail(m, p)
			return m, append(effects, rest...)
		}
		return m, nil

	case EventReconnectDue:
		if m.State != model.StateReconnecting {
			return m, nil
		}
		return m, []Effect{{Kind: EffectRequestConnect, Attempt: m.Attempts}, {Kind: EffectArmConnectTimeout}}

	case EventRecover:
		switch m.State {
		case model.StateInit:
			m.State = model.StateConnecting
			return m, []Effect{{Kind: EffectRequestConnect}, {Kind: EffectArmConnectTimeout}}
		case model.StateConnecting, model.StateReconnecting:
			m.Attempts = 0
			return m, []Effect{
				{Kind: EffectCancelReconnect},
				{Kind: EffectDisarmConnectTimeout},
				{Kind: EffectRequestConnect},
				{Kind: EffectArmConnectTimeout},
			}
		}
		return m, nil

	case EventStop:
		reason := ev.StopReason
		if reason == "" {
			reason = model.StopSystem
		}
		return terminate(m, CauseStopped, true, model.CloseNormal, reasonAppStopped, reason)

	case EventSubscriptionUpdate:
		next := normalizeStreams(ev.Streams)
		if slices.Equal(next, m.Subscriptions) {
			return m, nil
		}
		m.Subscriptions = next
		if m.State != model.StateActive {
			return m, nil
		}
		return m, []Effect{{Kind: EffectApplySubscriptions, Streams: slices.Clone(next)}}

	case EventProtocolViolation:
		if !hasTransport(m.State) {
			return m, nil
		}
		m.ProtocolErrors++
		if p.ProtocolErrorThreshold <= 0 || m.ProtocolErrors <= p.ProtocolErrorThreshold {
			return m, nil
		}
		return terminate(m, CauseProtocol, true, model.ClosePolicyViolation, reasonProtocol, model.StopError)
	}
	return m, nil
}

// fail counts one failed attempt and either schedules the next reconnect
// or gives up once the attempt ceiling is crossed.
func fail(m Machine, p Policy) (Machine, []Effect) {
	m.Attempts++
	effects := []Effect{{Kind: EffectDisarmConnectTimeout}}
	if m.Attempts > p.MaxAttempts {
		m.State = model.StateTerminated
		m.Subscriptions = nil
		m.Cause = CauseExhausted
		return m, append(effects, Effect{Kind: EffectDetach}, Effect{Kind: EffectDispose})
	}
	m.State = model.StateReconnecting
	return m, append(effects, Effect{
		Kind:    EffectScheduleReconnect,
		Attempt: m.Attempts,
		Delay:   Backoff(p, m.Attempts),
	})
}

func terminate(m Machine, cause Cause, notify bool, code int, reason string, stop model.AppStopReason) (Machine, []Effect) {
	var effects []Effect
	if hasTransport(m.State) {
		if notify {
			effects = append(effects, Effect{Kind: EffectNotifyStopped, StopReason: stop})
		}
		effects = append(effects, Effect{Kind: EffectCloseTransport, Code: code, Reason: reason})
	}
	m.State = model.StateTerminated
	m.Subscriptions = nil
	m.Cause = cause
	return m, append(effects, Effect{Kind: EffectDetach, StopReason: stop}, Effect{Kind: EffectDispose})
}

func hasTransport(state model.ConnectionState) bool {
	return state == model.StateHandshaking || state == model.StateActive
}

func normalizeStreams(in []model.StreamType) []model.StreamType {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// Subscribed reports whether stream is covered by the machine's subscriptions.
func (m Machine) Subscribed(stream model.StreamType) bool {
	for _, s := range m.Subscriptions {
		if s == stream || s == model.StreamAll {
			return true
		}
	}
	return false
}
