package session

import (
	"context"
	"errors"
	"time"

	"github.com/g960059/glasscloud/internal/connection"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/registry"
	"github.com/g960059/glasscloud/internal/security"
	"github.com/g960059/glasscloud/internal/wire"
)

const maxLoggedFrame = 512

var (
	errStaleRegistration = errors.New("registration is not live")
	errNoEndpoint        = errors.New("no webhook endpoint")
)

// link is the cloud-side Connection for one package: the state machine
// plus the transport and timers its effects act on. Guarded by Session.mu.
type link struct {
	pkg          string
	machine      connection.Machine
	tracker      *lifecycle.Tracker
	conn         Conn
	connGen      uint64
	attemptGen   uint64
	attached     bool
	lastActivity time.Time
	lastPong     time.Time
	// authRejected is the attempt during which a transport with a bad key
	// was turned away.
	authRejected uint64

	heartbeat    *lifecycle.Handle
	reconnect    *lifecycle.Handle
	connectTimer *lifecycle.Handle
}

func (s *Session) newLinkLocked(pkg string) *link {
	l := &link{
		pkg:          pkg,
		machine:      connection.NewMachine(),
		tracker:      lifecycle.NewTracker(s.deps.Clock, s.log.With().Str("package", pkg).Logger()),
		lastActivity: s.deps.Clock.Now(),
	}
	l.tracker.OnFailure(func(error) { s.deps.Metrics.CleanupFailed() })
	s.links[pkg] = l
	return l
}

func (s *Session) currentLocked(l *link) bool {
	return s.links[l.pkg] == l
}

func (s *Session) dispatchLocked(l *link, ev connection.Event) {
	from := l.machine.State
	next, effects := connection.Next(l.machine, ev, s.policy)
	l.machine = next
	if from != next.State {
		s.deps.Metrics.Transition(string(from), string(next.State))
		s.log.Debug().
			Str("package", l.pkg).
			Str("event", string(ev.Kind)).
			Str("from", string(from)).
			Str("to", string(next.State)).
			Msg("connection transition")
	}
	for _, eff := range effects {
		s.applyLocked(l, eff)
	}
}

func (s *Session) applyLocked(l *link, eff connection.Effect) {
	cfg := s.deps.Config
	switch eff.Kind {
	case connection.EffectRequestConnect:
		l.attemptGen++
		gen, attempt := l.attemptGen, eff.Attempt
		s.pending = append(s.pending, func() {
			s.deps.Go(func() { s.requestConnect(l, gen, attempt) })
		})

	case connection.EffectArmConnectTimeout:
		l.connectTimer.Cancel()
		gen := l.attemptGen
		l.connectTimer = l.tracker.TrackTimer("connect.timeout", cfg.ConnectGracePeriod, func() {
			s.connectFailed(l, gen)
		})

	case connection.EffectDisarmConnectTimeout:
		l.connectTimer.Cancel()
		l.connectTimer = nil

	case connection.EffectHandshake:
		// The cloud completes the handshake inline in AttachTPA.

	case connection.EffectSendAck:
		s.sendLocked(l, wire.ConnectionAck{
			Type:      wire.TypeConnectionAck,
			SessionID: s.id,
			Settings:  s.settingsLocked(),
			Timestamp: s.deps.Clock.Now(),
		})

	case connection.EffectSendError:
		s.sendLocked(l, wire.ConnectionError{
			Type:    wire.TypeConnectionError,
			Code:    model.ErrCodeAuth,
			Message: eff.Reason,
		})

	case connection.EffectApplySubscriptions:
		streams := make([]string, 0, len(eff.Streams))
		for _, st := range eff.Streams {
			streams = append(streams, string(st))
		}
		s.log.Debug().Str("package", l.pkg).Strs("streams", streams).Msg("subscriptions applied")

	case connection.EffectStartHeartbeat:
		l.heartbeat.Cancel()
		l.lastPong = s.deps.Clock.Now()
		gen := l.connGen
		l.heartbeat = l.tracker.TrackInterval("heartbeat", cfg.HeartbeatInterval, func() {
			s.heartbeatTick(l, gen)
		})

	case connection.EffectStopHeartbeat:
		l.heartbeat.Cancel()
		l.heartbeat = nil

	case connection.EffectScheduleReconnect:
		s.deps.Metrics.ReconnectScheduled()
		l.reconnect.Cancel()
		l.reconnect = l.tracker.TrackTimer("reconnect", eff.Delay, func() {
			s.reconnectDue(l)
		})
		s.log.Info().Str("package", l.pkg).Int("attempt", eff.Attempt).Dur("delay", eff.Delay).Msg("reconnect scheduled")

	case connection.EffectCancelReconnect:
		l.reconnect.Cancel()
		l.reconnect = nil

	case connection.EffectCloseTransport:
		if l.conn == nil {
			return
		}
		c := l.conn
		l.conn = nil
		l.connGen++
		if err := c.Close(eff.Code, eff.Reason); err != nil {
			s.log.Debug().Err(err).Str("package", l.pkg).Msg("close tpa transport")
		}

	case connection.EffectNotifyStopped:
		s.sendLocked(l, wire.AppStopped{Type: wire.TypeAppStopped, Reason: eff.StopReason})

	case connection.EffectAttach:
		l.attached = true
		s.log.Info().Str("package", l.pkg).Msg("tpa connected")

	case connection.EffectDetach:
		l.attached = false
		s.arbiter.Purge(l.pkg)
		s.dashboard.Purge(l.pkg)
		switch l.machine.Cause {
		case connection.CauseAuth, connection.CauseProtocol:
			delete(s.active, l.pkg)
			s.persistLocked(l.pkg, false)
		}
		s.log.Info().Str("package", l.pkg).Str("cause", string(l.machine.Cause)).Msg("tpa detached")

	case connection.EffectDispose:
		l.tracker.Dispose()
		l.conn = nil
		if s.currentLocked(l) {
			delete(s.links, l.pkg)
		}
	}
}

func (s *Session) sendLocked(l *link, v any) {
	if l.conn == nil {
		return
	}
	if err := l.conn.Send(v); err != nil {
		s.log.Debug().Err(err).Str("package", l.pkg).Msg("tpa send failed")
	}
}

// requestConnect runs off the session lock. A failed or skipped webhook
// counts as a failed connect attempt.
func (s *Session) requestConnect(l *link, gen uint64, attempt int) {
	ctx := context.Background()
	if t := s.deps.Config.WebhookTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	err := s.sendWebhook(ctx, l.pkg)
	if err == nil {
		s.log.Debug().Str("package", l.pkg).Int("attempt", attempt).Msg("session webhook delivered")
		return
	}
	s.deps.Metrics.WebhookFailed()
	s.log.Warn().Err(err).Str("package", l.pkg).Int("attempt", attempt).Msg("session webhook failed")
	s.connectFailed(l, gen)
}

func (s *Session) sendWebhook(ctx context.Context, pkg string) error {
	url, status, err := s.deps.Endpoints.ResolveEndpoint(ctx, pkg)
	if err != nil {
		return err
	}
	if status == registry.EndpointStale {
		return errStaleRegistration
	}
	if url == "" {
		return errNoEndpoint
	}
	return s.deps.Webhooks.SendSessionRequest(ctx, url, wire.SessionRequest{
		Type:      wire.TypeSessionRequest,
		SessionID: s.id,
		UserID:    s.userID,
		Timestamp: s.deps.Clock.Now(),
	})
}

func (s *Session) connectFailed(l *link, gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if !s.currentLocked(l) || l.attemptGen != gen {
		return
	}
	if st := l.machine.State; st != model.StateConnecting && st != model.StateReconnecting {
		return
	}
	if l.authRejected == gen {
		s.dispatchLocked(l, connection.Event{Kind: connection.EventAuthFailed})
		return
	}
	s.dispatchLocked(l, connection.Event{Kind: connection.EventConnectFailed})
}

func (s *Session) reconnectDue(l *link) {
	s.mu.Lock()
	defer s.unlock()
	if !s.currentLocked(l) {
		return
	}
	s.dispatchLocked(l, connection.Event{Kind: connection.EventReconnectDue})
}

func (s *Session) heartbeatTick(l *link, gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if !s.currentLocked(l) || l.connGen != gen || l.conn == nil || l.machine.State != model.StateActive {
		return
	}
	if s.deps.Clock.Now().Sub(l.lastPong) >= s.deps.Config.HeartbeatTimeout {
		s.log.Warn().Str("package", l.pkg).Time("last_pong", l.lastPong).Msg("tpa heartbeat timed out")
		s.dispatchLocked(l, connection.Event{Kind: connection.EventHeartbeatTimeout})
		return
	}
	if err := l.conn.Ping(); err != nil {
		s.log.Debug().Err(err).Str("package", l.pkg).Msg("ping failed")
	}
}

func redactedFrame(raw []byte) string {
	return security.RedactFrame(raw, maxLoggedFrame)
}
