package tpaclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/connection"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/wire"
)

const writeTimeout = 5 * time.Second

var ErrNotActive = errors.New("app session not active")

type DataHandler func(wire.DataStream)

type StopHandler func(reason model.AppStopReason)

// AppSession is this app's Connection to one cloud session. It runs the
// same state machine as the cloud. While active it pings the cloud and
// treats a silent cloud as a lost transport.
type AppSession struct {
	client  *Client
	id      string
	userID  string
	log     zerolog.Logger
	tracker *lifecycle.Tracker
	done    chan struct{}

	mu           sync.Mutex
	machine      connection.Machine
	ws           *websocket.Conn
	connGen      uint64
	attemptGen   uint64
	connectTimer *lifecycle.Handle
	reconnect    *lifecycle.Handle
	heartbeat    *lifecycle.Handle
	lastSeen     time.Time
	settings     map[string]any
	onData       []DataHandler
	onStop       []StopHandler
	pending      []func()
}

func newAppSession(c *Client, id, userID string) *AppSession {
	log := c.log.With().Str("session_id", id).Logger()
	return &AppSession{
		client:  c,
		id:      id,
		userID:  userID,
		log:     log,
		tracker: lifecycle.NewTracker(c.clock, log),
		done:    make(chan struct{}),
		machine: connection.NewMachine(),
	}
}

func (s *AppSession) ID() string     { return s.id }
func (s *AppSession) UserID() string { return s.userID }

// Done is closed once the session reaches the terminated state.
func (s *AppSession) Done() <-chan struct{} { return s.done }

func (s *AppSession) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State
}

// Cause says why a terminated session ended.
func (s *AppSession) Cause() connection.Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Cause
}

// Settings are the values from the last connection_ack.
func (s *AppSession) Settings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out
}

func (s *AppSession) OnData(h DataHandler) {
	s.mu.Lock()
	s.onData = append(s.onData, h)
	s.mu.Unlock()
}

func (s *AppSession) OnStop(h StopHandler) {
	s.mu.Lock()
	s.onStop = append(s.onStop, h)
	s.mu.Unlock()
}

// Subscribe replaces the subscription set. It is sent now when active and
// otherwise on the next successful handshake.
func (s *AppSession) Subscribe(streams ...model.StreamType) {
	s.mu.Lock()
	defer s.unlock()
	s.dispatchLocked(connection.Event{Kind: connection.EventSubscriptionUpdate, Streams: streams})
}

// Display asks the cloud to show layout. duration zero means until replaced.
func (s *AppSession) Display(view model.ViewType, layout any, duration time.Duration, force bool) error {
	raw, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}
	req := wire.DisplayRequest{
		Type:         wire.TypeDisplayRequest,
		PackageName:  s.client.opts.PackageName,
		View:         string(view),
		Layout:       raw,
		ForceDisplay: force,
	}
	if duration > 0 {
		ms := duration.Milliseconds()
		req.DurationMs = &ms
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State != model.StateActive || s.ws == nil {
		return ErrNotActive
	}
	return s.sendLocked(req)
}

// RequestBackgroundLock asks for (acquire) or gives up (release) the
// background display lock. The answer arrives asynchronously.
func (s *AppSession) RequestBackgroundLock(action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State != model.StateActive || s.ws == nil {
		return ErrNotActive
	}
	return s.sendLocked(wire.BackgroundLockRequest{
		Type:        wire.TypeBackgroundLockRequest,
		PackageName: s.client.opts.PackageName,
		Action:      action,
	})
}

// Stop leaves the session with a normal close.
func (s *AppSession) Stop() {
	s.mu.Lock()
	defer s.unlock()
	s.dispatchLocked(connection.Event{Kind: connection.EventStop, StopReason: model.StopUserDisabled})
}

func (s *AppSession) start() {
	s.mu.Lock()
	defer s.unlock()
	s.dispatchLocked(connection.Event{Kind: connection.EventStart, Solicited: true})
}

func (s *AppSession) recover() {
	s.mu.Lock()
	defer s.unlock()
	s.dispatchLocked(connection.Event{Kind: connection.EventRecover})
}

func (s *AppSession) unlock() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

func (s *AppSession) dispatchLocked(ev connection.Event) {
	from := s.machine.State
	next, effects := connection.Next(s.machine, ev, s.client.opts.Policy)
	s.machine = next
	if next.State != from {
		s.log.Debug().Str("event", string(ev.Kind)).Str("from", string(from)).Str("to", string(next.State)).Msg("connection transition")
	}
	for _, eff := range effects {
		s.applyLocked(eff)
	}
}

func (s *AppSession) applyLocked(eff connection.Effect) {
	switch eff.Kind {
	case connection.EffectRequestConnect:
		s.attemptGen++
		gen := s.attemptGen
		go s.dial(gen)
	case connection.EffectArmConnectTimeout:
		s.connectTimer.Cancel()
		gen := s.attemptGen
		s.connectTimer = s.tracker.TrackTimer("connect.timeout", s.client.opts.ConnectTimeout, func() {
			s.connectFailed(gen)
		})
	case connection.EffectDisarmConnectTimeout:
		s.connectTimer.Cancel()
		s.connectTimer = nil
	case connection.EffectHandshake:
		err := s.sendLocked(wire.ConnectionInit{
			Type:        wire.TypeConnectionInit,
			SessionID:   s.id,
			PackageName: s.client.opts.PackageName,
			APIKey:      s.client.opts.APIKey,
		})
		if err != nil {
			s.log.Debug().Err(err).Msg("connection_init not sent")
		}
	case connection.EffectApplySubscriptions:
		err := s.sendLocked(wire.SubscriptionUpdate{
			Type:          wire.TypeSubscriptionUpdate,
			PackageName:   s.client.opts.PackageName,
			Subscriptions: eff.Streams,
		})
		if err != nil {
			s.log.Debug().Err(err).Msg("subscription_update not sent")
		}
	case connection.EffectScheduleReconnect:
		s.reconnect.Cancel()
		s.log.Info().Int("attempt", eff.Attempt).Dur("delay", eff.Delay).Msg("reconnect scheduled")
		s.reconnect = s.tracker.TrackTimer("reconnect", eff.Delay, s.reconnectDue)
	case connection.EffectCancelReconnect:
		s.reconnect.Cancel()
		s.reconnect = nil
	case connection.EffectCloseTransport:
		ws := s.ws
		s.ws = nil
		s.connGen++
		if ws != nil {
			closeWS(ws, eff.Code, eff.Reason)
		}
	case connection.EffectNotifyStopped:
		handlers := append([]StopHandler(nil), s.onStop...)
		reason := eff.StopReason
		s.pending = append(s.pending, func() {
			for _, h := range handlers {
				h(reason)
			}
		})
	case connection.EffectAttach:
		s.log.Info().Msg("app session active")
	case connection.EffectDetach:
		s.log.Info().Str("cause", string(s.machine.Cause)).Msg("app session ended")
	case connection.EffectDispose:
		s.tracker.Dispose()
		close(s.done)
		s.pending = append(s.pending, func() { s.client.forget(s) })
	case connection.EffectStartHeartbeat:
		s.heartbeat.Cancel()
		s.lastSeen = s.client.clock.Now()
		gen := s.connGen
		s.heartbeat = s.tracker.TrackInterval("heartbeat", s.client.opts.PingInterval, func() {
			s.heartbeatTick(gen)
		})
	case connection.EffectStopHeartbeat:
		s.heartbeat.Cancel()
		s.heartbeat = nil
	case connection.EffectSendAck, connection.EffectSendError:
		// Cloud-side effects.
	}
}

func (s *AppSession) sendLocked(v any) error {
	if s.ws == nil {
		return ErrNotActive
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(v)
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	if code != model.CloseAbnormal {
		if len(reason) > 123 {
			reason = reason[:123]
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	}
	_ = ws.Close()
}

func (s *AppSession) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.opts.ConnectTimeout)
	defer cancel()
	ws, _, err := s.client.dialer.DialContext(ctx, s.client.opts.CloudWSURL, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("dial cloud failed")
		s.connectFailed(gen)
		return
	}

	s.mu.Lock()
	defer s.unlock()
	state := s.machine.State
	if gen != s.attemptGen || (state != model.StateConnecting && state != model.StateReconnecting) {
		_ = ws.Close()
		return
	}
	s.ws = ws
	s.connGen++
	connGen := s.connGen
	ws.SetPingHandler(func(data string) error {
		s.touch(connGen)
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log.Debug().Err(err).Msg("pong not sent")
		}
		return nil
	})
	ws.SetPongHandler(func(string) error {
		s.touch(connGen)
		return nil
	})
	s.dispatchLocked(connection.Event{Kind: connection.EventTransportOpen})
	go s.readLoop(ws, connGen)
}

// touch records that the cloud was heard from on transport gen.
func (s *AppSession) touch(gen uint64) {
	s.mu.Lock()
	if gen == s.connGen {
		s.lastSeen = s.client.clock.Now()
	}
	s.mu.Unlock()
}

func (s *AppSession) heartbeatTick(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.connGen || s.ws == nil || s.machine.State != model.StateActive {
		return
	}
	if s.client.clock.Now().Sub(s.lastSeen) >= s.client.opts.PingTimeout {
		s.log.Warn().Time("last_seen", s.lastSeen).Msg("cloud heartbeat timed out")
		s.dispatchLocked(connection.Event{Kind: connection.EventHeartbeatTimeout})
		return
	}
	if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		s.log.Debug().Err(err).Msg("ping failed")
	}
}

func (s *AppSession) connectFailed(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.attemptGen {
		return
	}
	switch s.machine.State {
	case model.StateConnecting, model.StateReconnecting, model.StateHandshaking:
		s.dispatchLocked(connection.Event{Kind: connection.EventConnectFailed})
	}
}

func (s *AppSession) reconnectDue() {
	s.mu.Lock()
	defer s.unlock()
	s.reconnect = nil
	s.dispatchLocked(connection.Event{Kind: connection.EventReconnectDue})
}

func (s *AppSession) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			code, reason := model.CloseAbnormal, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			s.transportClosed(ws, gen, code, reason)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleFrame(gen, raw)
	}
}

func (s *AppSession) transportClosed(ws *websocket.Conn, gen uint64, code int, reason string) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.connGen {
		return
	}
	s.ws = nil
	s.connGen++
	_ = ws.Close()
	s.dispatchLocked(connection.Event{Kind: connection.EventClosed, Code: code, Reason: reason})
}

func (s *AppSession) handleFrame(gen uint64, raw []byte) {
	msg, err := wire.DecodeCloud(raw)

	s.mu.Lock()
	defer s.unlock()
	if gen != s.connGen {
		return
	}
	s.lastSeen = s.client.clock.Now()
	if err != nil {
		s.log.Warn().Err(err).Msg("dropped cloud frame")
		s.dispatchLocked(connection.Event{Kind: connection.EventProtocolViolation})
		return
	}
	switch m := msg.(type) {
	case wire.ConnectionAck:
		s.settings = m.Settings
		s.dispatchLocked(connection.Event{Kind: connection.EventHandshakeOK})
	case wire.ConnectionError:
		s.log.Warn().Str("code", m.Code).Str("message", m.Message).Msg("cloud refused connection")
		if m.Code == model.ErrCodeAuth {
			s.dispatchLocked(connection.Event{Kind: connection.EventAuthFailed})
			return
		}
		s.dispatchLocked(connection.Event{Kind: connection.EventStop, StopReason: model.StopError})
	case wire.AppStopped:
		s.dispatchLocked(connection.Event{Kind: connection.EventStop, StopReason: m.Reason})
	case wire.DataStream:
		if s.machine.State != model.StateActive {
			return
		}
		handlers := append([]DataHandler(nil), s.onData...)
		s.pending = append(s.pending, func() {
			for _, h := range handlers {
				h(m)
			}
		})
	case wire.BackgroundLockResponse:
		s.log.Debug().Str("action", m.Action).Bool("granted", m.Granted).Msg("background lock response")
	}
}
