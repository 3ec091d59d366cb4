package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/connection"
	"github.com/g960059/glasscloud/internal/display"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/wire"
)

// Session is one wearable user's live context. A single mutex serializes
// every Session and Connection mutation; timer callbacks and webhook results
// re-enter through it and re-check that their Connection is still current.
type Session struct {
	id        string
	userID    string
	createdAt time.Time
	deps      Deps
	policy    connection.Policy
	log       zerolog.Logger
	tracker   *lifecycle.Tracker
	arbiter   *display.Arbiter
	dashboard *display.Dashboard
	out       *glassesOut
	onEnd     func(*Session)

	mu             sync.Mutex
	glasses        Conn
	disconnectedAt *time.Time
	grace          *lifecycle.Handle
	active         map[string]struct{}
	links          map[string]*link
	ended          bool
	pending        []func()
}

func newSession(id, userID string, deps Deps, onEnd func(*Session)) *Session {
	deps = deps.withDefaults()
	log := deps.Logger.With().
		Str("component", "session").
		Str("session_id", id).
		Str("user_id", userID).
		Logger()
	tracker := lifecycle.NewTracker(deps.Clock, log)
	tracker.OnFailure(func(error) { deps.Metrics.CleanupFailed() })
	out := &glassesOut{log: log}
	s := &Session{
		id:        id,
		userID:    userID,
		createdAt: deps.Clock.Now(),
		deps:      deps,
		policy:    connection.PolicyFromConfig(deps.Config),
		log:       log,
		tracker:   tracker,
		out:       out,
		onEnd:     onEnd,
		active:    map[string]struct{}{},
		links:     map[string]*link{},
	}
	s.arbiter = display.NewArbiter(deps.Config, tracker, out, deps.Metrics, log)
	s.dashboard = display.NewDashboard(deps.Config, deps.Clock.Now, out, deps.Metrics, log)
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// unlock releases the session mutex and then runs work queued while it was
// held: store writes, webhook dispatch, and the end-of-session callback.
func (s *Session) unlock() {
	work := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, f := range work {
		f()
	}
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// StartApp marks pkg active and, unless a Connection already exists, asks
// the TPA server to connect.
func (s *Session) StartApp(ctx context.Context, pkg string) error {
	if pkg == "" {
		return fmt.Errorf("package name required: %w", model.ErrInvalidRequest)
	}
	if _, _, err := s.deps.Endpoints.ResolveEndpoint(ctx, pkg); errors.Is(err, model.ErrUnknownApp) {
		return err
	}

	s.mu.Lock()
	defer s.unlock()
	if s.ended {
		return model.ErrSessionEnded
	}
	s.active[pkg] = struct{}{}
	s.persistLocked(pkg, true)
	if _, ok := s.links[pkg]; ok {
		return nil
	}
	l := s.newLinkLocked(pkg)
	s.log.Info().Str("package", pkg).Msg("starting app")
	s.dispatchLocked(l, connection.Event{Kind: connection.EventStart, Solicited: true})
	return nil
}

func (s *Session) StopApp(_ context.Context, pkg string, reason model.AppStopReason) error {
	if reason == "" {
		reason = model.StopUserDisabled
	}
	s.mu.Lock()
	defer s.unlock()
	if s.ended {
		return model.ErrSessionEnded
	}
	_, wasActive := s.active[pkg]
	l := s.links[pkg]
	if !wasActive && l == nil {
		return fmt.Errorf("%s: %w", pkg, model.ErrAppNotActive)
	}
	delete(s.active, pkg)
	s.persistLocked(pkg, false)
	if l != nil {
		s.dispatchLocked(l, connection.Event{Kind: connection.EventStop, StopReason: reason})
	}
	s.log.Info().Str("package", pkg).Str("reason", string(reason)).Msg("stopped app")
	return nil
}

// RecoverApp reconnects pkg immediately, resetting its attempt counter.
// An active Connection is left alone.
func (s *Session) RecoverApp(_ context.Context, pkg string) error {
	s.mu.Lock()
	defer s.unlock()
	if s.ended {
		return model.ErrSessionEnded
	}
	if _, ok := s.active[pkg]; !ok {
		return fmt.Errorf("%s: %w", pkg, model.ErrAppNotActive)
	}
	l := s.links[pkg]
	if l == nil {
		l = s.newLinkLocked(pkg)
	}
	s.dispatchLocked(l, connection.Event{Kind: connection.EventRecover})
	return nil
}

func (s *Session) HasActiveApp(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[pkg]
	return !s.ended && ok
}

// AttachTPA binds a TPA transport that sent connection_init. The key is
// checked before the session lock is taken.
func (s *Session) AttachTPA(ctx context.Context, conn Conn, init wire.ConnectionInit) error {
	pkg := init.PackageName
	_, authErr := s.deps.Auth.Authenticate(ctx, pkg, init.APIKey)

	s.mu.Lock()
	defer s.unlock()
	if s.ended {
		reject(conn, model.ErrCodeSessionNotFound, "session ended")
		return model.ErrSessionEnded
	}
	if _, ok := s.active[pkg]; !ok {
		if authErr != nil {
			reject(conn, model.ErrCodeAuth, "authentication failed")
			return authErr
		}
		reject(conn, model.ErrCodeAppNotActive, "app not active in session")
		return fmt.Errorf("%s: %w", pkg, model.ErrAppNotActive)
	}

	l := s.links[pkg]
	if authErr != nil {
		// A bad key only turns this transport away. Anyone holding the
		// session id can dial in, so it must not end the Connection; an
		// attempt that then times out without a good transport fails as
		// an auth failure instead of a connect failure.
		s.log.Warn().Err(authErr).Str("package", pkg).Msg("tpa authentication failed")
		reject(conn, model.ErrCodeAuth, "authentication failed")
		if l != nil {
			if st := l.machine.State; st == model.StateConnecting || st == model.StateReconnecting {
				l.authRejected = l.attemptGen
			}
		}
		return authErr
	}
	if l == nil {
		l = s.newLinkLocked(pkg)
		s.dispatchLocked(l, connection.Event{Kind: connection.EventStart})
	}
	if l.conn != nil && l.conn != conn {
		if err := l.conn.Close(model.CloseNormal, "replaced"); err != nil {
			s.log.Debug().Err(err).Str("package", pkg).Msg("close replaced transport")
		}
	}
	l.conn = conn
	l.connGen++
	l.lastActivity = s.deps.Clock.Now()
	l.authRejected = 0
	s.dispatchLocked(l, connection.Event{Kind: connection.EventTransportOpen})
	s.dispatchLocked(l, connection.Event{Kind: connection.EventHandshakeOK})
	return nil
}

// TransportClosed reports that conn went away. Closes of transports the
// session already replaced or closed itself are ignored.
func (s *Session) TransportClosed(pkg string, conn Conn, code int, reason string) {
	s.mu.Lock()
	defer s.unlock()
	l := s.links[pkg]
	if l == nil || l.conn != conn {
		return
	}
	l.conn = nil
	l.connGen++
	if !model.IsIntentionalClose(code, reason) {
		s.log.Info().Err(&model.TransientNetworkError{Code: code, Reason: reason}).Str("package", pkg).Msg("tpa transport lost")
	}
	s.dispatchLocked(l, connection.Event{Kind: connection.EventClosed, Code: code, Reason: reason})
}

func (s *Session) Pong(pkg string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.links[pkg]
	if l == nil || l.conn != conn {
		return
	}
	now := s.deps.Clock.Now()
	l.lastPong = now
	l.lastActivity = now
}

// HandleTPAMessage applies one frame from a TPA. A malformed or
// out-of-order frame is dropped and counted against the Connection.
func (s *Session) HandleTPAMessage(pkg string, conn Conn, raw []byte) error {
	msg, err := wire.DecodeTPA(raw)

	s.mu.Lock()
	defer s.unlock()
	l := s.links[pkg]
	if l == nil || l.conn != conn {
		return nil
	}
	l.lastActivity = s.deps.Clock.Now()
	if err == nil {
		err = s.handleTPALocked(l, msg)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("package", pkg).Str("frame", redactedFrame(raw)).Msg("dropped tpa frame")
		s.dispatchLocked(l, connection.Event{Kind: connection.EventProtocolViolation})
	}
	return err
}

// Publish fans a glasses event out to every attached Connection subscribed
// to stream and returns how many received it. Sends happen after the
// session lock is released, so a slow TPA holds up only its own delivery.
func (s *Session) Publish(stream model.StreamType, data json.RawMessage) int {
	type target struct {
		pkg  string
		conn Conn
	}
	s.mu.Lock()
	msg := wire.DataStream{
		Type:       wire.TypeDataStream,
		SessionID:  s.id,
		StreamType: stream,
		Data:       data,
		Timestamp:  s.deps.Clock.Now(),
	}
	var targets []target
	for _, pkg := range sortedKeys(s.links) {
		l := s.links[pkg]
		if !l.attached || l.conn == nil || !l.machine.Subscribed(stream) {
			continue
		}
		targets = append(targets, target{pkg: pkg, conn: l.conn})
	}
	s.unlock()

	n := 0
	for _, tg := range targets {
		if err := tg.conn.Send(msg); err != nil {
			s.log.Debug().Err(err).Str("package", tg.pkg).Msg("data stream not delivered")
			continue
		}
		n++
	}
	return n
}

// AttachGlasses binds the wearable's channel, replacing any previous one,
// and cancels a pending grace timer.
func (s *Session) AttachGlasses(conn Conn) error {
	s.mu.Lock()
	defer s.unlock()
	if s.ended {
		return model.ErrSessionEnded
	}
	if s.glasses != nil && s.glasses != conn {
		_ = s.glasses.Close(model.CloseNormal, "replaced")
	}
	s.glasses = conn
	s.out.set(conn)
	s.disconnectedAt = nil
	s.grace.Cancel()
	s.grace = nil
	if err := conn.Send(wire.GlassesAck{Type: wire.TypeGlassesAck, SessionID: s.id}); err != nil {
		s.log.Debug().Err(err).Msg("glasses ack not delivered")
	}
	s.log.Info().Msg("glasses attached")
	return nil
}

// GlassesDisconnected starts the grace period after which the session ends.
func (s *Session) GlassesDisconnected(conn Conn) {
	s.mu.Lock()
	defer s.unlock()
	if s.ended || s.glasses != conn {
		return
	}
	s.glasses = nil
	s.out.set(nil)
	now := s.deps.Clock.Now()
	s.disconnectedAt = &now
	s.armGraceLocked()
	s.log.Info().Dur("grace", s.deps.Config.GlassesGracePeriod).Msg("glasses disconnected")
}

func (s *Session) armGraceLocked() {
	s.grace.Cancel()
	s.grace = s.tracker.TrackTimer("glasses.grace", s.deps.Config.GlassesGracePeriod, s.graceExpired)
}

// graceExpired ends the session unless a Connection is still mid-recovery,
// in which case it waits another grace period. Recovery is bounded by the
// reconnect attempt ceiling.
func (s *Session) graceExpired() {
	s.mu.Lock()
	defer s.unlock()
	if s.ended || s.glasses != nil {
		return
	}
	for _, l := range s.links {
		if st := l.machine.State; st == model.StateConnecting || st == model.StateReconnecting {
			s.armGraceLocked()
			return
		}
	}
	s.endLocked(model.StopSystem)
}

// End stops every Connection and releases the session's resources. Running
// apps stay persisted so the user's next session restores them.
func (s *Session) End(reason model.AppStopReason) {
	s.mu.Lock()
	defer s.unlock()
	s.endLocked(reason)
}

func (s *Session) endLocked(reason model.AppStopReason) {
	if s.ended {
		return
	}
	s.ended = true
	// Nothing renders on an ending session, including the clears of apps
	// stopped below.
	s.arbiter.Close()
	s.dashboard.Close()
	for _, pkg := range sortedKeys(s.links) {
		s.dispatchLocked(s.links[pkg], connection.Event{Kind: connection.EventStop, StopReason: reason})
	}
	s.tracker.Dispose()
	if s.glasses != nil {
		_ = s.glasses.Close(model.CloseNormal, "session ended")
		s.glasses = nil
		s.out.set(nil)
	}
	s.log.Info().Str("reason", string(reason)).Msg("session ended")
	if s.onEnd != nil {
		s.pending = append(s.pending, func() { s.onEnd(s) })
	}
}

func (s *Session) ConnectionState(pkg string) (model.ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[pkg]
	if !ok {
		return "", false
	}
	return l.machine.State, true
}

func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := model.SessionSnapshot{
		SessionID:     s.id,
		UserID:        s.userID,
		CreatedAt:     s.createdAt,
		ActiveApps:    sortedKeys(s.active),
		DashboardMode: s.dashboard.Mode(),
		Ended:         s.ended,
	}
	if s.disconnectedAt != nil {
		at := *s.disconnectedAt
		snap.DisconnectedAt = &at
	}
	for _, pkg := range sortedKeys(s.links) {
		l := s.links[pkg]
		snap.Connections = append(snap.Connections, model.ConnectionSnapshot{
			PackageName:       pkg,
			State:             l.machine.State,
			ReconnectAttempts: l.machine.Attempts,
			Subscriptions:     slices.Clone(l.machine.Subscriptions),
			LastActivityAt:    l.lastActivity,
		})
	}
	if lock, ok := s.arbiter.Lock(); ok {
		snap.LockHolder = lock.Holder
	}
	return snap
}

func (s *Session) settingsLocked() map[string]any {
	return map[string]any{
		"userId":           s.userID,
		"glassesConnected": s.glasses != nil,
		"dashboardMode":    string(s.dashboard.Mode()),
	}
}

// persistLocked queues a running-app store write for after the unlock.
func (s *Session) persistLocked(pkg string, running bool) {
	store := s.deps.UserState
	if store == nil {
		return
	}
	userID := s.userID
	s.pending = append(s.pending, func() {
		var err error
		if running {
			err = store.AddRunningApp(context.Background(), userID, pkg)
		} else {
			err = store.RemoveRunningApp(context.Background(), userID, pkg)
		}
		if err != nil {
			s.log.Error().Err(err).Str("package", pkg).Msg("persist running apps")
		}
	})
}

func reject(conn Conn, code, message string) {
	_ = conn.Send(wire.ConnectionError{Type: wire.TypeConnectionError, Code: code, Message: message})
	_ = conn.Close(model.ClosePolicyViolation, message)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
