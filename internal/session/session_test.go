package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/registry"
	"github.com/g960059/glasscloud/internal/testutil"
	"github.com/g960059/glasscloud/internal/userstate"
	"github.com/g960059/glasscloud/internal/wire"
)

const (
	weather     = "com.example.weather"
	notes       = "com.example.notes"
	weatherHook = "http://weather.test/webhook"
	notesHook   = "http://notes.test/webhook"
)

type mockWebhooks struct{ mock.Mock }

func (m *mockWebhooks) SendSessionRequest(_ context.Context, url string, req wire.SessionRequest) error {
	return m.Called(url, req).Error(0)
}

type fakeEndpoints struct {
	mu    sync.Mutex
	urls  map[string]string
	stale map[string]bool
}

func (f *fakeEndpoints) ResolveEndpoint(_ context.Context, pkg string) (string, registry.EndpointStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale[pkg] {
		return "", registry.EndpointStale, nil
	}
	url, ok := f.urls[pkg]
	if !ok {
		return "", registry.EndpointUnregistered, fmt.Errorf("%s: %w", pkg, model.ErrUnknownApp)
	}
	return url, registry.EndpointLive, nil
}

type fakeAuth map[string]string

func (f fakeAuth) Authenticate(_ context.Context, pkg, apiKey string) (model.App, error) {
	key, ok := f[pkg]
	if !ok {
		return model.App{}, model.ErrUnknownApp
	}
	if key != apiKey {
		return model.App{}, model.ErrAuth
	}
	return model.App{PackageName: pkg}, nil
}

type env struct {
	clock     *testutil.ManualClock
	hooks     *mockWebhooks
	endpoints *fakeEndpoints
	store     *userstate.Store
	metrics   *metrics.Metrics
	manager   *Manager
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.ReconnectMaxJitter = 0
	cfg.ReconnectMaxAttempts = 3
	cfg.ProtocolErrorThreshold = 2
	cfg.WebhookTimeout = time.Second
	return cfg
}

func newEnv(t *testing.T, tweak ...func(*config.Config)) *env {
	t.Helper()
	cfg := testConfig()
	for _, f := range tweak {
		f(&cfg)
	}
	store, err := userstate.Open(filepath.Join(t.TempDir(), "userstate.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &env{
		clock: testutil.NewManualClock(time.Time{}),
		hooks: &mockWebhooks{},
		endpoints: &fakeEndpoints{
			urls:  map[string]string{weather: weatherHook, notes: notesHook},
			stale: map[string]bool{},
		},
		store:   store,
		metrics: metrics.New(),
	}
	e.manager = NewManager(Deps{
		Config:    cfg,
		Clock:     e.clock,
		Webhooks:  e.hooks,
		Endpoints: e.endpoints,
		Auth:      fakeAuth{weather: "weather-key", notes: "notes-key"},
		UserState: store,
		Metrics:   e.metrics,
		Logger:    zerolog.Nop(),
		Go:        func(f func()) { f() },
	})
	return e
}

func (e *env) acceptWebhooks() {
	e.hooks.On("SendSessionRequest", mock.Anything, mock.Anything).Return(nil)
}

func (e *env) connect(t *testing.T, userID string) (*Session, *testutil.FakeConn) {
	t.Helper()
	glasses := testutil.NewFakeConn()
	s, err := e.manager.Connect(context.Background(), userID, glasses)
	require.NoError(t, err)
	return s, glasses
}

func keyFor(pkg string) string {
	return map[string]string{weather: "weather-key", notes: "notes-key"}[pkg]
}

// activate starts pkg and completes the TPA handshake on a fresh transport.
func activate(t *testing.T, s *Session, pkg string) *testutil.FakeConn {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.StartApp(ctx, pkg))
	tpa := testutil.NewFakeConn()
	require.NoError(t, s.AttachTPA(ctx, tpa, initFrame(s, pkg, keyFor(pkg))))
	requireState(t, s, pkg, model.StateActive)
	return tpa
}

func initFrame(s *Session, pkg, key string) wire.ConnectionInit {
	return wire.ConnectionInit{Type: wire.TypeConnectionInit, SessionID: s.ID(), PackageName: pkg, APIKey: key}
}

func requireState(t *testing.T, s *Session, pkg string, want model.ConnectionState) {
	t.Helper()
	got, ok := s.ConnectionState(pkg)
	require.True(t, ok, "no connection for %s", pkg)
	require.Equal(t, want, got)
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestStartAppSendsWebhookAndHandshakeActivates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, _ := e.connect(t, "user-1")

	var got wire.SessionRequest
	e.hooks.On("SendSessionRequest", weatherHook, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(wire.SessionRequest) }).
		Return(nil).Once()

	require.NoError(t, s.StartApp(ctx, weather))
	requireState(t, s, weather, model.StateConnecting)
	assert.Equal(t, wire.TypeSessionRequest, got.Type)
	assert.Equal(t, s.ID(), got.SessionID)
	assert.Equal(t, "user-1", got.UserID)

	tpa := testutil.NewFakeConn()
	require.NoError(t, s.AttachTPA(ctx, tpa, initFrame(s, weather, "weather-key")))
	requireState(t, s, weather, model.StateActive)

	acks := tpa.Messages(wire.TypeConnectionAck)
	require.Len(t, acks, 1)
	assert.Equal(t, s.ID(), acks[0]["sessionId"])

	// The connect grace timer was disarmed by the handshake.
	e.clock.Advance(15 * time.Second)
	requireState(t, s, weather, model.StateActive)
	e.hooks.AssertExpectations(t)

	apps, err := e.store.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{weather}, apps)
}

func TestStartUnknownAppFails(t *testing.T) {
	e := newEnv(t)
	s, _ := e.connect(t, "user-1")
	err := s.StartApp(context.Background(), "com.example.gone")
	require.ErrorIs(t, err, model.ErrUnknownApp)
	assert.False(t, s.HasActiveApp("com.example.gone"))
}

func TestAbnormalCloseReconnectsThroughWebhook(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	s.TransportClosed(weather, tpa, model.CloseAbnormal, "")
	requireState(t, s, weather, model.StateReconnecting)
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 1)

	e.clock.Advance(time.Second)
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 2)

	next := testutil.NewFakeConn()
	require.NoError(t, s.AttachTPA(context.Background(), next, initFrame(s, weather, "weather-key")))
	requireState(t, s, weather, model.StateActive)
	assert.Zero(t, s.Snapshot().Connections[0].ReconnectAttempts)
	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.ReconnectsScheduled))
}

func TestNormalCloseTerminatesButKeepsAppForRecovery(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	s.TransportClosed(weather, tpa, model.CloseNormal, "")
	_, ok := s.ConnectionState(weather)
	assert.False(t, ok)
	assert.True(t, s.HasActiveApp(weather))

	e.clock.Advance(time.Minute)
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 1)

	require.NoError(t, e.manager.RecoverApp(context.Background(), s.ID(), weather))
	requireState(t, s, weather, model.StateConnecting)
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 2)
}

func TestTPADialingBackForActiveAppNeedsNoWebhook(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)
	s.TransportClosed(weather, tpa, model.CloseGoingAway, "server restart")

	again := testutil.NewFakeConn()
	require.NoError(t, s.AttachTPA(context.Background(), again, initFrame(s, weather, "weather-key")))
	requireState(t, s, weather, model.StateActive)
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 1)
}

func TestStopAppNotifiesClosesAndForgets(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	ctx := context.Background()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	require.NoError(t, s.StopApp(ctx, weather, model.StopUserDisabled))
	stopped := tpa.Messages(wire.TypeAppStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(model.StopUserDisabled), stopped[0]["reason"])
	closed, code, _ := tpa.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.CloseNormal, code)
	assert.False(t, s.HasActiveApp(weather))

	apps, err := e.store.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, apps)

	require.ErrorIs(t, s.StopApp(ctx, weather, ""), model.ErrAppNotActive)
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	e.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, tpa.Pings())
	s.Pong(weather, tpa)

	e.clock.Advance(20 * time.Second)
	assert.Equal(t, 3, tpa.Pings())
	requireState(t, s, weather, model.StateActive)

	e.clock.Advance(10 * time.Second)
	closed, code, _ := tpa.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.CloseAbnormal, code)
	requireState(t, s, weather, model.StateReconnecting)
}

func TestWebhookFailuresExhaustAttempts(t *testing.T) {
	e := newEnv(t)
	e.hooks.On("SendSessionRequest", weatherHook, mock.Anything).Return(errors.New("connection refused"))
	s, _ := e.connect(t, "user-1")

	require.NoError(t, s.StartApp(context.Background(), weather))
	requireState(t, s, weather, model.StateReconnecting)

	for i := 0; i < 3; i++ {
		e.clock.Advance(5 * time.Second)
	}
	_, ok := s.ConnectionState(weather)
	assert.False(t, ok)
	assert.True(t, s.HasActiveApp(weather), "exhausted apps stay active so recovery can revive them")
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 4)
	assert.Equal(t, 4.0, promtest.ToFloat64(e.metrics.WebhookFailures))
}

func TestStaleRegistrationSkipsTheAttempt(t *testing.T) {
	e := newEnv(t)
	e.endpoints.stale[weather] = true
	s, _ := e.connect(t, "user-1")

	require.NoError(t, s.StartApp(context.Background(), weather))
	requireState(t, s, weather, model.StateReconnecting)
	assert.Equal(t, 1, s.Snapshot().Connections[0].ReconnectAttempts)
	e.hooks.AssertNotCalled(t, "SendSessionRequest", mock.Anything, mock.Anything)
}

func TestAuthFailureTerminatesOnlyWhenAttemptTimesOut(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	ctx := context.Background()
	s, _ := e.connect(t, "user-1")
	require.NoError(t, s.StartApp(ctx, weather))

	tpa := testutil.NewFakeConn()
	err := s.AttachTPA(ctx, tpa, initFrame(s, weather, "wrong"))
	require.ErrorIs(t, err, model.ErrAuth)

	errs := tpa.Messages(wire.TypeConnectionError)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrCodeAuth, errs[0]["code"])
	closed, code, _ := tpa.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.ClosePolicyViolation, code)
	requireState(t, s, weather, model.StateConnecting)
	assert.True(t, s.HasActiveApp(weather))

	e.clock.Advance(10 * time.Second)
	_, ok := s.ConnectionState(weather)
	assert.False(t, ok)
	assert.False(t, s.HasActiveApp(weather))
	apps, err := e.store.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, apps, weather)
}

func TestBadKeyDoesNotDisturbActiveConnection(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	impostor := testutil.NewFakeConn()
	require.ErrorIs(t, s.AttachTPA(context.Background(), impostor, initFrame(s, weather, "wrong")), model.ErrAuth)
	requireState(t, s, weather, model.StateActive)
	closed, _, _ := tpa.Closed()
	assert.False(t, closed)
}

func TestBadKeyDoesNotEndPendingConnection(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(t *testing.T, s *Session)
		want  model.ConnectionState
	}{
		{
			name: "connecting",
			setup: func(t *testing.T, s *Session) {
				require.NoError(t, s.StartApp(context.Background(), weather))
			},
			want: model.StateConnecting,
		},
		{
			name: "reconnecting",
			setup: func(t *testing.T, s *Session) {
				tpa := activate(t, s, weather)
				s.TransportClosed(weather, tpa, model.CloseAbnormal, "")
			},
			want: model.StateReconnecting,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.acceptWebhooks()
			ctx := context.Background()
			s, _ := e.connect(t, "user-1")
			tc.setup(t, s)
			requireState(t, s, weather, tc.want)

			impostor := testutil.NewFakeConn()
			require.ErrorIs(t, s.AttachTPA(ctx, impostor, initFrame(s, weather, "wrong")), model.ErrAuth)
			requireState(t, s, weather, tc.want)
			assert.True(t, s.HasActiveApp(weather))

			tpa := testutil.NewFakeConn()
			require.NoError(t, s.AttachTPA(ctx, tpa, initFrame(s, weather, "weather-key")))
			requireState(t, s, weather, model.StateActive)

			// Past the connect timeout of the attempt the bad key arrived in.
			e.clock.Advance(15 * time.Second)
			requireState(t, s, weather, model.StateActive)
			assert.True(t, s.HasActiveApp(weather))
			apps, err := e.store.RunningApps(ctx, "user-1")
			require.NoError(t, err)
			assert.Contains(t, apps, weather)
		})
	}
}

func TestAttachForInactiveAppIsRejected(t *testing.T) {
	e := newEnv(t)
	s, _ := e.connect(t, "user-1")
	tpa := testutil.NewFakeConn()
	err := s.AttachTPA(context.Background(), tpa, initFrame(s, weather, "weather-key"))
	require.ErrorIs(t, err, model.ErrAppNotActive)
	errs := tpa.Messages(wire.TypeConnectionError)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrCodeAppNotActive, errs[0]["code"])
}

func TestDisplayRequestsReachGlasses(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, glasses := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	require.NoError(t, s.HandleTPAMessage(weather, tpa, frame(t, map[string]any{
		"type":        wire.TypeDisplayRequest,
		"packageName": weather,
		"view":        "main",
		"layout":      map[string]any{"layoutType": "text_wall", "text": "Sunny, 21C"},
	})))
	events := glasses.Messages(wire.TypeDisplayEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "main", events[0]["view"])
	assert.Equal(t, weather, events[0]["packageName"])

	require.NoError(t, s.HandleTPAMessage(weather, tpa, frame(t, map[string]any{
		"type":   wire.TypeDisplayRequest,
		"view":   "dashboard",
		"layout": map[string]any{"title": "Weather", "text": "Sunny"},
	})))
	events = glasses.Messages(wire.TypeDisplayEvent)
	require.Len(t, events, 2)
	assert.Equal(t, "dashboard", events[1]["view"])
	layout, ok := events[1]["layout"].(map[string]any)
	require.True(t, ok)
	content, ok := layout["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	assert.Equal(t, "Weather\nSunny", content[0].(map[string]any)["text"])
}

func TestBackgroundLockRequestsAreAnswered(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	w := activate(t, s, weather)
	n := activate(t, s, notes)

	require.NoError(t, s.HandleTPAMessage(weather, w, frame(t, map[string]any{"type": wire.TypeBackgroundLockRequest})))
	require.NoError(t, s.HandleTPAMessage(notes, n, frame(t, map[string]any{"type": wire.TypeBackgroundLockRequest, "action": "acquire"})))

	wr := w.Messages(wire.TypeBackgroundLockResponse)
	require.Len(t, wr, 1)
	assert.Equal(t, true, wr[0]["granted"])
	nr := n.Messages(wire.TypeBackgroundLockResponse)
	require.Len(t, nr, 1)
	assert.Equal(t, false, nr[0]["granted"])
	assert.Equal(t, weather, nr[0]["holder"])
	assert.Equal(t, weather, s.Snapshot().LockHolder)
}

func TestProtocolViolationsPastThresholdStopTheApp(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	for i := 0; i < 2; i++ {
		var perr *model.ProtocolError
		require.ErrorAs(t, s.HandleTPAMessage(weather, tpa, []byte(`{"type":"display_request","layout":`)), &perr)
		requireState(t, s, weather, model.StateActive)
	}
	require.Error(t, s.HandleTPAMessage(weather, tpa, frame(t, map[string]any{"type": "bogus"})))

	stopped := tpa.Messages(wire.TypeAppStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(model.StopError), stopped[0]["reason"])
	_, code, _ := tpa.Closed()
	assert.Equal(t, model.ClosePolicyViolation, code)
	assert.False(t, s.HasActiveApp(weather))
}

func TestForeignPackageNameIsAProtocolError(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	err := s.HandleTPAMessage(weather, tpa, frame(t, map[string]any{
		"type":          wire.TypeSubscriptionUpdate,
		"packageName":   notes,
		"subscriptions": []string{"button_press"},
	}))
	var perr *model.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, s.Snapshot().Connections[0].Subscriptions)
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, _ := e.connect(t, "user-1")
	w := activate(t, s, weather)
	n := activate(t, s, notes)

	require.NoError(t, s.HandleTPAMessage(weather, w, frame(t, map[string]any{
		"type":          wire.TypeSubscriptionUpdate,
		"subscriptions": []string{"button_press"},
	})))

	delivered := s.Publish(model.StreamButtonPress, json.RawMessage(`{"button":"main","pressType":"short"}`))
	assert.Equal(t, 1, delivered)
	streams := w.Messages(wire.TypeDataStream)
	require.Len(t, streams, 1)
	assert.Equal(t, "button_press", streams[0]["streamType"])
	assert.Empty(t, n.Messages(wire.TypeDataStream))
}

// stallingConn blocks data_stream sends until released.
type stallingConn struct {
	*testutil.FakeConn
	entered chan struct{}
	release chan struct{}
}

func (c *stallingConn) Send(v any) error {
	if _, ok := v.(wire.DataStream); ok {
		c.entered <- struct{}{}
		<-c.release
	}
	return c.FakeConn.Send(v)
}

func TestSlowSubscriberDoesNotBlockSession(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	ctx := context.Background()
	s, _ := e.connect(t, "user-1")

	require.NoError(t, s.StartApp(ctx, weather))
	slow := &stallingConn{FakeConn: testutil.NewFakeConn(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	require.NoError(t, s.AttachTPA(ctx, slow, initFrame(s, weather, "weather-key")))
	require.NoError(t, s.HandleTPAMessage(weather, slow, frame(t, map[string]any{
		"type":          wire.TypeSubscriptionUpdate,
		"subscriptions": []string{"button_press"},
	})))

	delivered := make(chan int, 1)
	go func() {
		delivered <- s.Publish(model.StreamButtonPress, json.RawMessage(`{"button":"main"}`))
	}()
	select {
	case <-slow.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("publish never reached the subscriber")
	}

	// The send is stuck; the session still serves other operations.
	attached := make(chan error, 1)
	go func() {
		if err := s.StartApp(ctx, notes); err != nil {
			attached <- err
			return
		}
		attached <- s.AttachTPA(ctx, testutil.NewFakeConn(), initFrame(s, notes, "notes-key"))
	}()
	select {
	case err := <-attached:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session blocked behind a slow subscriber")
	}
	requireState(t, s, notes, model.StateActive)

	close(slow.release)
	select {
	case n := <-delivered:
		assert.Equal(t, 1, n)
	case <-time.After(3 * time.Second):
		t.Fatal("publish did not finish")
	}
	assert.Len(t, slow.Messages(wire.TypeDataStream), 1)
}

func TestEndingSessionRendersNothing(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	s, glasses := e.connect(t, "user-1")
	tpa := activate(t, s, weather)
	require.NoError(t, s.HandleTPAMessage(weather, tpa, frame(t, map[string]any{
		"type":   wire.TypeDisplayRequest,
		"view":   "main",
		"layout": map[string]any{"layoutType": "text_wall", "text": "Sunny"},
	})))
	require.Len(t, glasses.Messages(wire.TypeDisplayEvent), 1)
	e.clock.Advance(time.Second)

	s.End(model.StopSystem)
	assert.Len(t, glasses.Messages(wire.TypeDisplayEvent), 1, "no clear may follow the session's end")
	closed, code, _ := glasses.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.CloseNormal, code)
	assert.NotEmpty(t, tpa.Messages(wire.TypeAppStopped))
}

func TestGlassesGracePeriodEndsIdleSession(t *testing.T) {
	e := newEnv(t)
	s, glasses := e.connect(t, "user-1")
	e.manager.GlassesDisconnected(s.ID(), glasses)
	require.NotNil(t, s.Snapshot().DisconnectedAt)

	e.clock.Advance(59 * time.Second)
	assert.False(t, s.Ended())
	e.clock.Advance(time.Second)
	assert.True(t, s.Ended())

	_, err := e.manager.Get(s.ID())
	require.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.Zero(t, e.manager.Len())
	assert.Equal(t, 0.0, promtest.ToFloat64(e.metrics.SessionsActive))
}

func TestGlassesReconnectWithinGraceKeepsSession(t *testing.T) {
	e := newEnv(t)
	s, glasses := e.connect(t, "user-1")
	e.manager.GlassesDisconnected(s.ID(), glasses)
	e.clock.Advance(30 * time.Second)

	again, second := e.connect(t, "user-1")
	assert.Equal(t, s.ID(), again.ID())
	assert.Nil(t, again.Snapshot().DisconnectedAt)
	acks := second.Messages(wire.TypeGlassesAck)
	require.Len(t, acks, 1)
	assert.Equal(t, s.ID(), acks[0]["sessionId"])

	e.clock.Advance(2 * time.Minute)
	assert.False(t, s.Ended())
}

func TestGraceWaitsForPendingRecovery(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.GlassesGracePeriod = 20 * time.Second })
	e.acceptWebhooks()
	s, glasses := e.connect(t, "user-1")
	require.NoError(t, s.StartApp(context.Background(), weather))
	e.manager.GlassesDisconnected(s.ID(), glasses)

	// The TPA never dials back: attempts time out at 10s, 21s, 32.5s and
	// the Connection gives up at 44.75s.
	e.clock.Advance(20 * time.Second)
	assert.False(t, s.Ended())
	e.clock.Advance(20 * time.Second)
	assert.False(t, s.Ended())
	e.clock.Advance(20 * time.Second)
	assert.True(t, s.Ended())
}

func TestEndSessionStopsAppsAndKeepsThemPersisted(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	ctx := context.Background()
	s, glasses := e.connect(t, "user-1")
	tpa := activate(t, s, weather)

	require.NoError(t, e.manager.EndSession(s.ID()))
	stopped := tpa.Messages(wire.TypeAppStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(model.StopSystem), stopped[0]["reason"])
	closed, _, _ := glasses.Closed()
	assert.True(t, closed)
	assert.Zero(t, e.clock.Pending())

	apps, err := e.store.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{weather}, apps)

	require.ErrorIs(t, s.StartApp(ctx, notes), model.ErrSessionEnded)
	require.ErrorIs(t, e.manager.EndSession(s.ID()), model.ErrSessionNotFound)
}

func TestConnectRestoresRunningApps(t *testing.T) {
	e := newEnv(t)
	e.acceptWebhooks()
	ctx := context.Background()
	require.NoError(t, e.store.AddRunningApp(ctx, "user-1", weather))
	require.NoError(t, e.store.AddRunningApp(ctx, "user-1", "com.example.gone"))

	s, _ := e.connect(t, "user-1")
	requireState(t, s, weather, model.StateConnecting)
	e.hooks.AssertNumberOfCalls(t, "SendSessionRequest", 1)
	assert.Equal(t, []string{s.ID()}, e.manager.SessionsWithActiveApp(weather))
	assert.Empty(t, e.manager.SessionsWithActiveApp(notes))

	apps, err := e.store.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{weather}, apps)
}

func TestManagerListAndLookups(t *testing.T) {
	e := newEnv(t)
	a, _ := e.connect(t, "user-a")
	e.clock.Advance(time.Second)
	b, _ := e.connect(t, "user-b")

	list := e.manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID(), list[0].SessionID)
	assert.Equal(t, b.ID(), list[1].SessionID)

	_, err := e.manager.Get("missing")
	require.ErrorIs(t, err, model.ErrSessionNotFound)
	require.ErrorIs(t, e.manager.RecoverApp(context.Background(), "missing", weather), model.ErrSessionNotFound)
	require.ErrorIs(t, e.manager.RecoverApp(context.Background(), a.ID(), weather), model.ErrAppNotActive)

	_, err = e.manager.Connect(context.Background(), " ", testutil.NewFakeConn())
	require.ErrorIs(t, err, model.ErrInvalidRequest)

	e.manager.Shutdown()
	assert.True(t, a.Ended())
	assert.True(t, b.Ended())
	assert.Zero(t, e.manager.Len())
}
