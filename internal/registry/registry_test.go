package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/db"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/testutil"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) SessionsWithActiveApp(pkg string) []string {
	args := m.Called(pkg)
	return args.Get(0).([]string)
}

func (m *mockDirectory) RecoverApp(ctx context.Context, sessionID, pkg string) error {
	return m.Called(ctx, sessionID, pkg).Error(0)
}

const (
	weather    = "com.example.weather"
	weatherKey = "weather-secret"
)

type fixture struct {
	reg   *Registry
	store *db.Store
	clock *testutil.ManualClock
	dir   *mockDirectory
	m     *metrics.Metrics
	ctx   context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	testutil.SeedApp(t, store, ctx, weather, weatherKey, "https://weather.example.com/hook")
	clock := testutil.NewManualClock(time.Time{})
	m := metrics.New()
	r := New(config.DefaultConfig(), clock, store, store, m, zerolog.Nop())
	dir := &mockDirectory{}
	require.NoError(t, r.Init(ctx, dir))
	t.Cleanup(r.Shutdown)
	return fixture{reg: r, store: store, clock: clock, dir: dir, m: m, ctx: ctx}
}

func weatherParams() RegisterParams {
	return RegisterParams{PackageName: weather, ServerURL: "http://weather-1:7000/", Version: "1.2.0", APIKey: weatherKey}
}

func TestRegisterValidatesAppAndKey(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.reg.Register(f.ctx, RegisterParams{PackageName: "com.example.ghost", ServerURL: "http://ghost", APIKey: "x"})
	assert.ErrorIs(t, err, model.ErrUnknownApp)

	p := weatherParams()
	p.APIKey = "wrong"
	_, _, err = f.reg.Register(f.ctx, p)
	assert.ErrorIs(t, err, model.ErrAuth)

	p = weatherParams()
	p.ServerURL = "not a url"
	_, _, err = f.reg.Register(f.ctx, p)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	assert.Empty(t, f.reg.Registrations())
	f.dir.AssertNotCalled(t, "SessionsWithActiveApp", mock.Anything)
}

func TestRegisterRecoversEverySessionAndSurvivesFailures(t *testing.T) {
	f := newFixture(t)
	f.dir.On("SessionsWithActiveApp", weather).Return([]string{"s1", "s2", "s3"})
	f.dir.On("RecoverApp", mock.Anything, "s1", weather).Return(nil)
	f.dir.On("RecoverApp", mock.Anything, "s2", weather).Return(errors.New("session ended"))
	f.dir.On("RecoverApp", mock.Anything, "s3", weather).Return(nil)

	reg, recovered, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, recovered)
	assert.Equal(t, "http://weather-1:7000", reg.ServerURL)
	assert.NotEmpty(t, reg.RegistrationID)
	f.dir.AssertNumberOfCalls(t, "RecoverApp", 3)
	f.dir.AssertExpectations(t)
}

func TestRegisterForOtherCloudSkipsRecovery(t *testing.T) {
	f := newFixture(t)
	p := weatherParams()
	p.CloudID = "prod-eu"
	_, recovered, err := f.reg.Register(f.ctx, p)
	require.NoError(t, err)
	assert.Empty(t, recovered)
	assert.False(t, f.reg.IsLive(weather))
	assert.Len(t, f.reg.Registrations(), 1)
	f.dir.AssertNotCalled(t, "SessionsWithActiveApp", mock.Anything)
}

func TestLivenessFlipsAfterHeartbeatsStop(t *testing.T) {
	f := newFixture(t)
	f.dir.On("SessionsWithActiveApp", weather).Return([]string{"s1"})
	f.dir.On("RecoverApp", mock.Anything, "s1", weather).Return(nil)

	reg, _, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		f.clock.Advance(15 * time.Second)
		require.NoError(t, f.reg.Heartbeat(f.ctx, weather, reg.RegistrationID))
		assert.True(t, f.reg.IsLive(weather))
	}

	f.clock.Advance(44 * time.Second)
	assert.True(t, f.reg.IsLive(weather))
	f.clock.Advance(time.Second)
	assert.False(t, f.reg.IsLive(weather))

	url, status, err := f.reg.ResolveEndpoint(f.ctx, weather)
	require.NoError(t, err)
	assert.Equal(t, EndpointStale, status)
	assert.Empty(t, url)

	_, recovered, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, recovered)
	assert.True(t, f.reg.IsLive(weather))
	f.dir.AssertNumberOfCalls(t, "RecoverApp", 2)
}

func TestHeartbeatRequiresCurrentRegistration(t *testing.T) {
	f := newFixture(t)
	f.dir.On("SessionsWithActiveApp", weather).Return([]string{})

	assert.ErrorIs(t, f.reg.Heartbeat(f.ctx, weather, "nope"), model.ErrNotRegistered)

	first, _, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)
	second, _, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)
	assert.NotEqual(t, first.RegistrationID, second.RegistrationID)

	assert.ErrorIs(t, f.reg.Heartbeat(f.ctx, weather, first.RegistrationID), model.ErrNotRegistered)
	assert.ErrorIs(t, f.reg.Heartbeat(f.ctx, "com.example.other", second.RegistrationID), model.ErrNotRegistered)
	assert.NoError(t, f.reg.Heartbeat(f.ctx, weather, second.RegistrationID))
}

func TestResolveEndpoint(t *testing.T) {
	f := newFixture(t)
	f.dir.On("SessionsWithActiveApp", weather).Return([]string{})

	url, status, err := f.reg.ResolveEndpoint(f.ctx, weather)
	require.NoError(t, err)
	assert.Equal(t, EndpointUnregistered, status)
	assert.Equal(t, "https://weather.example.com/hook", url)

	_, _, err = f.reg.ResolveEndpoint(f.ctx, "com.example.ghost")
	assert.ErrorIs(t, err, model.ErrUnknownApp)

	_, _, err = f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)
	url, status, err = f.reg.ResolveEndpoint(f.ctx, weather)
	require.NoError(t, err)
	assert.Equal(t, EndpointLive, status)
	assert.Equal(t, "http://weather-1:7000/webhook", url)
}

func TestPruneIntervalDropsOldRegistrations(t *testing.T) {
	f := newFixture(t)
	f.dir.On("SessionsWithActiveApp", weather).Return([]string{})
	_, _, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	f.clock.Advance(cfg.RegistrationRetention)
	assert.Len(t, f.reg.Registrations(), 1)
	f.clock.Advance(cfg.RegistryPruneInterval)
	assert.Empty(t, f.reg.Registrations())

	persisted, err := f.store.ListRegistrations(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestInitLoadsPersistedRegistrations(t *testing.T) {
	f := newFixture(t)
	f.dir.On("SessionsWithActiveApp", weather).Return([]string{})
	reg, _, err := f.reg.Register(f.ctx, weatherParams())
	require.NoError(t, err)

	restarted := New(config.DefaultConfig(), f.clock, f.store, f.store, nil, zerolog.Nop())
	require.NoError(t, restarted.Init(f.ctx, nil))
	defer restarted.Shutdown()
	assert.True(t, restarted.IsLive(weather))
	assert.NoError(t, restarted.Heartbeat(f.ctx, weather, reg.RegistrationID))
}
