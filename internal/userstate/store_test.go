package userstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "userstate.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRunningAppsRoundTrip(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	apps, err := s.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, apps)

	require.NoError(t, s.AddRunningApp(ctx, "user-1", "com.example.weather"))
	require.NoError(t, s.AddRunningApp(ctx, "user-1", "com.example.dash"))
	require.NoError(t, s.AddRunningApp(ctx, "user-1", "com.example.dash"))
	apps, err = s.RunningApps(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.dash", "com.example.weather"}, apps)

	require.NoError(t, s.RemoveRunningApp(ctx, "user-1", "com.example.dash"))
	apps, _ = s.RunningApps(ctx, "user-1")
	assert.Equal(t, []string{"com.example.weather"}, apps)

	other, _ := s.RunningApps(ctx, "user-2")
	assert.Empty(t, other)
}

func TestSetRunningAppsEmptyDeletes(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetRunningApps(ctx, "u", []string{"b", "a", "b"}))
	apps, _ := s.RunningApps(ctx, "u")
	assert.Equal(t, []string{"a", "b"}, apps)

	require.NoError(t, s.SetRunningApps(ctx, "u", nil))
	apps, _ = s.RunningApps(ctx, "u")
	assert.Nil(t, apps)
}

func TestRunningAppsSurviveReopen(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddRunningApp(ctx, "u", "com.example.notify"))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	apps, err := reopened.RunningApps(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.notify"}, apps)
}
