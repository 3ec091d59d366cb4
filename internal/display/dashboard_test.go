package display

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/glasscloud/internal/model"
)

const systemPkg = "system.dashboard"

func newDashboard(t *testing.T) (*Dashboard, *recorder) {
	t.Helper()
	cfg := testConfig()
	cfg.SystemDashboardPackage = systemPkg
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	return NewDashboard(cfg, func() time.Time { return now }, rec, nil, zerolog.Nop()), rec
}

func decodeLayout(t *testing.T, raw json.RawMessage) composedLayout {
	t.Helper()
	var out composedLayout
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestComposeIsPure(t *testing.T) {
	s := DashboardSnapshot{
		Mode: model.DashboardMain,
		System: map[model.SystemSlot]string{
			model.SlotTopLeft:     "12:00",
			model.SlotBottomRight: "80%",
		},
		Content: map[model.DashboardMode][]DashboardEntry{
			model.DashboardMain: {
				{PackageName: "weather", Content: "72F"},
				{PackageName: "calendar", Content: "standup"},
				{PackageName: "news", Content: "headline"},
			},
		},
	}
	first := Compose(s, 2)
	second := Compose(s, 2)
	assert.True(t, bytes.Equal(first, second))

	layout := decodeLayout(t, first)
	assert.Equal(t, "12:00", layout.TopLeft)
	assert.Equal(t, "80%", layout.BottomRight)
	assert.Equal(t, []composedEntry{{"weather", "72F"}, {"calendar", "standup"}}, layout.Content)
}

func TestComposeModeNoneHasNoContent(t *testing.T) {
	s := DashboardSnapshot{
		Mode:    model.DashboardNone,
		Content: map[model.DashboardMode][]DashboardEntry{model.DashboardMain: {{PackageName: "a", Content: "x"}}},
	}
	assert.Empty(t, decodeLayout(t, Compose(s, 3)).Content)
}

func TestOnlySystemDashboardMayWriteSlotsAndMode(t *testing.T) {
	d, rec := newDashboard(t)
	assert.ErrorIs(t, d.UpdateSystem("weather", model.SlotTopLeft, "x"), model.ErrNotSystemDashboard)
	assert.ErrorIs(t, d.SetMode("weather", model.DashboardExpanded), model.ErrNotSystemDashboard)
	assert.Empty(t, rec.all())

	require.NoError(t, d.UpdateSystem(systemPkg, model.SlotTopLeft, "12:00"))
	require.NoError(t, d.SetMode(systemPkg, model.DashboardExpanded))
	assert.Len(t, rec.all(), 2)
	assert.Equal(t, model.DashboardExpanded, d.Mode())

	require.NoError(t, d.SetMode(systemPkg, model.DashboardExpanded))
	assert.Len(t, rec.all(), 2, "unchanged mode must not render")
}

func TestEveryContentChangeRendersOnce(t *testing.T) {
	d, rec := newDashboard(t)
	d.UpdateContent("weather", "72F", []model.DashboardMode{model.DashboardMain, model.DashboardExpanded})
	assert.Len(t, rec.all(), 1)
	for _, ev := range rec.all() {
		assert.Equal(t, model.ViewDashboard, ev.View)
	}
	d.UpdateContent("news", "headline", nil)
	assert.Len(t, rec.all(), 2)
	d.Purge("nobody")
	assert.Len(t, rec.all(), 2)
	d.Purge("weather")
	assert.Len(t, rec.all(), 3)

	snap := d.Snapshot()
	assert.Empty(t, snap.Content[model.DashboardExpanded])
	assert.Len(t, snap.Content[model.DashboardMain], 1)
}

func TestContentQueueIsBoundedAndMostRecentFirst(t *testing.T) {
	d, rec := newDashboard(t)
	for _, pkg := range []string{"a", "b", "c", "d"} {
		d.UpdateContent(pkg, pkg+"!", nil)
	}
	d.UpdateContent("b", "b again", nil)

	q := d.Snapshot().Content[model.DashboardMain]
	require.Len(t, q, 3)
	assert.Equal(t, []string{"b", "d", "c"}, []string{q[0].PackageName, q[1].PackageName, q[2].PackageName})

	events := rec.all()
	last := decodeLayout(t, events[len(events)-1].Layout)
	assert.Equal(t, []composedEntry{{"b", "b again"}, {"d", "d!"}}, last.Content)
}

func TestSnapshotIsDetached(t *testing.T) {
	d, _ := newDashboard(t)
	d.UpdateContent("a", "x", nil)
	snap := d.Snapshot()
	snap.Content[model.DashboardMain][0].Content = "mutated"
	assert.Equal(t, "x", d.Snapshot().Content[model.DashboardMain][0].Content)
}
