package display

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/model"
)

type DashboardEntry struct {
	PackageName string
	Content     string
	UpdatedAt   time.Time
}

// DashboardSnapshot is the full input of Compose.
type DashboardSnapshot struct {
	Mode    model.DashboardMode
	System  map[model.SystemSlot]string
	Content map[model.DashboardMode][]DashboardEntry
}

// Dashboard holds the secondary surface of one session. Every accepted
// change renders exactly once.
type Dashboard struct {
	mu        sync.Mutex
	systemPkg string
	queueSize int
	limit     int
	renderer  Renderer
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time

	mode    model.DashboardMode
	system  map[model.SystemSlot]string
	content map[model.DashboardMode][]DashboardEntry
	closed  bool
}

func NewDashboard(cfg config.Config, now func() time.Time, renderer Renderer, m *metrics.Metrics, log zerolog.Logger) *Dashboard {
	return &Dashboard{
		systemPkg: cfg.SystemDashboardPackage,
		queueSize: cfg.DashboardQueueSize,
		limit:     cfg.DashboardComposeLimit,
		renderer:  renderer,
		metrics:   m,
		log:       log,
		now:       now,
		mode:      model.DashboardMain,
		system:    map[model.SystemSlot]string{},
		content:   map[model.DashboardMode][]DashboardEntry{},
	}
}

// UpdateContent files content from pkg under each mode, most recent first.
// No modes means main.
func (d *Dashboard) UpdateContent(pkg, content string, modes []model.DashboardMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if len(modes) == 0 {
		modes = []model.DashboardMode{model.DashboardMain}
	}
	entry := DashboardEntry{PackageName: pkg, Content: content, UpdatedAt: d.now()}
	changed := false
	for _, mode := range modes {
		if mode == model.DashboardNone {
			continue
		}
		q := slices.DeleteFunc(d.content[mode], func(e DashboardEntry) bool { return e.PackageName == pkg })
		q = append([]DashboardEntry{entry}, q...)
		if d.queueSize > 0 && len(q) > d.queueSize {
			q = q[:d.queueSize]
		}
		d.content[mode] = q
		changed = true
	}
	if changed {
		d.renderLocked()
	}
}

func (d *Dashboard) UpdateSystem(pkg string, slot model.SystemSlot, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pkg != d.systemPkg {
		return model.ErrNotSystemDashboard
	}
	if d.closed {
		return nil
	}
	d.system[slot] = content
	d.renderLocked()
	return nil
}

// SetMode switches the active dashboard mode. Setting the current mode is
// not a change and does not render.
func (d *Dashboard) SetMode(pkg string, mode model.DashboardMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pkg != d.systemPkg {
		return model.ErrNotSystemDashboard
	}
	if d.closed || d.mode == mode {
		return nil
	}
	d.mode = mode
	d.renderLocked()
	return nil
}

// Purge drops every entry from pkg and recomposes if anything was removed.
func (d *Dashboard) Purge(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := false
	for mode, q := range d.content {
		kept := slices.DeleteFunc(q, func(e DashboardEntry) bool { return e.PackageName == pkg })
		if len(kept) != len(q) {
			removed = true
		}
		d.content[mode] = kept
	}
	if removed && !d.closed {
		d.renderLocked()
	}
}

func (d *Dashboard) Mode() model.DashboardMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Dashboard) Snapshot() DashboardSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dashboard) snapshotLocked() DashboardSnapshot {
	s := DashboardSnapshot{
		Mode:    d.mode,
		System:  make(map[model.SystemSlot]string, len(d.system)),
		Content: make(map[model.DashboardMode][]DashboardEntry, len(d.content)),
	}
	for k, v := range d.system {
		s.System[k] = v
	}
	for k, v := range d.content {
		s.Content[k] = slices.Clone(v)
	}
	return s
}

func (d *Dashboard) renderLocked() {
	layout := Compose(d.snapshotLocked(), d.limit)
	d.renderer.Render(RenderEvent{View: model.ViewDashboard, Layout: layout})
	d.metrics.DashboardRendered()
}

type composedEntry struct {
	PackageName string `json:"packageName"`
	Text        string `json:"text"`
}

type composedLayout struct {
	LayoutType  string              `json:"layoutType"`
	Mode        model.DashboardMode `json:"mode"`
	TopLeft     string              `json:"topLeft"`
	TopRight    string              `json:"topRight"`
	BottomLeft  string              `json:"bottomLeft"`
	BottomRight string              `json:"bottomRight"`
	Content     []composedEntry     `json:"content"`
}

// Compose builds the dashboard layout for the snapshot's mode from the
// system slots and the limit most recent contributions. It depends only on
// its arguments.
func Compose(s DashboardSnapshot, limit int) json.RawMessage {
	out := composedLayout{
		LayoutType:  "dashboard_card",
		Mode:        s.Mode,
		TopLeft:     s.System[model.SlotTopLeft],
		TopRight:    s.System[model.SlotTopRight],
		BottomLeft:  s.System[model.SlotBottomLeft],
		BottomRight: s.System[model.SlotBottomRight],
		Content:     []composedEntry{},
	}
	if s.Mode != model.DashboardNone {
		for i, e := range s.Content[s.Mode] {
			if limit > 0 && i >= limit {
				break
			}
			out.Content = append(out.Content, composedEntry{PackageName: e.PackageName, Text: e.Content})
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
