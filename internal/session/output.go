package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/display"
	"github.com/g960059/glasscloud/internal/wire"
)

var clearLayout = json.RawMessage("null")

// glassesOut forwards rendered layouts to the current glasses channel. It
// has its own lock because the arbiter renders from its own timers.
type glassesOut struct {
	mu   sync.Mutex
	conn Conn
	log  zerolog.Logger
}

func (g *glassesOut) set(c Conn) {
	g.mu.Lock()
	g.conn = c
	g.mu.Unlock()
}

func (g *glassesOut) Render(ev display.RenderEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return
	}
	layout := ev.Layout
	if layout == nil {
		layout = clearLayout
	}
	err := g.conn.Send(wire.DisplayEvent{
		Type:        wire.TypeDisplayEvent,
		View:        ev.View,
		PackageName: ev.PackageName,
		Layout:      layout,
		DurationMs:  ev.DurationMs,
	})
	if err != nil {
		g.log.Debug().Err(err).Str("view", string(ev.View)).Msg("display event not delivered")
	}
}
