// Package display arbitrates the session's single primary view between
// TPAs and composes the dashboard overlay.
package display

import (
	"encoding/json"
	"time"

	"github.com/g960059/glasscloud/internal/model"
)

// Renderer delivers a layout to the glasses. Implementations must not call
// back into the Arbiter or Dashboard.
type Renderer interface {
	Render(ev RenderEvent)
}

type RendererFunc func(ev RenderEvent)

func (f RendererFunc) Render(ev RenderEvent) { f(ev) }

// RenderEvent with a nil Layout clears the view.
type RenderEvent struct {
	View        model.ViewType
	PackageName string
	Layout      json.RawMessage
	DurationMs  int64
}

type Request struct {
	PackageName string
	View        model.ViewType
	Layout      json.RawMessage
	Duration    time.Duration
	Force       bool
	SubmittedAt time.Time
}

type Outcome string

const (
	OutcomeRendered Outcome = "rendered"
	OutcomeQueued   Outcome = "queued"
	OutcomeDropped  Outcome = "dropped"
)

type BackgroundLock struct {
	Holder         string
	AcquiredAt     time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Deadline is the earlier of the absolute expiry and the inactivity cutoff.
func (l BackgroundLock) Deadline(inactive time.Duration) time.Time {
	idle := l.LastActivityAt.Add(inactive)
	if idle.Before(l.ExpiresAt) {
		return idle
	}
	return l.ExpiresAt
}

func (l BackgroundLock) Live(now time.Time, inactive time.Duration) bool {
	return now.Before(l.Deadline(inactive))
}
