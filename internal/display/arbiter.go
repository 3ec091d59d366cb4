package display

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/model"
)

type queued struct {
	seq uint64
	req Request
}

// Arbiter owns the primary view of one session. Timers are tracked on the
// session's tracker, so disposing the session stops every pending drain,
// clear, and lock expiry.
type Arbiter struct {
	mu       sync.Mutex
	throttle time.Duration
	ttl      time.Duration
	lockTTL  time.Duration
	idleTTL  time.Duration
	tracker  *lifecycle.Tracker
	clock    lifecycle.Clock
	renderer Renderer
	metrics  *metrics.Metrics
	log      zerolog.Logger

	seq        uint64
	queue      []queued
	lastSent   time.Time
	sent       bool
	current    *queued
	clearPkg   string // view awaiting a throttled clear
	drainTimer *lifecycle.Handle
	clearTimer *lifecycle.Handle
	lock       *BackgroundLock
	lockTimer  *lifecycle.Handle
	closed     bool
}

func NewArbiter(cfg config.Config, tracker *lifecycle.Tracker, renderer Renderer, m *metrics.Metrics, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		throttle: cfg.ThrottleDelay,
		ttl:      cfg.DisplayQueueTTL,
		lockTTL:  cfg.LockTimeout,
		idleTTL:  cfg.LockInactiveTimeout,
		tracker:  tracker,
		clock:    tracker.Clock(),
		renderer: renderer,
		metrics:  m,
		log:      log,
	}
}

// Submit arbitrates one primary-view request. Forced requests render
// immediately and leave any lock in place. Everything else goes through the
// coalescing queue, which renders at most once per throttle window and only
// for the lock holder while a lock is live.
func (a *Arbiter) Submit(req Request) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	if req.View == "" {
		req.View = model.ViewMain
	}
	if a.closed || (a.ttl > 0 && now.Sub(req.SubmittedAt) >= a.ttl) {
		a.metrics.DisplayOutcome(string(OutcomeDropped))
		return OutcomeDropped
	}

	a.expireLockLocked(now)
	if a.lock != nil && a.lock.Holder == req.PackageName {
		a.lock.LastActivityAt = now
		a.armLockTimerLocked(now)
	}

	if req.Force {
		a.seq++
		a.renderLocked(queued{seq: a.seq, req: req}, now)
		a.metrics.DisplayOutcome(string(OutcomeRendered))
		return OutcomeRendered
	}

	seq := a.enqueueLocked(req)
	a.drainLocked(now)
	outcome := OutcomeQueued
	if a.current != nil && a.current.seq == seq && !a.queuedLocked(seq) {
		outcome = OutcomeRendered
	}
	a.metrics.DisplayOutcome(string(outcome))
	return outcome
}

// enqueueLocked coalesces per package: a newer request replaces the queued
// one in place and keeps its queue position.
func (a *Arbiter) enqueueLocked(req Request) uint64 {
	for i := range a.queue {
		if a.queue[i].req.PackageName == req.PackageName {
			a.queue[i].req = req
			return a.queue[i].seq
		}
	}
	a.seq++
	a.queue = append(a.queue, queued{seq: a.seq, req: req})
	return a.seq
}

func (a *Arbiter) queuedLocked(seq uint64) bool {
	for _, q := range a.queue {
		if q.seq == seq {
			return true
		}
	}
	return false
}

func (a *Arbiter) drainLocked(now time.Time) {
	if a.closed {
		return
	}
	a.dropExpiredLocked(now)
	if len(a.queue) == 0 && a.clearPkg == "" {
		return
	}
	if a.sent && now.Before(a.lastSent.Add(a.throttle)) {
		a.scheduleDrainLocked(a.lastSent.Add(a.throttle).Sub(now))
		return
	}
	idx := -1
	for i, q := range a.queue {
		if a.lock == nil || q.req.PackageName == a.lock.Holder {
			idx = i
			break
		}
	}
	if idx < 0 {
		if a.clearPkg != "" {
			a.sendClearLocked(now)
		}
		// Everything left waits on the lock; its expiry or release drains again.
		return
	}
	next := a.queue[idx]
	a.queue = append(a.queue[:idx], a.queue[idx+1:]...)
	a.renderLocked(next, now)
	if len(a.queue) > 0 {
		a.scheduleDrainLocked(a.throttle)
	}
}

func (a *Arbiter) dropExpiredLocked(now time.Time) {
	if a.ttl <= 0 {
		return
	}
	kept := a.queue[:0]
	for _, q := range a.queue {
		if now.Sub(q.req.SubmittedAt) >= a.ttl {
			a.log.Debug().Str("package", q.req.PackageName).Msg("display request expired in queue")
			a.metrics.DisplayOutcome("expired")
			continue
		}
		kept = append(kept, q)
	}
	a.queue = kept
}

func (a *Arbiter) scheduleDrainLocked(d time.Duration) {
	if a.drainTimer.Active() {
		return
	}
	a.drainTimer = a.tracker.TrackTimer("display.drain", d, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.drainTimer = nil
		a.drainLocked(a.clock.Now())
	})
}

func (a *Arbiter) renderLocked(q queued, now time.Time) {
	a.renderer.Render(RenderEvent{
		View:        q.req.View,
		PackageName: q.req.PackageName,
		Layout:      q.req.Layout,
		DurationMs:  q.req.Duration.Milliseconds(),
	})
	a.lastSent = now
	a.sent = true
	a.clearPkg = ""
	shown := q
	a.current = &shown

	a.clearTimer.Cancel()
	a.clearTimer = nil
	if q.req.Duration > 0 {
		seq := q.seq
		a.clearTimer = a.tracker.TrackTimer("display.clear", q.req.Duration, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.clearTimer = nil
			if a.current != nil && a.current.seq == seq {
				a.clearLocked(a.clock.Now())
			}
		})
	}
}

// clearLocked takes the current content off screen. A clear counts as a
// glasses update: it waits out the throttle window, and an eligible queued
// request rendered by then replaces it.
func (a *Arbiter) clearLocked(now time.Time) {
	pkg := a.current.req.PackageName
	a.current = nil
	if a.closed {
		return
	}
	a.clearPkg = pkg
	a.drainLocked(now)
}

func (a *Arbiter) sendClearLocked(now time.Time) {
	a.renderer.Render(RenderEvent{View: model.ViewMain, PackageName: a.clearPkg})
	a.clearPkg = ""
	a.lastSent = now
	a.sent = true
}

// Purge removes everything pkg owns: queued requests, its lock, and its
// content if it is on screen.
func (a *Arbiter) Purge(pkg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.queue[:0]
	for _, q := range a.queue {
		if q.req.PackageName != pkg {
			kept = append(kept, q)
		}
	}
	a.queue = kept
	if a.lock != nil && a.lock.Holder == pkg {
		a.releaseLockLocked()
	}
	if a.current != nil && a.current.req.PackageName == pkg {
		a.clearTimer.Cancel()
		a.clearTimer = nil
		a.clearLocked(a.clock.Now())
		return
	}
	a.drainLocked(a.clock.Now())
}

// Close stops arbitration; later submissions are dropped.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.queue = nil
	a.clearPkg = ""
	a.drainTimer.Cancel()
	a.clearTimer.Cancel()
	a.lockTimer.Cancel()
	a.lock = nil
}

func (a *Arbiter) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Current returns the request on screen, if any.
func (a *Arbiter) Current() (Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Request{}, false
	}
	return a.current.req, true
}
