// Package lifecycle scopes cleanup actions to one lifetime. Every timer,
// listener, and subscription created for a connection or a session is
// registered with a Tracker, and a single Dispose call releases all of them
// exactly once.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/model"
)

type entry struct {
	label   string
	cleanup func() error
}

type Tracker struct {
	clock    Clock
	log      zerolog.Logger
	mu       sync.Mutex
	nextID   uint64
	entries  map[uint64]entry
	disposed bool
	onFail   func(error)
}

// Handle refers to one tracked cleanup. The zero value and nil are inert.
type Handle struct {
	t  *Tracker
	id uint64
}

func NewTracker(clock Clock, log zerolog.Logger) *Tracker {
	if clock == nil {
		clock = RealClock()
	}
	return &Tracker{
		clock:   clock,
		log:     log,
		entries: map[uint64]entry{},
	}
}

// OnFailure sets a hook called with each *model.ResourceCleanupError.
func (t *Tracker) OnFailure(f func(error)) {
	t.mu.Lock()
	t.onFail = f
	t.mu.Unlock()
}

// Track registers cleanup. After Dispose the cleanup runs immediately instead.
func (t *Tracker) Track(label string, cleanup func() error) *Handle {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		t.run(entry{label: label, cleanup: cleanup})
		return &Handle{}
	}
	id := t.addLocked(entry{label: label, cleanup: cleanup})
	t.mu.Unlock()
	return &Handle{t: t, id: id}
}

// TrackTimer schedules f after d. The timer deregisters itself before f
// runs, so a fired timer is never stopped again by Dispose.
func (t *Tracker) TrackTimer(label string, d time.Duration, f func()) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return &Handle{}
	}
	t.nextID++
	id := t.nextID
	timer := t.clock.AfterFunc(d, func() {
		if _, ok := t.take(id); !ok {
			return
		}
		f()
	})
	t.entries[id] = entry{label: label, cleanup: func() error {
		timer.Stop()
		return nil
	}}
	return &Handle{t: t, id: id}
}

type interval struct {
	mu    sync.Mutex
	timer Timer
}

func (iv *interval) set(timer Timer) {
	iv.mu.Lock()
	iv.timer = timer
	iv.mu.Unlock()
}

func (iv *interval) stop() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.timer != nil {
		iv.timer.Stop()
	}
	return nil
}

// TrackInterval runs f every d until the handle is cancelled or the tracker
// is disposed. The next tick is armed before f runs.
func (t *Tracker) TrackInterval(label string, d time.Duration, f func()) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return &Handle{}
	}
	t.nextID++
	id := t.nextID
	iv := &interval{}
	var tick func()
	tick = func() {
		t.mu.Lock()
		if _, ok := t.entries[id]; !ok {
			t.mu.Unlock()
			return
		}
		iv.set(t.clock.AfterFunc(d, tick))
		t.mu.Unlock()
		f()
	}
	iv.set(t.clock.AfterFunc(d, tick))
	t.entries[id] = entry{label: label, cleanup: iv.stop}
	return &Handle{t: t, id: id}
}

// Dispose runs every registered cleanup once, newest first. Failures are
// logged and never stop the remaining cleanups. Later calls are no-ops.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	entries := t.entries
	t.entries = map[uint64]entry{}
	t.mu.Unlock()

	ids := make([]uint64, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		t.run(entries[id])
	}
}

func (t *Tracker) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

// Len returns the number of cleanups still registered.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) Clock() Clock {
	return t.clock
}

func (t *Tracker) addLocked(e entry) uint64 {
	t.nextID++
	t.entries[t.nextID] = e
	return t.nextID
}

func (t *Tracker) take(id uint64) (entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

func (t *Tracker) run(e entry) {
	defer func() {
		if r := recover(); r != nil {
			err := &model.ResourceCleanupError{Label: e.label, Err: fmt.Errorf("panic: %v", r)}
			t.log.Warn().Err(err).Str("cleanup", e.label).Msg("cleanup panicked")
			t.failed(err)
		}
	}()
	if e.cleanup == nil {
		return
	}
	if err := e.cleanup(); err != nil {
		cerr := &model.ResourceCleanupError{Label: e.label, Err: err}
		t.log.Warn().Err(cerr).Str("cleanup", e.label).Msg("cleanup failed")
		t.failed(cerr)
	}
}

func (t *Tracker) failed(err error) {
	t.mu.Lock()
	f := t.onFail
	t.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Cancel runs the cleanup now, stopping a pending timer, and deregisters it.
func (h *Handle) Cancel() {
	if h == nil || h.t == nil {
		return
	}
	if e, ok := h.t.take(h.id); ok {
		h.t.run(e)
	}
}

// Release deregisters the cleanup without running it.
func (h *Handle) Release() {
	if h == nil || h.t == nil {
		return
	}
	h.t.take(h.id)
}

// Active reports whether the cleanup is still registered.
func (h *Handle) Active() bool {
	if h == nil || h.t == nil {
		return false
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	_, ok := h.t.entries[h.id]
	return ok
}
