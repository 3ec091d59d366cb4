package display

import "time"

// AcquireLock grants pkg exclusive primary-view rights, or extends the
// lock it already holds. It reports the holder when denied.
func (a *Arbiter) AcquireLock(pkg string) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ""
	}
	now := a.clock.Now()
	a.expireLockLocked(now)
	switch {
	case a.lock == nil:
		a.lock = &BackgroundLock{
			Holder:         pkg,
			AcquiredAt:     now,
			ExpiresAt:      now.Add(a.lockTTL),
			LastActivityAt: now,
		}
		a.log.Debug().Str("package", pkg).Msg("background lock granted")
	case a.lock.Holder == pkg:
		a.lock.ExpiresAt = now.Add(a.lockTTL)
		a.lock.LastActivityAt = now
	default:
		return false, a.lock.Holder
	}
	a.armLockTimerLocked(now)
	return true, pkg
}

// ReleaseLock drops pkg's lock and lets waiting requests drain.
func (a *Arbiter) ReleaseLock(pkg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lock == nil || a.lock.Holder != pkg {
		return false
	}
	a.releaseLockLocked()
	a.drainLocked(a.clock.Now())
	return true
}

// Lock returns the live lock, if any.
func (a *Arbiter) Lock() (BackgroundLock, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLockLocked(a.clock.Now())
	if a.lock == nil {
		return BackgroundLock{}, false
	}
	return *a.lock, true
}

func (a *Arbiter) expireLockLocked(now time.Time) bool {
	if a.lock == nil || a.lock.Live(now, a.idleTTL) {
		return false
	}
	a.log.Debug().Str("package", a.lock.Holder).Msg("background lock expired")
	a.releaseLockLocked()
	return true
}

func (a *Arbiter) releaseLockLocked() {
	a.lock = nil
	a.lockTimer.Cancel()
	a.lockTimer = nil
}

// armLockTimerLocked fires at whichever of the absolute and inactivity
// deadlines comes first.
func (a *Arbiter) armLockTimerLocked(now time.Time) {
	a.lockTimer.Cancel()
	a.lockTimer = nil
	if a.lock == nil {
		return
	}
	d := a.lock.Deadline(a.idleTTL).Sub(now)
	a.lockTimer = a.tracker.TrackTimer("display.lock", d, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.lockTimer = nil
		now := a.clock.Now()
		if a.expireLockLocked(now) {
			a.drainLocked(now)
			return
		}
		a.armLockTimerLocked(now)
	})
}
