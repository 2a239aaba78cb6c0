// Package debounce coalesces bursts of triggers into one deferred call.
package debounce

import (
	"sync"
	"time"

	"github.com/wolfeidau/paychat/internal/clock"
)

// Debouncer runs fn once the window has elapsed without a further Trigger.
// Calls of fn never overlap.
type Debouncer struct {
	mu      sync.Mutex
	runMu   sync.Mutex
	clock   clock.Clock
	window  time.Duration
	fn      func()
	timer   clock.Timer
	pending bool
	stopped bool
}

// New creates a debouncer for fn.
func New(c clock.Clock, window time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		clock:  c,
		window: window,
		fn:     fn,
	}
}

// Trigger schedules fn, restarting the window if a call is already pending.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}

	// A fired timer may still be waiting on d.mu; fire ignores any timer
	// that is no longer current.
	var t clock.Timer
	t = d.clock.AfterFunc(d.window, func() { d.fire(t) })
	d.timer = t
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush runs fn now if a call is pending and cancels the scheduled one.
// It reports whether fn ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	d.clearLocked()
	d.mu.Unlock()

	d.run()
	return true
}

// Stop cancels any pending call and ignores later triggers. It reports
// whether a call was pending.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	wasPending := d.pending
	d.clearLocked()
	return wasPending
}

func (d *Debouncer) fire(t clock.Timer) {
	d.mu.Lock()
	if !d.pending || d.timer != t {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.run()
}

func (d *Debouncer) run() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.fn()
}

func (d *Debouncer) clearLocked() {
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
