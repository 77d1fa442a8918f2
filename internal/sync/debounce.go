package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/nexus-nebula/nebula/internal/runtime"
)

// Debouncer coalesces rapid snapshot updates into one sync after a quiet
// period. Only the latest snapshot observed before the timer fires is
// applied; intermediate snapshots are superseded.
type Debouncer struct {
	quiet time.Duration
	apply func(context.Context, runtime.Tree)

	mu      gosync.Mutex
	timer   *time.Timer
	pending runtime.Tree
	stopped bool
}

// NewDebouncer builds a debouncer that invokes apply once per quiet period.
func NewDebouncer(quiet time.Duration, apply func(context.Context, runtime.Tree)) *Debouncer {
	if quiet <= 0 {
		quiet = 400 * time.Millisecond
	}
	return &Debouncer{
		quiet: quiet,
		apply: apply,
	}
}

// Notify records the latest snapshot and restarts the quiet-period timer.
// Calls after Stop are ignored.
func (d *Debouncer) Notify(snapshot runtime.Tree) {
	if d == nil || d.apply == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending = snapshot
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.fire)
}

// Flush applies any pending snapshot immediately, without waiting out the
// quiet period.
func (d *Debouncer) Flush() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.fire()
}

// Stop cancels any pending timer and discards the pending snapshot. The
// debouncer cannot be reused afterwards.
func (d *Debouncer) Stop() {
	if d == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	snapshot := d.pending
	d.pending = nil
	stopped := d.stopped
	d.mu.Unlock()

	if stopped || snapshot == nil {
		return
	}
	d.apply(context.Background(), snapshot)
}
