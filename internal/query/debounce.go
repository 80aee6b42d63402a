package query

import (
	"sync"
	"time"
)

// DefaultSearchDebounce is how long typing must pause before a search settles.
const DefaultSearchDebounce = 300 * time.Millisecond

// Debouncer holds a draft value that is promoted only after a quiet period.
// Type may be called from any goroutine; settle runs on the clock's goroutine.
type Debouncer struct {
	delay  time.Duration
	clock  Clock
	settle func(string)

	mu    sync.Mutex
	draft string
	gen   uint64
	timer Timer
}

// NewDebouncer returns a debouncer that calls settle with the last typed value
// once delay has passed without another call to Type.
func NewDebouncer(clock Clock, delay time.Duration, settle func(string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultSearchDebounce
	}
	return &Debouncer{delay: delay, clock: clock, settle: settle}
}

// Type records a keystroke. The draft is visible immediately.
func (d *Debouncer) Type(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.draft = v
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen, v) })
}

func (d *Debouncer) fire(gen uint64, v string) {
	d.mu.Lock()
	stale := gen != d.gen
	if !stale {
		d.timer = nil
	}
	d.mu.Unlock()

	// A timer that lost the race with Stop must not promote an old value.
	if stale {
		return
	}
	d.settle(v)
}

// Draft returns the most recently typed value.
func (d *Debouncer) Draft() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draft
}

// Cancel drops any pending settle.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
