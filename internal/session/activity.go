package session

import (
	"sync"
	"time"
)

// activity drives the "model is speaking" indicator. Every chunk turns it
// on; it turns off once decay has passed without a new chunk. Gaps longer
// than decay inside one answer make it flicker, which is accepted.
type activity struct {
	decay time.Duration
	fn    func(bool)

	mu      sync.Mutex
	on      bool
	stopped bool
	timer   *time.Timer
	// gen invalidates timer callbacks that were already in flight when the
	// timer was reset.
	gen uint64
}

func newActivity(decay time.Duration, fn func(bool)) *activity {
	return &activity{decay: decay, fn: fn}
}

// pulse records a chunk and restarts the decay timer.
func (a *activity) pulse() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.decay, func() { a.expire(gen) })
	if !a.on {
		a.on = true
		a.emit(true)
	}
}

func (a *activity) expire(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || gen != a.gen || !a.on {
		return
	}
	a.on = false
	a.emit(false)
}

// stop cancels the timer and turns the indicator off if it is on. Later
// pulses are ignored.
func (a *activity) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.on {
		a.on = false
		a.emit(false)
	}
}

// active reports the current indicator state.
func (a *activity) active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.on
}

// emit calls fn with a.mu held so transitions are delivered in order.
func (a *activity) emit(v bool) {
	if a.fn != nil {
		a.fn(v)
	}
}
