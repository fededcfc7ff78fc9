package timers

import (
	"sync"
	"time"
)

// Registry owns the timers of a single component, keyed by purpose
// ("grace", "ringing", "duration", ...). Scheduling a purpose that is already
// pending replaces it. A callback is only run if its registration is still
// current when it executes, so CancelAll guarantees that nothing scheduled
// before the call fires afterwards, even if the underlying timer already
// expired and its callback is queued.
type Registry struct {
	clock Clock
	run   func(func())

	mu      sync.Mutex
	seq     uint64
	entries map[string]*entry
}

type entry struct {
	seq      uint64
	timer    Timer
	interval time.Duration
}

// NewRegistry creates a registry. run dispatches expired callbacks (for
// example onto an event loop); nil runs them on the timer goroutine.
func NewRegistry(clock Clock, run func(func())) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	if run == nil {
		run = func(fn func()) { fn() }
	}
	return &Registry{
		clock:   clock,
		run:     run,
		entries: make(map[string]*entry),
	}
}

// Clock returns the clock the registry schedules against.
func (r *Registry) Clock() Clock {
	return r.clock
}

// Schedule runs fn once after d.
func (r *Registry) Schedule(purpose string, d time.Duration, fn func()) {
	r.start(purpose, d, 0, fn)
}

// Every runs fn every interval until cancelled.
func (r *Registry) Every(purpose string, interval time.Duration, fn func()) {
	r.start(purpose, interval, interval, fn)
}

func (r *Registry) start(purpose string, d, interval time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[purpose]; ok {
		old.timer.Stop()
	}
	r.seq++
	e := &entry{seq: r.seq, interval: interval}
	e.timer = r.clock.AfterFunc(d, r.fire(purpose, e.seq, fn))
	r.entries[purpose] = e
}

func (r *Registry) fire(purpose string, seq uint64, fn func()) func() {
	return func() {
		r.run(func() {
			if !r.claim(purpose, seq, fn) {
				return
			}
			fn()
		})
	}
}

// claim checks that the registration is still current. One-shot entries are
// removed; repeating entries are re-armed before fn runs so that fn may
// cancel them.
func (r *Registry) claim(purpose string, seq uint64, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[purpose]
	if !ok || e.seq != seq {
		return false
	}
	if e.interval == 0 {
		delete(r.entries, purpose)
		return true
	}
	e.timer = r.clock.AfterFunc(e.interval, r.fire(purpose, seq, fn))
	return true
}

// Cancel stops the timer registered for purpose and reports whether one was
// pending.
func (r *Registry) Cancel(purpose string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[purpose]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, purpose)
	return true
}

// CancelAll stops every timer owned by the registry.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for purpose, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, purpose)
	}
}

// Active reports whether a timer is pending for purpose.
func (r *Registry) Active(purpose string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[purpose]
	return ok
}

// Len returns the number of pending timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
