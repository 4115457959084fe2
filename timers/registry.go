package timers

import (
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

type entry struct {
	timer  Timer
	key    string
	period time.Duration
	fn     func()
}

// Registry tracks every pending timer of one owner so teardown can cancel them
// all. It is not safe for concurrent use: call it from the Executor only.
// Clock callbacks are re-posted to the Executor and re-checked there, so a
// timer cancelled after its clock fired but before it ran never runs.
type Registry struct {
	clock   Clock
	exec    Executor
	next    Handle
	entries map[Handle]*entry
	keys    map[string]Handle
	closed  bool
}

// NewRegistry creates a registry scheduling through clock and running
// callbacks on exec.
func NewRegistry(clock Clock, exec Executor) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	if exec == nil {
		exec = Inline{}
	}
	return &Registry{
		clock:   clock,
		exec:    exec,
		entries: make(map[Handle]*entry),
		keys:    make(map[string]Handle),
	}
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// Clock returns the underlying clock.
func (r *Registry) Clock() Clock { return r.clock }

// Executor returns the executor callbacks run on.
func (r *Registry) Executor() Executor { return r.exec }

// After runs fn once after d.
func (r *Registry) After(d time.Duration, fn func()) Handle {
	return r.schedule("", d, 0, fn)
}

// Every runs fn every d until cancelled. The next run is scheduled after fn
// returns, so a slow callback never overlaps itself.
func (r *Registry) Every(d time.Duration, fn func()) Handle {
	if d <= 0 {
		return 0
	}
	return r.schedule("", d, d, fn)
}

// AfterKey runs fn once after d, replacing any pending timer with the same
// key. Repeated calls restart the delay instead of stacking callbacks.
func (r *Registry) AfterKey(key string, d time.Duration, fn func()) Handle {
	r.CancelKey(key)
	return r.schedule(key, d, 0, fn)
}

// Cancel stops the timer. It reports whether the timer was still pending.
func (r *Registry) Cancel(h Handle) bool {
	e, ok := r.entries[h]
	if !ok {
		return false
	}
	r.drop(h, e)
	e.timer.Stop()
	return true
}

// CancelKey stops the keyed timer, if any.
func (r *Registry) CancelKey(key string) bool {
	h, ok := r.keys[key]
	if !ok {
		return false
	}
	return r.Cancel(h)
}

// Active reports whether h is still pending.
func (r *Registry) Active(h Handle) bool {
	_, ok := r.entries[h]
	return ok
}

// KeyActive reports whether a keyed timer is pending.
func (r *Registry) KeyActive(key string) bool {
	_, ok := r.keys[key]
	return ok
}

// Pending returns the number of outstanding timers.
func (r *Registry) Pending() int { return len(r.entries) }

// CancelAll stops every outstanding timer. The registry stays usable.
func (r *Registry) CancelAll() {
	for h, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, h)
	}
	r.keys = make(map[string]Handle)
}

// Close cancels everything and makes further scheduling a no-op.
func (r *Registry) Close() {
	r.CancelAll()
	r.closed = true
}

func (r *Registry) schedule(key string, d time.Duration, period time.Duration, fn func()) Handle {
	if r.closed || fn == nil {
		return 0
	}
	r.next++
	h := r.next
	e := &entry{key: key, period: period, fn: fn}
	r.entries[h] = e
	if key != "" {
		r.keys[key] = h
	}
	e.timer = r.clock.AfterFunc(d, func() { r.exec.Post(func() { r.fire(h, e) }) })
	return h
}

func (r *Registry) fire(h Handle, e *entry) {
	if cur, ok := r.entries[h]; !ok || cur != e {
		return
	}
	if e.period == 0 {
		r.drop(h, e)
		e.fn()
		return
	}

	e.fn()
	if cur, ok := r.entries[h]; ok && cur == e && !r.closed {
		e.timer = r.clock.AfterFunc(e.period, func() { r.exec.Post(func() { r.fire(h, e) }) })
	}
}

func (r *Registry) drop(h Handle, e *entry) {
	delete(r.entries, h)
	if e.key != "" && r.keys[e.key] == h {
		delete(r.keys, e.key)
	}
}
