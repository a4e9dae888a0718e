package rate

import (
	"sync"
	"time"
)

// Tracker keeps the most recent event times in a fixed-size ring.
// Safe for one recording goroutine and any number of readers.
type Tracker struct {
	mu    sync.Mutex
	ring  []time.Time
	next  int
	full  bool
	total uint64
}

// NewTracker creates a tracker holding up to window events.
func NewTracker(window int) *Tracker {
	if window < 2 {
		window = 2
	}
	return &Tracker{ring: make([]time.Time, window)}
}

// Record adds an event.
func (t *Tracker) Record(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ring[t.next] = at
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	t.total++
}

// Total returns the number of events recorded since creation.
func (t *Tracker) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Last returns the most recent event time, or the zero time.
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full && t.next == 0 {
		return time.Time{}
	}
	return t.ring[(t.next-1+len(t.ring))%len(t.ring)]
}

// Stats computes statistics over the events currently in the window.
func (t *Tracker) Stats() Stats {
	return Calculate(t.Window())
}

// Window returns the buffered event times, oldest first.
func (t *Tracker) Window() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]time.Time, t.next)
		copy(out, t.ring[:t.next])
		return out
	}
	out := make([]time.Time, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	out = append(out, t.ring[:t.next]...)
	return out
}
