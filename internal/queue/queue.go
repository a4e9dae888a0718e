// Package queue provides a clearable FIFO used for commands, acknowledgements,
// frames awaiting encoding, and single-slot latest-wins mailboxes.
//
// Writers never block: Write either enqueues or reports the queue full.
// Readers either poll (Read, ReadClear, Take) or block on the notification
// channel returned by Ready, which is closed on the next successful Write.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidPosition is returned by ReadClear for positions other than First, Last, All.
var ErrInvalidPosition = errors.New("queue: invalid read position")

// Position selects what ReadClear returns from the drained items.
type Position string

const (
	First Position = "first"
	Last  Position = "last"
	All   Position = "all"
)

// Queue is a mutex-guarded FIFO with non-blocking writes and an optional capacity.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int           // 0 = unbounded
	ready    chan struct{} // closed and replaced on every write
}

// New creates a queue. capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		ready:    make(chan struct{}),
	}
}

// Write enqueues item without blocking. With clear set, the queue is drained
// first, which turns a capacity-1 queue into a latest-wins mailbox.
// Returns false if the queue is full.
func (q *Queue[T]) Write(item T, clear bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if clear {
		q.items = nil
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}

	q.items = append(q.items, item)
	q.signalLocked()
	return true
}

// Read removes and returns the head of the queue. ok is false if the queue is empty.
func (q *Queue[T]) Read() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// ReadClear drains the queue and returns the first item, the last item, or
// every item in FIFO order. An empty queue yields nil. Any other position
// fails with ErrInvalidPosition and leaves the queue untouched.
func (q *Queue[T]) ReadClear(pos Position) ([]T, error) {
	switch pos {
	case First, Last, All:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, pos)
	}

	items := q.Clear()
	if len(items) == 0 {
		return nil, nil
	}

	switch pos {
	case First:
		return items[:1], nil
	case Last:
		return items[len(items)-1:], nil
	default:
		return items, nil
	}
}

// Clear atomically drains the queue and returns its contents in FIFO order.
func (q *Queue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Take removes the first item satisfying match and leaves every other item
// in place, in order. A nil match takes the head.
func (q *Queue[T]) Take(match func(T) bool) (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(match)
}

// RemoveAll removes every item satisfying match and returns them in order.
func (q *Queue[T]) RemoveAll(match func(T) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []T
	kept := q.items[:0]
	for _, it := range q.items {
		if match(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

// WaitTake blocks until an item satisfying match can be taken, the timeout
// elapses, or ctx is done. timeout <= 0 waits until ctx is done.
func (q *Queue[T]) WaitTake(ctx context.Context, timeout time.Duration, match func(T) bool) (item T, ok bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		item, ok = q.takeLocked(match)
		ready := q.ready
		q.mu.Unlock()

		if ok {
			return item, true
		}

		select {
		case <-ready:
		case <-deadline:
			return item, false
		case <-ctx.Done():
			return item, false
		}
	}
}

// Ready returns a channel that is closed by the next successful Write.
// Obtain it before polling so a write racing with the poll is not missed.
func (q *Queue[T]) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity (0 = unbounded).
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) takeLocked(match func(T) bool) (item T, ok bool) {
	for i, it := range q.items {
		if match != nil && !match(it) {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		var zero T
		q.items[len(q.items)-1] = zero
		q.items = q.items[:len(q.items)-1]
		return it, true
	}
	return item, false
}

func (q *Queue[T]) signalLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}
