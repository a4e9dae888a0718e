// Package posebus fans pose samples out to live consumers (websocket clients,
// the MQTT emitter) without ever blocking the pose worker.
//
// Each subscriber owns a single-slot mailbox. Publish overwrites the slot, so
// a slow subscriber sees the newest pose and skips the ones it missed; the
// skipped samples are counted as drops.
package posebus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/poselive/internal/types"
)

type slot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	sample *types.PoseSample // nil = consumed
	closed bool

	lastConsumedAt   time.Time
	consecutiveDrops uint64
	totalDrops       uint64
}

// SlotStats describes one subscriber's mailbox.
type SlotStats struct {
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	TotalDrops       uint64    `json:"total_drops"`
}

// Bus distributes the latest pose to every subscriber.
type Bus struct {
	slots     sync.Map // id -> *slot
	published atomic.Uint64
	stopping  atomic.Bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish hands s to every subscriber, replacing any sample they have not read yet.
func (b *Bus) Publish(s types.PoseSample) {
	if b.stopping.Load() {
		return
	}
	b.published.Add(1)

	b.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sample := s
		sample.Pose = s.Pose.Clone()

		sl.mu.Lock()
		if !sl.closed {
			if sl.sample != nil {
				sl.consecutiveDrops++
				sl.totalDrops++
			}
			sl.sample = &sample
			sl.cond.Signal()
		}
		sl.mu.Unlock()
		return true
	})
}

// Subscribe registers id and returns its blocking read function. The read
// function returns ok=false once id is unsubscribed or the bus is closed.
// It must be called from a single goroutine.
func (b *Bus) Subscribe(id string) func() (types.PoseSample, bool) {
	if b.stopping.Load() {
		return func() (types.PoseSample, bool) { return types.PoseSample{}, false }
	}

	sl := &slot{lastConsumedAt: time.Now()}
	sl.cond = sync.NewCond(&sl.mu)
	if old, loaded := b.slots.Swap(id, sl); loaded {
		closeSlot(old.(*slot))
	}

	return func() (types.PoseSample, bool) {
		sl.mu.Lock()
		defer sl.mu.Unlock()

		for sl.sample == nil && !sl.closed {
			sl.cond.Wait()
		}
		if sl.closed {
			return types.PoseSample{}, false
		}

		s := *sl.sample
		sl.sample = nil
		sl.lastConsumedAt = time.Now()
		sl.consecutiveDrops = 0
		return s, true
	}
}

// Unsubscribe removes id and wakes its reader. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	if v, ok := b.slots.LoadAndDelete(id); ok {
		closeSlot(v.(*slot))
	}
}

// Close unsubscribes everyone and ignores later publishes.
func (b *Bus) Close() {
	b.stopping.Store(true)
	b.slots.Range(func(k, v any) bool {
		closeSlot(v.(*slot))
		b.slots.Delete(k)
		return true
	})
}

// Published returns the number of samples published since creation.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Stats returns per-subscriber mailbox statistics.
func (b *Bus) Stats() map[string]SlotStats {
	out := make(map[string]SlotStats)
	b.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		out[k.(string)] = SlotStats{
			LastConsumedAt:   sl.lastConsumedAt,
			ConsecutiveDrops: sl.consecutiveDrops,
			TotalDrops:       sl.totalDrops,
		}
		sl.mu.Unlock()
		return true
	})
	return out
}

func closeSlot(sl *slot) {
	sl.mu.Lock()
	sl.closed = true
	sl.cond.Broadcast()
	sl.mu.Unlock()
}
