package device

import (
	"context"
	"time"
)

// Pacer admits frames at a target rate for devices that do not pace
// themselves. After each frame the next slot is
//
//	next = max(next + 1/fps, captured + 0.5/fps)
//
// so a late frame shortens the following wait instead of triggering a burst.
type Pacer struct {
	interval time.Duration
	next     time.Time
	now      func() time.Time
}

// NewPacer creates a pacer for fps frames per second.
func NewPacer(fps float64) *Pacer {
	return &Pacer{
		interval: time.Duration(float64(time.Second) / fps),
		now:      time.Now,
	}
}

// Wait sleeps until the next slot. The first call returns immediately.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.next.IsZero() {
		return ctx.Err()
	}

	d := p.next.Sub(p.now())
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mark schedules the next slot after a frame captured at t.
func (p *Pacer) Mark(t time.Time) {
	if p.next.IsZero() {
		p.next = t.Add(p.interval)
		return
	}
	next := p.next.Add(p.interval)
	if floor := t.Add(p.interval / 2); floor.After(next) {
		next = floor
	}
	p.next = next
}

// Next returns the next admitted slot (zero before the first frame).
func (p *Pacer) Next() time.Time {
	return p.next
}

// Reset forgets the schedule.
func (p *Pacer) Reset() {
	p.next = time.Time{}
}
