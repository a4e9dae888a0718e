package shm

import (
	"time"

	"github.com/e7canasta/poselive/internal/types"
)

// Snapshot copies the held frame into a new types.Frame.
// ok is false until the first write.
func (b *Buffer) Snapshot() (frame types.Frame, ok bool) {
	if b.Latest().Seq == 0 {
		return frame, false
	}

	data := make([]byte, b.FrameSize())
	h, _, err := b.Read(data)
	if err != nil {
		return frame, false
	}

	return types.Frame{
		Seq:       h.Seq,
		Timestamp: h.Timestamp,
		Width:     b.width,
		Height:    b.height,
		Data:      data,
	}, true
}

// NewerThan reports whether the held frame was captured strictly after t.
func (b *Buffer) NewerThan(t time.Time) bool {
	h := b.Latest()
	return h.Seq > 0 && h.Timestamp.After(t)
}
