// Package capture runs the capture worker: it owns the camera device, keeps
// the shared frame buffer current and, while recording, feeds the write queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/poselive/internal/device"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/rate"
	"github.com/e7canasta/poselive/internal/shm"
	"github.com/e7canasta/poselive/internal/types"
)

// State is the capture worker lifecycle state
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateCapturing:
		return "capturing"
	default:
		return "closed"
	}
}

// Config wires a capture worker to the rest of the pipeline
type Config struct {
	Device     device.Device
	Buffer     *shm.Buffer
	Channel    *protocol.Channel
	WriteQueue *queue.Queue[types.Frame]
	Tracker    *rate.Tracker // optional
	// OnFrame, if set, is called once a frame is in the buffer.
	OnFrame func(seq uint64, ts time.Time)
}

// Worker drives one capture device.
type Worker struct {
	cfg Config

	state   atomic.Int32
	writing atomic.Bool

	frames     atomic.Uint64
	queued     atomic.Uint64
	dropped    atomic.Uint64
	lastSeenAt atomic.Value // time.Time
}

// New validates cfg and creates an idle worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Device == nil || cfg.Buffer == nil || cfg.Channel == nil || cfg.WriteQueue == nil {
		return nil, fmt.Errorf("capture worker needs a device, buffer, channel and write queue")
	}
	w, h := cfg.Device.Size()
	if w != cfg.Buffer.Width() || h != cfg.Buffer.Height() {
		return nil, fmt.Errorf("device is %dx%d but frame buffer is %dx%d",
			w, h, cfg.Buffer.Width(), cfg.Buffer.Height())
	}
	return &Worker{cfg: cfg}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Writing reports whether frames are being pushed to the write queue.
func (w *Worker) Writing() bool { return w.writing.Load() }

// Metrics returns frame counters.
func (w *Worker) Metrics() types.WorkerMetrics {
	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return types.WorkerMetrics{
		FramesProcessed: w.frames.Load(),
		FramesDropped:   w.dropped.Load(),
		LastSeenAt:      lastSeen,
	}
}

// Queued returns the number of frames handed to the write queue.
func (w *Worker) Queued() uint64 { return w.queued.Load() }

// Run opens the device and captures until an end/stop command, a device
// error, or ctx is cancelled. Outcomes are reported on the channel:
// (capture, start, true) once the device is open, (capture, end, true) after
// a commanded stop, or an error report.
func (w *Worker) Run(ctx context.Context) {
	ch := w.cfg.Channel
	defer func() {
		if r := recover(); r != nil {
			slog.Error("capture worker panic", "panic", r, "stack", string(debug.Stack()))
			ch.Reply(protocol.Fail(protocol.Capture, fmt.Errorf("capture worker panic: %v", r)))
			w.state.Store(int32(StateClosed))
		}
	}()

	w.state.Store(int32(StateOpening))
	dev := w.cfg.Device
	if err := dev.Open(ctx); err != nil {
		w.state.Store(int32(StateClosed))
		slog.Error("capture device open failed", "error", err)
		ch.Reply(protocol.Fail(protocol.Capture, fmt.Errorf("open device: %w", err)))
		return
	}

	w.state.Store(int32(StateCapturing))
	ch.Reply(protocol.Command(protocol.Capture, protocol.Start, nil).Ack(true))
	slog.Info("capture started", "fps", dev.FPS())

	end, err := w.loop(ctx)

	if cerr := dev.Close(); cerr != nil {
		slog.Warn("capture device close failed", "error", cerr)
	}
	w.writing.Store(false)
	w.state.Store(int32(StateClosed))

	switch {
	case err != nil:
		slog.Error("capture stopped on error", "error", err, "frames", w.frames.Load())
		ch.Reply(protocol.Fail(protocol.Capture, err))
	case end != nil:
		slog.Info("capture stopped", "frames", w.frames.Load())
		ch.Reply(end.Ack(true))
	default:
		slog.Info("capture cancelled", "frames", w.frames.Load())
	}
}

// loop returns the end command that stopped it, or the device error.
// Both are nil when ctx was cancelled.
func (w *Worker) loop(ctx context.Context) (*protocol.Message, error) {
	dev := w.cfg.Device
	width, height := dev.Size()

	for {
		if end := w.handleCommands(); end != nil {
			return end, nil
		}

		img, ts, err := dev.ImageOnTime(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			if errors.Is(err, device.ErrClosed) {
				return nil, fmt.Errorf("device closed after %d frames", w.frames.Load())
			}
			return nil, fmt.Errorf("capture frame: %w", err)
		}

		seq, err := w.cfg.Buffer.Write(img, ts)
		if err != nil {
			return nil, fmt.Errorf("frame buffer: %w", err)
		}
		w.frames.Add(1)
		w.lastSeenAt.Store(ts)
		if w.cfg.Tracker != nil {
			w.cfg.Tracker.Record(ts)
		}
		if w.cfg.OnFrame != nil {
			w.cfg.OnFrame(seq, ts)
		}

		if w.writing.Load() {
			frame := types.Frame{
				Seq:       seq,
				Timestamp: ts,
				Width:     width,
				Height:    height,
				Data:      append([]byte(nil), img...),
				TraceID:   uuid.NewString(),
			}
			if w.cfg.WriteQueue.Write(frame, false) {
				w.queued.Add(1)
			} else {
				w.dropped.Add(1)
				slog.Warn("write queue full, frame dropped", "frame_seq", seq, "trace_id", frame.TraceID)
			}
		}
	}
}

// handleCommands applies pending commands and returns the end command, if any.
func (w *Worker) handleCommands() *protocol.Message {
	ch := w.cfg.Channel
	for {
		m, ok := ch.Poll(protocol.Capture)
		if !ok {
			return nil
		}
		switch m.Action {
		case protocol.Write:
			on := m.Bool()
			w.writing.Store(on)
			slog.Info("capture write mode", "enabled", on)
			ch.Reply(m.Ack(on))
		case protocol.End, protocol.Stop:
			return &m
		default:
			slog.Warn("capture worker rejecting command", "command", m.String())
			ch.Reply(m.Reject())
		}
	}
}
