// Package writer runs the writer worker: it drains the write queue into an
// MJPEG video and, on a saving stop, persists the frame timestamps next to it.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"

	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/store"
	"github.com/e7canasta/poselive/internal/types"
	"github.com/e7canasta/poselive/internal/video"
)

// File suffixes appended to a recording's base name.
const (
	VideoSuffix      = "_VIDEO.avi"
	TimestampsSuffix = "_TS.npy"
)

// Config wires a writer worker
type Config struct {
	Base    string // recording base name, without suffix
	Width   int
	Height  int
	FPS     float64
	Quality int

	Channel *protocol.Channel
	Queue   *queue.Queue[types.Frame]
}

// Worker writes one recording.
type Worker struct {
	cfg Config

	video      *video.Writer
	timestamps []float64

	written atomic.Uint64
}

// New creates a writer worker. The video file is created by Open.
func New(cfg Config) (*Worker, error) {
	if cfg.Base == "" {
		return nil, fmt.Errorf("writer needs a base name")
	}
	if cfg.Channel == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("writer needs a channel and a write queue")
	}
	return &Worker{cfg: cfg}, nil
}

// VideoPath returns the video file name for the recording.
func (w *Worker) VideoPath() string { return w.cfg.Base + VideoSuffix }

// TimestampsPath returns the timestamp file name for the recording.
func (w *Worker) TimestampsPath() string { return w.cfg.Base + TimestampsSuffix }

// Written returns the number of frames encoded so far.
func (w *Worker) Written() uint64 { return w.written.Load() }

// Open creates the video file and resets the timestamp list.
func (w *Worker) Open() error {
	vw, err := video.Create(w.VideoPath(), w.cfg.Width, w.cfg.Height, w.cfg.FPS, w.cfg.Quality)
	if err != nil {
		return err
	}
	w.video = vw
	w.timestamps = w.timestamps[:0]
	w.written.Store(0)
	return nil
}

// WriteFrame encodes a frame and records its timestamp.
func (w *Worker) WriteFrame(f types.Frame) error {
	if w.video == nil {
		return fmt.Errorf("writer not open")
	}
	if err := w.video.WriteFrame(f.Data); err != nil {
		return err
	}
	w.timestamps = append(w.timestamps, types.Seconds(f.Timestamp))
	w.written.Add(1)
	return nil
}

// Close releases the encoder. With save set and at least one frame written
// it writes the timestamp file and returns true. Otherwise the video is
// deleted and the result is false. A failed save leaves no files behind.
func (w *Worker) Close(save bool) (bool, error) {
	if w.video == nil {
		return false, nil
	}
	vw := w.video
	w.video = nil

	if !save || len(w.timestamps) == 0 {
		if err := vw.Discard(); err != nil {
			return false, err
		}
		slog.Info("recording discarded", "video", vw.Path(), "frames", len(w.timestamps), "save", save)
		return false, nil
	}

	if err := vw.Close(); err != nil {
		os.Remove(vw.Path())
		return false, err
	}
	if err := store.SaveTimestamps(w.TimestampsPath(), w.timestamps); err != nil {
		// a video without its timestamps cannot be aligned with the poses
		if rerr := os.Remove(vw.Path()); rerr != nil {
			slog.Warn("failed to remove video without timestamps", "video", vw.Path(), "error", rerr)
		}
		return false, fmt.Errorf("recording not saved: %w", err)
	}
	slog.Info("recording saved",
		"video", vw.Path(),
		"timestamps", w.TimestampsPath(),
		"frames", len(w.timestamps),
	)
	return true, nil
}

// Run opens the recording, acknowledges (writer, start, true), and writes
// queued frames in order until an end command arrives. On end the queue is
// drained before closing; the end command's payload selects save.
func (w *Worker) Run(ctx context.Context) {
	ch := w.cfg.Channel
	defer func() {
		if r := recover(); r != nil {
			slog.Error("writer worker panic", "panic", r, "stack", string(debug.Stack()))
			w.abort()
			ch.Reply(protocol.Fail(protocol.Writer, fmt.Errorf("writer worker panic: %v", r)))
		}
	}()

	if err := w.Open(); err != nil {
		slog.Error("writer open failed", "base", w.cfg.Base, "error", err)
		ch.Reply(protocol.Fail(protocol.Writer, err))
		return
	}
	ch.Reply(protocol.Command(protocol.Writer, protocol.Start, w.cfg.Base).Ack(true))
	slog.Info("writer started", "video", w.VideoPath())

	for {
		frames := w.cfg.Queue.Ready()
		cmds := ch.Commands()

		if m, ok := ch.Poll(protocol.Writer); ok {
			switch m.Action {
			case protocol.End, protocol.Stop:
				save := m.Action == protocol.End && m.Bool()
				if err := w.drain(); err != nil {
					w.fail(err)
					return
				}
				result, err := w.Close(save)
				if err != nil {
					w.fail(err)
					return
				}
				ch.Reply(m.Ack(result))
				return
			default:
				slog.Warn("writer worker rejecting command", "command", m.String())
				ch.Reply(m.Reject())
			}
			continue
		}

		if f, ok := w.cfg.Queue.Read(); ok {
			if err := w.WriteFrame(f); err != nil {
				w.fail(fmt.Errorf("frame %d: %w", f.Seq, err))
				return
			}
			continue
		}

		select {
		case <-frames:
		case <-cmds:
		case <-ctx.Done():
			w.abort()
			slog.Info("writer cancelled", "frames", w.Written())
			return
		}
	}
}

func (w *Worker) drain() error {
	for {
		f, ok := w.cfg.Queue.Read()
		if !ok {
			return nil
		}
		if err := w.WriteFrame(f); err != nil {
			return fmt.Errorf("frame %d: %w", f.Seq, err)
		}
	}
}

// fail deletes the partial video and reports err.
func (w *Worker) fail(err error) {
	slog.Error("writer failed", "base", w.cfg.Base, "error", err)
	w.abort()
	w.cfg.Channel.Reply(protocol.Fail(protocol.Writer, err))
}

func (w *Worker) abort() {
	if w.video == nil {
		return
	}
	if err := w.video.Discard(); err != nil {
		slog.Warn("failed to remove partial video", "error", err)
	}
	w.video = nil
}
