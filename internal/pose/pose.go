// Package pose runs the pose worker: it estimates a pose on the newest frame
// in the shared buffer, passes it through the configured processor, publishes
// it for display, and accumulates samples while recording.
package pose

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/estimator"
	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/processor"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/shm"
	"github.com/e7canasta/poselive/internal/store"
	"github.com/e7canasta/poselive/internal/types"
)

// TableSuffix is appended to a recording's base name for the pose table.
const TableSuffix = "_DLC.sqlite"

// Params selects and configures the estimator for one pose session.
type Params struct {
	Name    string             // key in pose_options, for logs and status
	Options config.PoseOptions // estimator kind and settings; Options.Mode selects pacing
}

// Mode returns the pacing mode, defaulting to latency.
func (p Params) Mode() string {
	if p.Options.Mode == "" {
		return config.ModeLatency
	}
	return p.Options.Mode
}

// Factory builds an estimator. Tests substitute their own.
type Factory func(ctx context.Context, opts config.PoseOptions) (estimator.Estimator, error)

// Config wires a pose worker
type Config struct {
	Params  Params
	Buffer  *shm.Buffer
	Channel *protocol.Channel
	Display *queue.Queue[types.PoseSample] // single slot, overwritten per pose
	Bus     *posebus.Bus                   // optional
	Factory Factory                        // defaults to estimator.New
}

// Worker runs one estimator against the shared frame buffer.
type Worker struct {
	cfg Config

	writing atomic.Bool
	proc    processor.Processor // nil without a processor; owned by the run loop

	mu        sync.Mutex
	bodyparts []string
	samples   []types.PoseSample

	poses          atomic.Uint64
	skipped        atomic.Uint64
	totalLatencyUS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// New validates cfg and creates an idle worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Buffer == nil || cfg.Channel == nil || cfg.Display == nil {
		return nil, fmt.Errorf("pose worker needs a buffer, channel and display queue")
	}
	switch cfg.Params.Mode() {
	case config.ModeLatency, config.ModeRate:
	default:
		return nil, fmt.Errorf("unknown pose mode %q", cfg.Params.Mode())
	}
	if cfg.Factory == nil {
		cfg.Factory = estimator.New
	}
	return &Worker{cfg: cfg}, nil
}

// Writing reports whether samples are being accumulated.
func (w *Worker) Writing() bool { return w.writing.Load() }

// Accumulated returns the number of samples waiting to be saved.
func (w *Worker) Accumulated() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Bodyparts returns the estimator's body part names once initialized.
func (w *Worker) Bodyparts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bodyparts
}

// Metrics returns pose counters.
func (w *Worker) Metrics() types.WorkerMetrics {
	n := w.poses.Load()
	var avg float64
	if n > 0 {
		avg = float64(w.totalLatencyUS.Load()) / float64(n) / 1000.0
	}
	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return types.WorkerMetrics{
		FramesProcessed: n,
		FramesDropped:   w.skipped.Load(),
		AvgLatencyMS:    avg,
		LastSeenAt:      lastSeen,
	}
}

// Run builds the estimator and processor, waits for the first frame,
// initializes inference on it and acknowledges (pose, start, true). It then
// estimates poses until a stop/end command, an estimator or processor error,
// or ctx is cancelled. Accumulated samples are not saved automatically.
func (w *Worker) Run(ctx context.Context) {
	ch := w.cfg.Channel
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pose worker panic", "panic", r, "stack", string(debug.Stack()))
			ch.Reply(protocol.Fail(protocol.Pose, fmt.Errorf("pose worker panic: %v", r)))
		}
	}()

	est, err := w.cfg.Factory(ctx, w.cfg.Params.Options)
	if err != nil {
		slog.Error("estimator build failed", "estimator", w.cfg.Params.Name, "error", err)
		ch.Reply(protocol.Fail(protocol.Pose, fmt.Errorf("build estimator %q: %w", w.cfg.Params.Name, err)))
		return
	}
	defer func() {
		if err := est.Close(); err != nil {
			slog.Warn("estimator close failed", "error", err)
		}
	}()

	if pc := w.cfg.Params.Options.Processor; pc != nil {
		w.proc, err = processor.New(*pc)
		if err != nil {
			slog.Error("processor build failed", "estimator", w.cfg.Params.Name, "error", err)
			ch.Reply(protocol.Fail(protocol.Pose, err))
			return
		}
		defer func() {
			if err := w.proc.Close(); err != nil {
				slog.Warn("processor close failed", "error", err)
			}
		}()
	}

	end, err := w.run(ctx, est)
	switch {
	case err != nil:
		slog.Error("pose worker stopped on error", "error", err, "poses", w.poses.Load())
		ch.Reply(protocol.Fail(protocol.Pose, err))
	case end != nil:
		slog.Info("pose worker stopped", "poses", w.poses.Load(), "unsaved", w.Accumulated())
		ch.Reply(end.Ack(true))
	default:
		slog.Info("pose worker cancelled", "poses", w.poses.Load())
	}
}

func (w *Worker) run(ctx context.Context, est estimator.Estimator) (*protocol.Message, error) {
	ch := w.cfg.Channel
	buf := w.cfg.Buffer

	// wait for the first frame
	for buf.Latest().Seq == 0 {
		changed := buf.Changed()
		cmds := ch.Commands()
		if end, err := w.handleCommands(); end != nil || err != nil {
			return end, err
		}
		if buf.Latest().Seq != 0 {
			break
		}
		select {
		case <-changed:
		case <-cmds:
		case <-ctx.Done():
			return nil, nil
		}
	}

	frame, _ := buf.Snapshot()
	initPose, err := est.InitInference(frame)
	if err != nil {
		return nil, fmt.Errorf("init inference: %w", err)
	}
	if bp := est.Bodyparts(); len(bp) > 0 {
		w.mu.Lock()
		w.bodyparts = bp
		w.mu.Unlock()
	}

	// a warm-up without a pose publishes nothing
	ref := frame.Timestamp
	if w.cfg.Params.Mode() == config.ModeRate {
		ref = time.Now()
	}
	if len(initPose) > 0 {
		sample, err := w.sample(est, initPose, frame, false)
		if err != nil {
			return nil, fmt.Errorf("init inference: %w", err)
		}
		w.publish(sample)
		ref = w.reference(sample)
	}

	ch.Reply(protocol.Command(protocol.Pose, protocol.Start, w.cfg.Params.Name).Ack(true))
	slog.Info("pose worker started",
		"estimator", w.cfg.Params.Name,
		"mode", w.cfg.Params.Mode(),
		"bodyparts", len(w.Bodyparts()),
		"warmup_pose", len(initPose) > 0,
	)

	lastSeq := frame.Seq
	for {
		changed := buf.Changed()
		cmds := ch.Commands()

		if end, err := w.handleCommands(); end != nil || err != nil {
			return end, err
		}
		if ctx.Err() != nil {
			return nil, nil
		}

		if buf.NewerThan(ref) {
			frame, ok := buf.Snapshot()
			if ok && frame.Timestamp.After(ref) {
				if frame.Seq > lastSeq+1 {
					w.skipped.Add(frame.Seq - lastSeq - 1)
				}
				lastSeq = frame.Seq

				p, err := est.Pose(frame)
				if err != nil {
					return nil, fmt.Errorf("pose frame %d: %w", frame.Seq, err)
				}
				writing := w.writing.Load()
				sample, err := w.sample(est, p, frame, writing)
				if err != nil {
					return nil, fmt.Errorf("pose frame %d: %w", frame.Seq, err)
				}
				w.publish(sample)
				if writing {
					w.mu.Lock()
					w.samples = append(w.samples, sample)
					w.mu.Unlock()
				}
				ref = w.reference(sample)
				continue
			}
		}

		select {
		case <-changed:
		case <-cmds:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// sample checks p against the body parts, runs the processor and stamps
// the result. Estimators that report no names before their first pose get
// them resolved here.
func (w *Worker) sample(est estimator.Estimator, p types.Pose, frame types.Frame, writing bool) (types.PoseSample, error) {
	w.mu.Lock()
	if w.bodyparts == nil {
		w.bodyparts = est.Bodyparts()
	}
	n := len(w.bodyparts)
	w.mu.Unlock()
	if len(p) != n {
		return types.PoseSample{}, fmt.Errorf("estimator returned %d keypoints for %d bodyparts", len(p), n)
	}

	if w.proc != nil {
		processed, err := w.proc.Process(p, frame.Timestamp, writing)
		if err != nil {
			return types.PoseSample{}, fmt.Errorf("processor: %w", err)
		}
		if len(processed) != n {
			return types.PoseSample{}, fmt.Errorf("processor returned %d keypoints for %d bodyparts", len(processed), n)
		}
		p = processed
	}
	return types.PoseSample{Pose: p, FrameSeq: frame.Seq, FrameTime: frame.Timestamp, PoseTime: time.Now()}, nil
}

// reference is the time a frame must be newer than to be processed next:
// the last processed frame (latency mode) or the last pose completion (rate mode).
func (w *Worker) reference(s types.PoseSample) time.Time {
	if w.cfg.Params.Mode() == config.ModeRate {
		return s.PoseTime
	}
	return s.FrameTime
}

func (w *Worker) publish(s types.PoseSample) {
	w.poses.Add(1)
	w.totalLatencyUS.Add(uint64(s.PoseTime.Sub(s.FrameTime).Microseconds()))
	w.lastSeenAt.Store(s.PoseTime)

	w.cfg.Display.Write(s, true)
	if w.cfg.Bus != nil {
		w.cfg.Bus.Publish(s)
	}
}

// handleCommands applies pending commands and returns the end command, if any.
func (w *Worker) handleCommands() (*protocol.Message, error) {
	ch := w.cfg.Channel
	for {
		m, ok := ch.Poll(protocol.Pose)
		if !ok {
			return nil, nil
		}
		switch m.Action {
		case protocol.Write:
			on := m.Bool()
			w.writing.Store(on)
			slog.Info("pose write mode", "enabled", on, "accumulated", w.Accumulated())
			ch.Reply(m.Ack(on))
		case protocol.Save:
			saved, err := w.Save(m.Filename())
			reply := m.Ack(saved)
			if err != nil {
				slog.Error("pose save failed", "base", m.Filename(), "error", err)
				reply.Err = err
			}
			ch.Reply(reply)
		case protocol.Clear:
			n := w.Clear()
			slog.Info("pose samples discarded", "samples", n)
			ch.Reply(m.Ack(true))
		case protocol.End, protocol.Stop:
			return &m, nil
		default:
			slog.Warn("pose worker rejecting command", "command", m.String())
			ch.Reply(m.Reject())
		}
	}
}

// Save writes the accumulated samples to base+TableSuffix and clears them.
// With a processor configured, its record goes to base+processor.Suffix.
// With nothing accumulated it writes no file and returns false.
func (w *Worker) Save(base string) (bool, error) {
	if base == "" {
		return false, fmt.Errorf("save needs a base name")
	}
	path := base + TableSuffix

	w.mu.Lock()
	samples := w.samples
	bodyparts := w.bodyparts
	w.mu.Unlock()

	if len(samples) == 0 {
		return false, nil
	}
	if err := store.SavePoses(path, bodyparts, samples); err != nil {
		return false, err
	}

	w.mu.Lock()
	// samples appended while saving stay for the next save
	w.samples = append([]types.PoseSample(nil), w.samples[len(samples):]...)
	w.mu.Unlock()

	slog.Info("pose table saved", "file", path, "rows", len(samples))

	if w.proc != nil {
		procPath := base + processor.Suffix
		if err := w.proc.Save(procPath); err != nil {
			return true, fmt.Errorf("pose table saved but processor record failed: %w", err)
		}
		slog.Info("processor record saved", "file", procPath)
	}
	return true, nil
}

// Clear drops every accumulated sample and returns how many there were.
func (w *Worker) Clear() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.samples)
	w.samples = nil
	return n
}

// ScalePose returns s with keypoint coordinates multiplied by factor, for
// drawing on a resized display image.
func ScalePose(s types.PoseSample, factor float64) types.PoseSample {
	if factor == 0 || factor == 1 {
		return s
	}
	s.Pose = s.Pose.Scale(factor)
	return s
}
