package workerproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/e7canasta/poselive/internal/capture"
	"github.com/e7canasta/poselive/internal/device"
	"github.com/e7canasta/poselive/internal/pose"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/shm"
	"github.com/e7canasta/poselive/internal/types"
	"github.com/e7canasta/poselive/internal/writer"
)

// reportInterval is how often a worker reports its metrics unprompted.
const reportInterval = 250 * time.Millisecond

// Main serves one worker on stdin/stdout and exits the process.
func Main() {
	// the parent stops workers through their command stream or by killing them
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	if err := Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		slog.Error("worker process failed", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Serve reads a Spec from in, runs the worker it describes and relays its
// traffic until the worker exits. Closing in cancels the worker.
func Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	var first envelope
	if err := protocol.Decode(in, &first); err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	if first.Kind != kindSpec || first.Spec == nil {
		return fmt.Errorf("first envelope is not a spec")
	}
	spec := *first.Spec
	setupLogging(spec)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &child{
		spec:    spec,
		out:     out,
		ch:      protocol.NewChannel(),
		frames:  queue.New[types.Frame](0),
		ticks:   queue.New[Tick](1),
		samples: queue.New[types.PoseSample](1),
	}
	w, err := c.build()
	if err != nil {
		slog.Error("worker setup failed", "error", err)
		return c.emit(messageEnvelope(protocol.Fail(spec.Subsystem, err)))
	}
	defer c.close()

	c.report = w.report
	go c.readInput(in, cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(ctx)
	}()
	return c.pump(done)
}

func setupLogging(spec Spec) {
	level := slog.LevelInfo
	if spec.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger.With("worker", string(spec.Subsystem), "pid", os.Getpid()))
}

type runner struct {
	run    func(context.Context)
	report func() Report
}

// child is the worker side of one process.
type child struct {
	spec Spec
	buf  *shm.Buffer
	ch   *protocol.Channel

	frames  *queue.Queue[types.Frame] // capture: recorded frames out; writer: frames in
	ticks   *queue.Queue[Tick]        // capture: latest frame notice out
	samples *queue.Queue[types.PoseSample]

	report func() Report

	outMu sync.Mutex
	out   io.Writer
}

func (c *child) build() (runner, error) {
	switch c.spec.Subsystem {
	case protocol.Capture:
		return c.buildCapture()
	case protocol.Pose:
		return c.buildPose()
	case protocol.Writer:
		return c.buildWriter()
	}
	return runner{}, fmt.Errorf("unknown worker %q", c.spec.Subsystem)
}

func (c *child) attach() error {
	buf, err := shm.Open(c.spec.Buffer)
	if err != nil {
		return fmt.Errorf("attach frame buffer: %w", err)
	}
	c.buf = buf
	return nil
}

func (c *child) buildCapture() (runner, error) {
	if err := c.attach(); err != nil {
		return runner{}, err
	}
	dev, err := device.New(c.spec.Camera)
	if err != nil {
		return runner{}, err
	}
	w, err := capture.New(capture.Config{
		Device:     dev,
		Buffer:     c.buf,
		Channel:    c.ch,
		WriteQueue: c.frames,
		OnFrame: func(seq uint64, ts time.Time) {
			c.ticks.Write(Tick{Seq: seq, Time: ts}, true)
		},
	})
	if err != nil {
		return runner{}, err
	}
	return runner{
		run: w.Run,
		report: func() Report {
			return Report{
				Metrics: w.Metrics(),
				State:   w.State().String(),
				Writing: w.Writing(),
				Queued:  w.Queued(),
			}
		},
	}, nil
}

func (c *child) buildPose() (runner, error) {
	if err := c.attach(); err != nil {
		return runner{}, err
	}
	w, err := pose.New(pose.Config{
		Params:  c.spec.Pose,
		Buffer:  c.buf,
		Channel: c.ch,
		Display: c.samples,
	})
	if err != nil {
		return runner{}, err
	}
	return runner{
		run: w.Run,
		report: func() Report {
			return Report{
				Metrics:     w.Metrics(),
				Writing:     w.Writing(),
				Accumulated: w.Accumulated(),
				Bodyparts:   w.Bodyparts(),
			}
		},
	}, nil
}

func (c *child) buildWriter() (runner, error) {
	ws := c.spec.Writer
	w, err := writer.New(writer.Config{
		Base:    ws.Base,
		Width:   ws.Width,
		Height:  ws.Height,
		FPS:     ws.FPS,
		Quality: ws.Quality,
		Channel: c.ch,
		Queue:   c.frames,
	})
	if err != nil {
		return runner{}, err
	}
	return runner{
		run: w.Run,
		report: func() Report {
			return Report{Metrics: types.WorkerMetrics{FramesProcessed: w.Written()}}
		},
	}, nil
}

func (c *child) close() {
	if c.buf != nil {
		c.buf.Close()
	}
}

// readInput dispatches the parent's envelopes until stdin ends, then cancels
// the worker.
func (c *child) readInput(in io.Reader, cancel context.CancelFunc) {
	defer cancel()
	for {
		var env envelope
		if err := protocol.Decode(in, &env); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("worker input failed", "error", err)
			}
			return
		}
		switch env.Kind {
		case kindMessage:
			if env.Message != nil {
				c.ch.Send(env.Message.message())
			}
		case kindFrame:
			if env.Frame != nil {
				c.frames.Write(*env.Frame, false)
			}
		case kindTick:
			if c.buf != nil {
				c.buf.Notify()
			}
		default:
			slog.Warn("worker ignoring envelope", "kind", env.Kind)
		}
	}
}

// pump relays worker output to the parent until the worker exits. Frames
// queued before an acknowledgement are always sent ahead of it.
func (c *child) pump(done <-chan struct{}) error {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		replies := c.ch.Replies()
		var framesReady <-chan struct{}
		if c.spec.Subsystem == protocol.Capture {
			framesReady = c.frames.Ready()
		}
		ticksReady := c.ticks.Ready()
		samplesReady := c.samples.Ready()

		if m, ok := c.ch.TakeReply(); ok {
			if err := c.flushFrames(); err != nil {
				return err
			}
			if err := c.emitReport(); err != nil {
				return err
			}
			if err := c.emit(messageEnvelope(m)); err != nil {
				return err
			}
			continue
		}
		if err := c.flushFrames(); err != nil {
			return err
		}
		if t, ok := c.ticks.Read(); ok {
			if err := c.emit(envelope{Kind: kindTick, Tick: &t}); err != nil {
				return err
			}
		}
		if s, ok := c.samples.Read(); ok {
			if err := c.emit(envelope{Kind: kindSample, Sample: &s}); err != nil {
				return err
			}
		}

		select {
		case <-replies:
		case <-framesReady:
		case <-ticksReady:
		case <-samplesReady:
		case <-ticker.C:
			if err := c.emitReport(); err != nil {
				return err
			}
		case <-done:
			return c.finish()
		}
	}
}

// finish flushes what the worker produced before it exited.
func (c *child) finish() error {
	if err := c.flushFrames(); err != nil {
		return err
	}
	if err := c.emitReport(); err != nil {
		return err
	}
	for {
		m, ok := c.ch.TakeReply()
		if !ok {
			return nil
		}
		if err := c.emit(messageEnvelope(m)); err != nil {
			return err
		}
	}
}

func (c *child) flushFrames() error {
	// a writer's frames flow the other way
	if c.spec.Subsystem != protocol.Capture {
		return nil
	}
	for {
		f, ok := c.frames.Read()
		if !ok {
			return nil
		}
		if err := c.emit(envelope{Kind: kindFrame, Frame: &f}); err != nil {
			return err
		}
	}
}

func (c *child) emitReport() error {
	if c.report == nil {
		return nil
	}
	r := c.report()
	return c.emit(envelope{Kind: kindReport, Report: &r})
}

func (c *child) emit(env envelope) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if err := protocol.Encode(c.out, env); err != nil {
		return fmt.Errorf("worker output: %w", err)
	}
	return nil
}
