package estimator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/types"
)

// ProcessConfig configures a subprocess estimator
type ProcessConfig struct {
	Command   string
	Args      []string
	Env       []string // appended to the parent environment
	Bodyparts []string // expected body parts; empty accepts whatever the process reports
	Timeout   time.Duration
	StopGrace time.Duration
}

// Process runs the model in a child process. Frames go out on the child's
// stdin and poses come back on its stdout; stderr is forwarded to the log.
type Process struct {
	cfg ProcessConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bodyparts   []string
	initialized bool
	broken      bool
	closed      atomic.Bool

	calls          atomic.Uint64
	totalLatencyUS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// NewProcess spawns the estimator process. Cancelling ctx kills it.
func NewProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}

	p := &Process{cfg: cfg}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.cmd = exec.CommandContext(p.ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		p.cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)

	if err := p.cmd.Start(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to start estimator process: %w", err)
	}

	p.wg.Add(1)
	go p.logStderr(stderr)

	slog.Info("estimator process spawned",
		"command", cfg.Command,
		"pid", p.cmd.Process.Pid,
	)
	return p, nil
}

// InitInference sends the warm-up frame. The estimator may answer with an
// empty pose; body part names are then taken from the first real pose.
func (p *Process) InitInference(frame types.Frame) (types.Pose, error) {
	resp, err := p.call(newRequest(RequestInit, frame))
	if err != nil {
		return nil, err
	}

	switch {
	case len(resp.Bodyparts) > 0:
		if len(p.cfg.Bodyparts) > 0 && len(p.cfg.Bodyparts) != len(resp.Bodyparts) {
			return nil, fmt.Errorf("estimator reports %d bodyparts, configured %d",
				len(resp.Bodyparts), len(p.cfg.Bodyparts))
		}
		p.bodyparts = resp.Bodyparts
	case len(p.cfg.Bodyparts) > 0:
		p.bodyparts = p.cfg.Bodyparts
	}
	p.initialized = true

	slog.Info("estimator process initialized",
		"pid", p.cmd.Process.Pid,
		"bodyparts", len(p.bodyparts),
		"warmup_pose", len(resp.Pose) > 0,
		"inference_ms", resp.InferenceMS,
	)
	if len(resp.Pose) == 0 {
		return nil, nil
	}
	if err := p.checkPose(resp.Pose); err != nil {
		return nil, err
	}
	return resp.Pose, nil
}

func (p *Process) Pose(frame types.Frame) (types.Pose, error) {
	if !p.initialized {
		return nil, fmt.Errorf("estimator not initialized")
	}
	resp, err := p.call(newRequest(RequestPose, frame))
	if err != nil {
		return nil, err
	}
	if len(resp.Pose) == 0 {
		return nil, fmt.Errorf("estimator returned an empty pose")
	}
	if err := p.checkPose(resp.Pose); err != nil {
		return nil, err
	}
	return resp.Pose, nil
}

// checkPose names the body parts from the first pose when neither the
// process nor the configuration did.
func (p *Process) checkPose(pose types.Pose) error {
	if p.bodyparts == nil {
		p.bodyparts = defaultBodyparts(len(pose))
	}
	if len(pose) != len(p.bodyparts) {
		return fmt.Errorf("pose has %d keypoints for %d bodyparts", len(pose), len(p.bodyparts))
	}
	return nil
}

func (p *Process) Bodyparts() []string { return p.bodyparts }

type callResult struct {
	resp Response
	err  error
}

// call sends one request and waits for its response. A request that times
// out leaves the stream in an unknown state, so the process is killed.
func (p *Process) call(req Request) (Response, error) {
	if p.broken || p.closed.Load() {
		return Response{}, fmt.Errorf("estimator process not running")
	}
	if len(req.FrameData) == 0 {
		return Response{}, ErrEmptyFrame
	}

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		if err := protocol.Encode(p.stdin, req); err != nil {
			done <- callResult{err: err}
			return
		}
		var resp Response
		err := protocol.Decode(p.stdout, &resp)
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("estimator process closed stdout")
		}
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.broken = true
			return Response{}, r.err
		}
		if r.resp.Error != "" {
			return Response{}, fmt.Errorf("estimator: %s", r.resp.Error)
		}
		p.calls.Add(1)
		p.totalLatencyUS.Add(uint64(time.Since(start).Microseconds()))
		p.lastSeenAt.Store(time.Now())
		return r.resp, nil

	case <-time.After(p.cfg.Timeout):
		p.broken = true
		slog.Warn("estimator call timeout, killing process",
			"pid", p.cmd.Process.Pid,
			"timeout", p.cfg.Timeout,
			"frame_seq", req.Seq,
		)
		p.kill()
		return Response{}, fmt.Errorf("estimator call timeout after %v", p.cfg.Timeout)

	case <-p.ctx.Done():
		p.broken = true
		return Response{}, fmt.Errorf("estimator cancelled: %w", p.ctx.Err())
	}
}

// Metrics returns call counters for status reporting.
func (p *Process) Metrics() types.WorkerMetrics {
	calls := p.calls.Load()
	var avg float64
	if calls > 0 {
		avg = float64(p.totalLatencyUS.Load()) / float64(calls) / 1000.0
	}
	var lastSeen time.Time
	if v := p.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return types.WorkerMetrics{
		FramesProcessed: calls,
		AvgLatencyMS:    avg,
		LastSeenAt:      lastSeen,
	}
}

// Close closes stdin so the process can exit on its own, waits up to the
// stop grace period, then kills it.
func (p *Process) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.stdin.Close()

	exited := make(chan error, 1)
	go func() {
		p.wg.Wait()
		exited <- p.cmd.Wait()
	}()

	var err error
	select {
	case err = <-exited:
		slog.Info("estimator process exited", "pid", p.cmd.Process.Pid, "calls", p.calls.Load())
	case <-time.After(p.cfg.StopGrace):
		slog.Warn("estimator stop timeout, force killing process", "pid", p.cmd.Process.Pid)
		p.kill()
		err = <-exited
	}
	p.cancel()

	if err != nil && p.broken {
		// already reported through the failing call
		return nil
	}
	if err != nil {
		return fmt.Errorf("estimator process: %w", err)
	}
	return nil
}

func (p *Process) kill() {
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("failed to kill estimator process",
			"pid", p.cmd.Process.Pid,
			"error", err,
		)
	}
}

// logStderr forwards the child's stderr, mapping "[LEVEL]" markers to slog levels.
func (p *Process) logStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		pid := p.cmd.Process.Pid
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("estimator process error", "pid", pid, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("estimator process warning", "pid", pid, "log", line)
		default:
			slog.Debug("estimator process log", "pid", pid, "log", line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Debug("estimator stderr closed", "error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
