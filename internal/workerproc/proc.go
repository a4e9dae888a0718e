package workerproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/types"
)

// Sink receives a worker's output. The functions are called from the
// process's reader goroutine in arrival order; nil ones drop that kind.
type Sink struct {
	Reply  func(protocol.Message)
	Frame  func(types.Frame)
	Tick   func(Tick)
	Sample func(types.PoseSample)
}

// Proc is the parent's handle on one worker process.
type Proc struct {
	spec    Spec
	sink    Sink
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started time.Time

	outbox *queue.Queue[envelope] // commands and frames, sent in order
	ticks  *queue.Queue[Tick]     // latest only

	killed  atomic.Bool
	done    chan struct{}
	exitErr error // valid once done is closed

	mu     sync.Mutex
	report Report
}

// Start launches command as a worker process running spec. command is
// normally the running executable, which must call Main when IsWorker.
func Start(command string, spec Spec, sink Sink) (*Proc, error) {
	cmd := exec.Command(command)
	cmd.Env = append(os.Environ(), Env+"=1")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s worker process: %w", spec.Subsystem, err)
	}

	p := &Proc{
		spec:    spec,
		sink:    sink,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		started: time.Now(),
		outbox:  queue.New[envelope](0),
		ticks:   queue.New[Tick](1),
		done:    make(chan struct{}),
	}
	p.outbox.Write(envelope{Kind: kindSpec, Spec: &spec}, false)

	go p.writeLoop()
	go p.readLoop()

	slog.Info("worker process started", "subsystem", spec.Subsystem, "pid", cmd.Process.Pid)
	return p, nil
}

// Subsystem returns the worker the process runs.
func (p *Proc) Subsystem() protocol.Subsystem { return p.spec.Subsystem }

// Pid returns the worker's process id.
func (p *Proc) Pid() int { return p.cmd.Process.Pid }

// Started returns when the process was launched.
func (p *Proc) Started() time.Time { return p.started }

// Send queues a command for the worker. It returns false once the process
// has exited.
func (p *Proc) Send(m protocol.Message) bool {
	if !p.Alive() {
		return false
	}
	return p.outbox.Write(messageEnvelope(m), false)
}

// SendFrame queues a frame for a writer process, behind every earlier
// command and frame.
func (p *Proc) SendFrame(f types.Frame) bool {
	if !p.Alive() {
		return false
	}
	return p.outbox.Write(envelope{Kind: kindFrame, Frame: &f}, false)
}

// Tick tells the worker a newer frame is in the shared buffer. Ticks not
// yet delivered are replaced.
func (p *Proc) Tick(t Tick) {
	if p.Alive() {
		p.ticks.Write(t, true)
	}
}

// Pending returns the number of commands and frames not yet written to the
// process.
func (p *Proc) Pending() int { return p.outbox.Len() }

// Report returns the worker's latest report.
func (p *Proc) Report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

// Done is closed once the process has exited and all of its output has
// been delivered to the sink.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Alive reports whether the process is still running.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait waits up to timeout for the process to exit.
func (p *Proc) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Kill terminates the process. The exit is then not reported to the sink
// as a failure.
func (p *Proc) Kill() {
	if !p.Alive() {
		return
	}
	p.killed.Store(true)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("failed to kill worker process",
			"subsystem", p.spec.Subsystem,
			"pid", p.cmd.Process.Pid,
			"error", err,
		)
	}
}

// Err returns the process's exit error once Done is closed.
func (p *Proc) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *Proc) writeLoop() {
	for {
		ready := p.outbox.Ready()
		tickReady := p.ticks.Ready()

		if env, ok := p.outbox.Read(); ok {
			if !p.write(env) {
				return
			}
			continue
		}
		if t, ok := p.ticks.Read(); ok {
			if !p.write(envelope{Kind: kindTick, Tick: &t}) {
				return
			}
			continue
		}

		select {
		case <-ready:
		case <-tickReady:
		case <-p.done:
			return
		}
	}
}

func (p *Proc) write(env envelope) bool {
	if err := protocol.Encode(p.stdin, env); err != nil {
		if !p.killed.Load() {
			slog.Warn("worker input closed", "subsystem", p.spec.Subsystem, "error", err)
		}
		return false
	}
	return true
}

func (p *Proc) readLoop() {
	defer close(p.done)
	sub := p.spec.Subsystem

	for {
		var env envelope
		err := protocol.Decode(p.stdout, &env)
		if err == nil {
			p.dispatch(env)
			continue
		}
		if !errors.Is(err, io.EOF) && !p.killed.Load() {
			// the stream cannot be resynchronized
			slog.Error("worker output corrupt, killing process", "subsystem", sub, "error", err)
			p.cmd.Process.Kill()
		}
		break
	}

	err := p.cmd.Wait()
	p.exitErr = err
	pid := p.cmd.Process.Pid
	switch {
	case p.killed.Load():
		slog.Warn("worker process killed", "subsystem", sub, "pid", pid)
	case err != nil:
		slog.Error("worker process exited", "subsystem", sub, "pid", pid, "error", err)
		if p.sink.Reply != nil {
			p.sink.Reply(protocol.Fail(sub, fmt.Errorf("%s worker process exited: %w", sub, err)))
		}
	default:
		slog.Info("worker process exited", "subsystem", sub, "pid", pid)
	}
}

func (p *Proc) dispatch(env envelope) {
	switch env.Kind {
	case kindMessage:
		if env.Message != nil && p.sink.Reply != nil {
			p.sink.Reply(env.Message.message())
		}
	case kindFrame:
		if env.Frame != nil && p.sink.Frame != nil {
			p.sink.Frame(*env.Frame)
		}
	case kindTick:
		if env.Tick != nil && p.sink.Tick != nil {
			p.sink.Tick(*env.Tick)
		}
	case kindSample:
		if env.Sample != nil && p.sink.Sample != nil {
			p.sink.Sample(*env.Sample)
		}
	case kindReport:
		if env.Report != nil {
			p.mu.Lock()
			p.report = *env.Report
			p.mu.Unlock()
		}
	default:
		slog.Warn("ignoring worker envelope", "subsystem", p.spec.Subsystem, "kind", env.Kind)
	}
}
