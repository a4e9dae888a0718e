package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/workerproc"
)

// handle owns one worker process. Terminating it kills the process.
type handle struct {
	subsystem protocol.Subsystem
	proc      *workerproc.Proc
}

// spawn starts a worker process for spec. Its acknowledgements and failure
// reports land on the manager's channel; its other output goes to sink.
func (m *Manager) spawn(spec workerproc.Spec, sink workerproc.Sink) (*handle, error) {
	spec.Debug = slog.Default().Enabled(context.Background(), slog.LevelDebug)
	sink.Reply = func(msg protocol.Message) { m.ch.Reply(msg) }
	p, err := workerproc.Start(m.cfg.WorkerCommand, spec, sink)
	if err != nil {
		return nil, err
	}
	return &handle{subsystem: spec.Subsystem, proc: p}, nil
}

// alive reports whether the worker process is still running. A nil handle is not.
func (h *handle) alive() bool {
	return h != nil && h.proc.Alive()
}

// send queues cmd for the worker. It returns false once the process is gone.
func (h *handle) send(cmd protocol.Message) bool {
	return h != nil && h.proc.Send(cmd)
}

// report returns the worker's latest self-description.
func (h *handle) report() workerproc.Report {
	if h == nil {
		return workerproc.Report{}
	}
	return h.proc.Report()
}

// pending returns the commands and frames not yet delivered to the process.
func (h *handle) pending() int {
	if h == nil {
		return 0
	}
	return h.proc.Pending()
}

func (h *handle) started() time.Time { return h.proc.Started() }

// join waits up to timeout for the process to exit.
func (h *handle) join(timeout time.Duration) bool {
	if h == nil {
		return true
	}
	return h.proc.Wait(timeout)
}

func (h *handle) terminate() {
	if h != nil {
		h.proc.Kill()
	}
}
