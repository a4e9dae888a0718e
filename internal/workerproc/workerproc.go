// Package workerproc runs each pipeline worker in its own OS process.
//
// The orchestrator re-executes its own binary with Env set. The child reads
// a Spec from stdin, attaches to the file-backed frame buffer, runs the
// capture, writer or pose worker described by the Spec, and exchanges
// envelopes with the parent over stdin/stdout, each framed by
// protocol.Encode:
//
//	parent -> child   spec (first), command, frame (writer), tick (pose)
//	child -> parent   ack/error, frame (capture), tick (capture),
//	                  sample (pose), report (all)
//
// Terminating a worker kills its process, so a worker stuck in a device or
// model call cannot outlive a stop.
package workerproc

import (
	"errors"
	"os"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/pose"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/types"
)

// Env is set in the environment of a worker process. A binary that can
// serve as a worker checks IsWorker first thing in main and calls Main.
const Env = "POSELIVE_WORKER"

// IsWorker reports whether this process was started as a pipeline worker.
func IsWorker() bool {
	return os.Getenv(Env) != ""
}

// Spec describes the worker a child process runs.
type Spec struct {
	Subsystem protocol.Subsystem `msgpack:"subsystem"`
	// Buffer is the frame buffer file (capture, pose).
	Buffer string              `msgpack:"buffer,omitempty"`
	Camera config.CameraConfig `msgpack:"camera"`
	Pose   pose.Params         `msgpack:"pose"`
	Writer WriterSpec          `msgpack:"writer"`
	Debug  bool                `msgpack:"debug"`
}

// WriterSpec configures a writer worker.
type WriterSpec struct {
	Base    string  `msgpack:"base"`
	Width   int     `msgpack:"width"`
	Height  int     `msgpack:"height"`
	FPS     float64 `msgpack:"fps"`
	Quality int     `msgpack:"quality"`
}

// Tick announces a frame written to the shared buffer by the capture process.
type Tick struct {
	Seq  uint64    `msgpack:"seq"`
	Time time.Time `msgpack:"time"`
}

// Report is a worker's periodic self-description. One is also sent ahead
// of every acknowledgement, so state read after an ack reflects it.
type Report struct {
	Metrics     types.WorkerMetrics `msgpack:"metrics"`
	State       string              `msgpack:"state,omitempty"` // capture lifecycle
	Writing     bool                `msgpack:"writing"`
	Queued      uint64              `msgpack:"queued,omitempty"`      // capture frames sent for recording
	Accumulated int                 `msgpack:"accumulated,omitempty"` // pose samples awaiting save
	Bodyparts   []string            `msgpack:"bodyparts,omitempty"`
}

type kind uint8

const (
	kindSpec kind = iota + 1
	kindMessage
	kindFrame
	kindTick
	kindSample
	kindReport
)

type envelope struct {
	Kind    kind              `msgpack:"k"`
	Spec    *Spec             `msgpack:"spec,omitempty"`
	Message *wireMessage      `msgpack:"msg,omitempty"`
	Frame   *types.Frame      `msgpack:"frame,omitempty"`
	Tick    *Tick             `msgpack:"tick,omitempty"`
	Sample  *types.PoseSample `msgpack:"sample,omitempty"`
	Report  *Report           `msgpack:"report,omitempty"`
}

// wireMessage is a protocol.Message with its error flattened to text.
type wireMessage struct {
	Subsystem protocol.Subsystem `msgpack:"subsystem"`
	Action    protocol.Action    `msgpack:"action"`
	Payload   any                `msgpack:"payload"`
	Result    any                `msgpack:"result"`
	Err       string             `msgpack:"err,omitempty"`
}

func toWire(m protocol.Message) *wireMessage {
	w := &wireMessage{
		Subsystem: m.Subsystem,
		Action:    m.Action,
		Payload:   m.Payload,
		Result:    m.Result,
	}
	if m.Err != nil {
		w.Err = m.Err.Error()
	}
	return w
}

func (w *wireMessage) message() protocol.Message {
	m := protocol.Message{
		Subsystem: w.Subsystem,
		Action:    w.Action,
		Payload:   w.Payload,
		Result:    w.Result,
	}
	if w.Err != "" {
		m.Err = errors.New(w.Err)
	}
	return m
}

func messageEnvelope(m protocol.Message) envelope {
	return envelope{Kind: kindMessage, Message: toWire(m)}
}
