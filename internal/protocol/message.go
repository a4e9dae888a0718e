// Package protocol defines the control messages exchanged between the
// orchestrator and its workers, and the shared two-queue channel they travel on.
//
// One physical queue per direction is shared by every worker. A reader only
// takes messages addressed to its own subsystem; everything else stays queued
// in order for the reader it belongs to.
package protocol

import (
	"fmt"
)

// Subsystem tags the worker a message belongs to.
type Subsystem string

const (
	Capture Subsystem = "capture"
	Writer  Subsystem = "writer"
	Pose    Subsystem = "pose"
	// Run addresses the pipeline as a whole (status requests, shutdown).
	Run Subsystem = "run"
)

// Action is a subsystem-specific verb.
type Action string

const (
	Open  Action = "open"
	Start Action = "start"
	Stop  Action = "stop"
	Write Action = "write"
	Save  Action = "save"
	Close Action = "close"
	End   Action = "end"
	// Clear drops data a worker accumulated for a session that was discarded.
	Clear Action = "clear"
	// Error marks a worker failure report; Err carries the cause.
	Error Action = "error"
)

// Message is a command, an acknowledgement (Result set), or an error report.
type Message struct {
	Subsystem Subsystem
	Action    Action
	Payload   any
	Result    any
	Err       error
}

// Command builds a request for a worker.
func Command(s Subsystem, a Action, payload any) Message {
	return Message{Subsystem: s, Action: a, Payload: payload}
}

// Ack echoes the command back with its result attached.
func (m Message) Ack(result any) Message {
	m.Result = result
	return m
}

// Reject acknowledges a command the receiving worker does not handle.
func (m Message) Reject() Message {
	m.Result = false
	m.Err = fmt.Errorf("%s worker does not handle %q", m.Subsystem, m.Action)
	return m
}

// Fail builds an error report tagged with the failing subsystem.
func Fail(s Subsystem, err error) Message {
	return Message{Subsystem: s, Action: Error, Err: err}
}

// IsError reports whether the message is a worker failure report.
func (m Message) IsError() bool {
	return m.Action == Error
}

// OK reports whether the message is an acknowledgement with a true result.
func (m Message) OK() bool {
	if m.IsError() {
		return false
	}
	b, _ := m.Result.(bool)
	return b
}

// Bool returns the boolean payload of a command (write toggles, writer end).
func (m Message) Bool() bool {
	b, _ := m.Payload.(bool)
	return b
}

// String renders the message in its tuple form for logs.
func (m Message) String() string {
	switch {
	case m.IsError():
		return fmt.Sprintf("(ERROR, %s, %v)", m.Subsystem, m.Err)
	case m.Result != nil:
		return fmt.Sprintf("(%s, %s, %v, %v)", m.Subsystem, m.Action, m.Payload, m.Result)
	case m.Payload != nil:
		return fmt.Sprintf("(%s, %s, %v)", m.Subsystem, m.Action, m.Payload)
	default:
		return fmt.Sprintf("(%s, %s)", m.Subsystem, m.Action)
	}
}

// Filename returns the payload as a filename, or "" if it is not a string.
func (m Message) Filename() string {
	s, _ := m.Payload.(string)
	return s
}
