package protocol

import (
	"context"
	"time"

	"github.com/e7canasta/poselive/internal/queue"
)

// Channel is the pair of command queues shared by the orchestrator and all workers.
type Channel struct {
	toWorkers   *queue.Queue[Message]
	fromWorkers *queue.Queue[Message]
}

// NewChannel creates an unbounded command channel pair.
func NewChannel() *Channel {
	return &Channel{
		toWorkers:   queue.New[Message](0),
		fromWorkers: queue.New[Message](0),
	}
}

// Send posts a command for a worker.
func (c *Channel) Send(m Message) bool {
	return c.toWorkers.Write(m, false)
}

// Reply posts an acknowledgement or error report for the orchestrator.
func (c *Channel) Reply(m Message) bool {
	return c.fromWorkers.Write(m, false)
}

// Poll takes the oldest pending command addressed to s without blocking.
func (c *Channel) Poll(s Subsystem) (Message, bool) {
	return c.toWorkers.Take(addressedTo(s))
}

// Commands returns a channel closed on the next command write. Obtain it
// before calling Poll so a command racing with the poll still wakes the caller.
func (c *Channel) Commands() <-chan struct{} {
	return c.toWorkers.Ready()
}

// Await blocks until the acknowledgement for (s, a) or an error report from s
// arrives, the timeout elapses, or ctx is done. ok is false on timeout.
func (c *Channel) Await(ctx context.Context, s Subsystem, a Action, timeout time.Duration) (Message, bool) {
	return c.fromWorkers.WaitTake(ctx, timeout, func(m Message) bool {
		return m.Subsystem == s && (m.Action == a || m.IsError())
	})
}

// Replies returns a channel closed on the next reply write. Obtain it before
// calling TakeReply so a reply racing with the take still wakes the caller.
func (c *Channel) Replies() <-chan struct{} {
	return c.fromWorkers.Ready()
}

// TakeReply takes the oldest pending reply from any worker without blocking.
func (c *Channel) TakeReply() (Message, bool) {
	return c.fromWorkers.Take(nil)
}

// Errors takes every pending error report for s without blocking.
func (c *Channel) Errors(s Subsystem) []Message {
	return c.fromWorkers.RemoveAll(func(m Message) bool {
		return m.Subsystem == s && m.IsError()
	})
}

// Purge drops every message addressed to or sent by s in both directions.
// Used before starting a worker so a late acknowledgement from a previous
// run cannot satisfy a new request.
func (c *Channel) Purge(s Subsystem) int {
	match := addressedTo(s)
	return len(c.toWorkers.RemoveAll(match)) + len(c.fromWorkers.RemoveAll(match))
}

// Pending returns the number of queued commands and replies.
func (c *Channel) Pending() (commands, replies int) {
	return c.toWorkers.Len(), c.fromWorkers.Len()
}

func addressedTo(s Subsystem) func(Message) bool {
	return func(m Message) bool { return m.Subsystem == s }
}
