package protocol

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollTakesOnlyOwnCommands(t *testing.T) {
	c := NewChannel()
	c.Send(Command(Capture, Write, true))
	c.Send(Command(Pose, Write, true))
	c.Send(Command(Capture, End, nil))

	m, ok := c.Poll(Pose)
	if !ok || m.Subsystem != Pose || m.Action != Write {
		t.Fatalf("Poll(pose) = %v, %v", m, ok)
	}
	if _, ok := c.Poll(Pose); ok {
		t.Fatal("Poll(pose) returned a second command")
	}

	m, ok = c.Poll(Capture)
	if !ok || m.Action != Write || !m.Bool() {
		t.Fatalf("first capture command = %v", m)
	}
	m, ok = c.Poll(Capture)
	if !ok || m.Action != End {
		t.Fatalf("second capture command = %v", m)
	}
}

func TestAwaitMatchesAckOrError(t *testing.T) {
	c := NewChannel()
	c.Reply(Command(Writer, Start, nil).Ack(true))
	c.Reply(Fail(Capture, errors.New("device busy")))

	m, ok := c.Await(context.Background(), Capture, Start, 50*time.Millisecond)
	if !ok {
		t.Fatal("Await(capture, start) timed out")
	}
	if !m.IsError() || m.OK() {
		t.Fatalf("Await(capture, start) = %v, want error report", m)
	}

	m, ok = c.Await(context.Background(), Writer, Start, 50*time.Millisecond)
	if !ok || !m.OK() {
		t.Fatalf("Await(writer, start) = %v, %v", m, ok)
	}
}

func TestAwaitTimeoutLeavesOtherReplies(t *testing.T) {
	c := NewChannel()
	c.Reply(Command(Pose, Save, "x").Ack(true))

	if _, ok := c.Await(context.Background(), Capture, End, 20*time.Millisecond); ok {
		t.Fatal("Await(capture, end) matched a pose reply")
	}
	if _, replies := c.Pending(); replies != 1 {
		t.Fatalf("pending replies = %d, want 1", replies)
	}
}

func TestAwaitWakesOnReply(t *testing.T) {
	c := NewChannel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Reply(Command(Pose, Start, nil).Ack(true))
	}()
	m, ok := c.Await(context.Background(), Pose, Start, time.Second)
	if !ok || !m.OK() {
		t.Fatalf("Await(pose, start) = %v, %v", m, ok)
	}
}

func TestPurge(t *testing.T) {
	c := NewChannel()
	c.Send(Command(Capture, Write, true))
	c.Reply(Command(Capture, End, nil).Ack(true))
	c.Reply(Command(Writer, End, true).Ack(false))

	if n := c.Purge(Capture); n != 2 {
		t.Fatalf("Purge(capture) = %d, want 2", n)
	}
	commands, replies := c.Pending()
	if commands != 0 || replies != 1 {
		t.Fatalf("Pending() = %d, %d; want 0, 1", commands, replies)
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		m    Message
		want string
	}{
		{Command(Capture, End, nil), "(capture, end)"},
		{Command(Pose, Save, "a"), "(pose, save, a)"},
		{Command(Writer, End, true).Ack(false), "(writer, end, true, false)"},
		{Fail(Pose, errors.New("boom")), "(ERROR, pose, boom)"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestTakeReplyInOrder(t *testing.T) {
	c := NewChannel()
	ready := c.Replies()
	c.Reply(Command(Pose, Write, true).Ack(true))
	select {
	case <-ready:
	default:
		t.Fatal("Replies() not closed by a reply")
	}
	c.Reply(Fail(Capture, errors.New("gone")))

	m, ok := c.TakeReply()
	if !ok || m.Subsystem != Pose {
		t.Fatalf("first reply = %v, %v", m, ok)
	}
	m, ok = c.TakeReply()
	if !ok || !m.IsError() {
		t.Fatalf("second reply = %v, %v", m, ok)
	}
	if _, ok := c.TakeReply(); ok {
		t.Error("TakeReply() on empty channel succeeded")
	}
}

func TestReject(t *testing.T) {
	m := Command(Writer, Clear, nil).Reject()
	if m.OK() || m.Err == nil || m.Action != Clear {
		t.Errorf("Reject() = %v (err %v)", m, m.Err)
	}
}
