package posebus

import (
	"testing"
	"time"

	"github.com/e7canasta/poselive/internal/types"
)

func sample(seq uint64) types.PoseSample {
	return types.PoseSample{FrameSeq: seq, Pose: types.Pose{{X: float64(seq)}}}
}

func TestLatestWins(t *testing.T) {
	bus := New()
	read := bus.Subscribe("ws-1")

	for i := uint64(1); i <= 3; i++ {
		bus.Publish(sample(i))
	}

	s, ok := read()
	if !ok || s.FrameSeq != 3 {
		t.Fatalf("read() = %d, %v; want 3, true", s.FrameSeq, ok)
	}
	if st := bus.Stats()["ws-1"]; st.TotalDrops != 2 || st.ConsecutiveDrops != 0 {
		t.Errorf("stats = %+v, want 2 total drops and streak reset", st)
	}
	if bus.Published() != 3 {
		t.Errorf("Published() = %d, want 3", bus.Published())
	}
}

func TestSubscribersGetCopies(t *testing.T) {
	bus := New()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	bus.Publish(sample(1))
	sa, _ := a()
	sa.Pose[0].X = 99
	sb, _ := b()
	if sb.Pose[0].X != 1 {
		t.Errorf("subscriber b saw a's mutation: %v", sb.Pose)
	}
}

func TestReadBlocksUntilPublish(t *testing.T) {
	bus := New()
	read := bus.Subscribe("mqtt")

	got := make(chan uint64, 1)
	go func() {
		s, _ := read()
		got <- s.FrameSeq
	}()

	select {
	case <-got:
		t.Fatal("read() returned before any publish")
	case <-time.After(30 * time.Millisecond):
	}

	bus.Publish(sample(7))
	select {
	case seq := <-got:
		if seq != 7 {
			t.Errorf("read() = %d, want 7", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("read() not woken by publish")
	}
}

func TestUnsubscribeWakesReader(t *testing.T) {
	bus := New()
	read := bus.Subscribe("ws-2")

	done := make(chan bool, 1)
	go func() {
		_, ok := read()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Unsubscribe("ws-2")
	bus.Unsubscribe("ws-2")

	select {
	case ok := <-done:
		if ok {
			t.Error("read() ok after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not wake reader")
	}
	if len(bus.Stats()) != 0 {
		t.Errorf("Stats() still lists %d subscribers", len(bus.Stats()))
	}
}

func TestClose(t *testing.T) {
	bus := New()
	read := bus.Subscribe("a")
	bus.Close()

	if _, ok := read(); ok {
		t.Error("read() ok after Close")
	}
	late := bus.Subscribe("b")
	if _, ok := late(); ok {
		t.Error("subscription after Close returned a sample")
	}
	bus.Publish(sample(1))
	if bus.Published() != 0 {
		t.Error("Publish after Close was counted")
	}
}
