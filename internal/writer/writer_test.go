package writer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/store"
	"github.com/e7canasta/poselive/internal/types"
	"github.com/e7canasta/poselive/internal/video"
)

const (
	testW = 16
	testH = 8
)

type fixture struct {
	w    *Worker
	ch   *protocol.Channel
	q    *queue.Queue[types.Frame]
	done chan struct{}
}

func start(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ch:   protocol.NewChannel(),
		q:    queue.New[types.Frame](0),
		done: make(chan struct{}),
	}
	var err error
	f.w, err = New(Config{
		Base:    filepath.Join(t.TempDir(), "cam1_mouse_2026-10-19_1"),
		Width:   testW,
		Height:  testH,
		FPS:     30,
		Channel: f.ch,
		Queue:   f.q,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		f.w.Run(ctx)
		close(f.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	m, ok := f.ch.Await(context.Background(), protocol.Writer, protocol.Start, 2*time.Second)
	if !ok || !m.OK() {
		t.Fatalf("start reply = %v, %v", m, ok)
	}
	return f
}

func (f *fixture) push(n int) {
	t0 := time.Unix(1700000000, 0)
	for i := 0; i < n; i++ {
		f.q.Write(types.Frame{
			Seq:       uint64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * 33 * time.Millisecond),
			Width:     testW,
			Height:    testH,
			Data:      make([]byte, testW*testH*3),
		}, false)
	}
}

func (f *fixture) end(t *testing.T, save bool) bool {
	t.Helper()
	f.ch.Send(protocol.Command(protocol.Writer, protocol.End, save))
	m, ok := f.ch.Await(context.Background(), protocol.Writer, protocol.End, 5*time.Second)
	if !ok {
		t.Fatal("no end reply")
	}
	if m.IsError() {
		t.Fatalf("end reply = %v", m)
	}
	<-f.done
	b, _ := m.Result.(bool)
	return b
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWriterSavesNFrames(t *testing.T) {
	f := start(t)
	f.push(12)

	if !f.end(t, true) {
		t.Fatal("end(save=true) result = false")
	}

	info, err := video.Inspect(f.w.VideoPath())
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if info.Frames != 12 || info.Width != testW || info.Height != testH {
		t.Errorf("video = %+v, want 12 frames of %dx%d", info, testW, testH)
	}

	ts, err := store.LoadTimestamps(f.w.TimestampsPath())
	if err != nil {
		t.Fatalf("LoadTimestamps() failed: %v", err)
	}
	if len(ts) != 12 {
		t.Fatalf("len(ts) = %d, want 12", len(ts))
	}
	for i := 1; i < len(ts); i++ {
		if ts[i] <= ts[i-1] {
			t.Fatalf("timestamps not increasing at %d: %v", i, ts)
		}
	}
}

func TestWriterDrainsBeforeClosing(t *testing.T) {
	f := start(t)

	// end arrives while frames are still queued; all of them are written
	f.push(30)
	if !f.end(t, true) {
		t.Fatal("end(save=true) result = false")
	}
	if f.q.Len() != 0 {
		t.Errorf("%d frames left in the queue", f.q.Len())
	}
	info, err := video.Inspect(f.w.VideoPath())
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if info.Frames != 30 {
		t.Errorf("video has %d frames, want 30", info.Frames)
	}
}

func TestWriterDiscard(t *testing.T) {
	f := start(t)
	f.push(4)

	if f.end(t, false) {
		t.Error("end(save=false) result = true")
	}
	if exists(f.w.VideoPath()) || exists(f.w.TimestampsPath()) {
		t.Error("files left after save=false")
	}
}

func TestWriterZeroFrames(t *testing.T) {
	f := start(t)

	if f.end(t, true) {
		t.Error("end(save=true) with no frames result = true")
	}
	if exists(f.w.VideoPath()) {
		t.Error("empty video not deleted")
	}
	if exists(f.w.TimestampsPath()) {
		t.Error("timestamp file written for an empty recording")
	}
}

func TestWriterEncoderError(t *testing.T) {
	f := start(t)
	f.q.Write(types.Frame{Seq: 1, Timestamp: time.Now(), Data: []byte{1, 2, 3}}, false)

	m, ok := f.ch.Await(context.Background(), protocol.Writer, protocol.End, 2*time.Second)
	if !ok || !m.IsError() {
		t.Fatalf("reply = %v, %v; want error report", m, ok)
	}
	<-f.done
	if exists(f.w.VideoPath()) {
		t.Error("partial video not deleted after encoder error")
	}
}

func TestWriterTimestampFailureRemovesVideo(t *testing.T) {
	f := start(t)
	f.push(3)
	// a directory in the way of the timestamp file makes the save fail
	if err := os.MkdirAll(filepath.Join(f.w.TimestampsPath(), "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	f.ch.Send(protocol.Command(protocol.Writer, protocol.End, true))
	m, ok := f.ch.Await(context.Background(), protocol.Writer, protocol.End, 5*time.Second)
	if !ok || !m.IsError() {
		t.Fatalf("reply = %v, %v; want error report", m, ok)
	}
	<-f.done
	if exists(f.w.VideoPath()) {
		t.Error("video left behind without its timestamps")
	}
}

func TestWriterRejectsUnknownCommand(t *testing.T) {
	f := start(t)

	f.ch.Send(protocol.Command(protocol.Writer, protocol.Write, true))
	m, ok := f.ch.Await(context.Background(), protocol.Writer, protocol.Write, 2*time.Second)
	if !ok || m.OK() || m.Err == nil {
		t.Fatalf("write reply = %v (err %v), want rejection", m, m.Err)
	}

	f.push(2)
	if !f.end(t, true) {
		t.Error("writer did not save after a rejected command")
	}
}

func TestWriterOpenFailure(t *testing.T) {
	ch := protocol.NewChannel()
	w, _ := New(Config{
		Base:    filepath.Join(t.TempDir(), "missing", "dir", "x"),
		Width:   testW,
		Height:  testH,
		FPS:     30,
		Channel: ch,
		Queue:   queue.New[types.Frame](0),
	})
	w.Run(context.Background())

	m, ok := ch.Await(context.Background(), protocol.Writer, protocol.Start, time.Second)
	if !ok || !m.IsError() {
		t.Fatalf("reply = %v, %v; want error report", m, ok)
	}
}
