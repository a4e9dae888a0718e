package video

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func solidFrame(w, h int, r, g, b byte) []byte {
	px := make([]byte, w*h*3)
	for i := 0; i < len(px); i += 3 {
		px[i], px[i+1], px[i+2] = r, g, b
	}
	return px
}

func TestWriteInspectRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam_mouse_VIDEO.avi")

	w, err := Create(path, 32, 16, 30, 0)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	levels := []byte{20, 120, 220}
	for _, v := range levels {
		if err := w.WriteFrame(solidFrame(32, 16, v, v, v)); err != nil {
			t.Fatalf("WriteFrame() failed: %v", err)
		}
	}
	if w.Frames() != 3 {
		t.Errorf("Frames() = %d, want 3", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	info, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if info.Frames != 3 || info.Width != 32 || info.Height != 16 {
		t.Errorf("Inspect() = %+v, want 3 frames of 32x16", info)
	}
	if fps := info.FPS(); fps < 29.9 || fps > 30.1 {
		t.Errorf("FPS() = %v, want ~30", fps)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer r.Close()

	var (
		buf []byte
		rgb []byte
	)
	for i, want := range levels {
		buf, err = r.Next(buf)
		if err != nil {
			t.Fatalf("Next() frame %d: %v", i, err)
		}
		var fw, fh int
		rgb, fw, fh, err = DecodeJPEG(rgb, buf)
		if err != nil {
			t.Fatalf("DecodeJPEG() frame %d: %v", i, err)
		}
		if fw != 32 || fh != 16 {
			t.Fatalf("frame %d is %dx%d", i, fw, fh)
		}
		// jpeg is lossy; a flat image survives within a few levels
		if d := int(rgb[0]) - int(want); d < -4 || d > 4 {
			t.Errorf("frame %d level = %d, want ~%d", i, rgb[0], want)
		}
	}
	if _, err := r.Next(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after last frame = %v, want io.EOF", err)
	}
}

func TestWriteFrameSizeMismatch(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.avi"), 4, 4, 10, 0)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer w.Close()
	if err := w.WriteFrame(make([]byte, 10)); err == nil {
		t.Error("WriteFrame() accepted a short frame")
	}
}

func TestDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.avi")
	w, err := Create(path, 4, 4, 10, 0)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	w.WriteFrame(solidFrame(4, 4, 1, 2, 3))
	if err := w.Discard(); err != nil {
		t.Fatalf("Discard() failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("video still exists after Discard(): %v", err)
	}
}

func TestInspectNotAVI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.avi")
	os.WriteFile(path, []byte("RIFF\x04\x00\x00\x00WAVE"), 0o644)
	if _, err := Inspect(path); err == nil {
		t.Error("Inspect() accepted a WAVE file")
	}
}

func TestInfoFPS(t *testing.T) {
	if got := (Info{FrameInterval: 40 * time.Millisecond}).FPS(); got != 25 {
		t.Errorf("FPS() = %v, want 25", got)
	}
	if got := (Info{}).FPS(); got != 0 {
		t.Errorf("FPS() of empty info = %v, want 0", got)
	}
}
