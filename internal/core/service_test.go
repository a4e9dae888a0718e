package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/e7canasta/poselive/internal/config"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "rig-test",
		Cameras: map[string]config.CameraConfig{
			"arena": {Kind: "synthetic", Width: 32, Height: 24, FPS: 30, DisplayResize: 0.5},
		},
		PoseOptions: map[string]config.PoseOptions{
			"fixed": {
				Kind:      "fixed",
				Bodyparts: []string{"snout", "tailbase"},
				FixedPose: [][]float64{{4, 4, 0.9}, {12, 8, 0.7}},
			},
		},
		Subjects:    []string{"m1"},
		Directories: []string{t.TempDir()},
		Timeouts:    config.TimeoutsConfig{StartS: 2, StopS: 2, SaveS: 5},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "poselive.yaml")
	s, err := New(cfg, path, "")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
	})
	return s, path
}

func TestNewSelectsCamera(t *testing.T) {
	s, _ := newService(t)
	if s.Camera() != "arena" {
		t.Errorf("Camera() = %q, want arena", s.Camera())
	}
	if d := s.Display(); d.Resize != 0.5 || d.Radius != 3 {
		t.Errorf("Display() = %+v", d)
	}

	if _, err := New(s.cfg, "", "ceiling"); err == nil {
		t.Error("New() accepted an unknown camera")
	}
}

func TestCommandsNeedCamera(t *testing.T) {
	s, _ := newService(t)

	if err := s.StartRecord(); !errors.Is(err, ErrRecordNotReady) {
		t.Errorf("StartRecord() = %v, want ErrRecordNotReady", err)
	}
	if err := s.StartPose("unknown"); err == nil {
		t.Error("StartPose() accepted unknown pose options")
	}
	if _, err := s.OpenSession("", "m1", 1, false); err == nil {
		t.Error("OpenSession() succeeded without a camera")
	}
	if err := s.StopCamera(); err != nil {
		t.Errorf("StopCamera() on a stopped camera = %v", err)
	}
}

func TestRecordSession(t *testing.T) {
	s, path := newService(t)

	if err := s.StartCamera(); err != nil {
		t.Fatalf("StartCamera() failed: %v", err)
	}
	if err := s.StartPose("fixed"); err != nil {
		t.Fatalf("StartPose() failed: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "day1")
	sess, err := s.OpenSession(dir, "m7", 2, false)
	if err != nil {
		t.Fatalf("OpenSession() failed: %v", err)
	}
	if sess.Subject != "m7" || sess.Attempt != 2 {
		t.Errorf("session = %+v", sess)
	}

	if err := s.StartRecord(); err != nil {
		t.Fatalf("StartRecord() failed: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := s.StopRecord(); err != nil {
		t.Fatalf("StopRecord() failed: %v", err)
	}

	res, err := s.SaveSession()
	if err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}
	if !res.Video || !res.Pose {
		t.Errorf("SaveSession() = %+v, want video and pose", res)
	}
	for _, p := range []string{sess.VideoPath(), sess.TimestampsPath(), sess.PosePath()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing session file: %v", err)
		}
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("saved configuration does not load: %v", err)
	}
	if saved.Subjects[0] != "m7" || saved.Directories[0] != dir {
		t.Errorf("saved subjects %v, directories %v", saved.Subjects, saved.Directories)
	}

	st := s.Status()
	if !st.Pipeline.Capture.Running || !st.Pipeline.Pose.Running || st.Pipeline.Session != nil {
		t.Errorf("Status().Pipeline = %+v", st.Pipeline)
	}
	if !slices.Equal(st.Choices.PoseOptions, []string{"fixed"}) || st.Choices.Subjects[0] != "m7" {
		t.Errorf("Status().Choices = %+v", st.Choices)
	}

	if sample, ok := s.DisplayPose(); !ok || sample.Pose[0].X != 2 {
		t.Errorf("DisplayPose() = %+v, %v; want snout scaled to x=2", sample, ok)
	}
}

func TestRunAndShutdownCommand(t *testing.T) {
	s, _ := newService(t)

	if h := s.HealthCheck(); h.Status != "unhealthy" {
		t.Errorf("HealthCheck() before Run = %q", h.Status)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Status().Running {
		if time.Now().After(deadline) {
			t.Fatal("service did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if h := s.HealthCheck(); h.Status != "degraded" || h.MQTTEnabled {
		t.Errorf("HealthCheck() without camera = %+v", h)
	}
	if err := s.StartCamera(); err != nil {
		t.Fatalf("StartCamera() failed: %v", err)
	}
	if h := s.HealthCheck(); h.Status != "healthy" || !h.Workers["capture"].Running {
		t.Errorf("HealthCheck() with camera = %+v", h)
	}

	if err := s.callbacks().OnShutdown(); err != nil {
		t.Fatalf("shutdown command failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after the shutdown command")
	}
}
