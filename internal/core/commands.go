package core

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/emitter"
	"github.com/e7canasta/poselive/internal/manager"
	"github.com/e7canasta/poselive/internal/pose"
	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/types"
)

var (
	// ErrTimeout reports a worker that did not acknowledge in time.
	ErrTimeout = errors.New("worker did not acknowledge in time")
	// ErrRecordNotReady is returned when recording cannot be toggled,
	// usually because the camera or the session is not open.
	ErrRecordNotReady = errors.New("recording not possible: camera and session must be open")
)

// StartCamera starts the capture worker.
func (s *Service) StartCamera() error {
	timeout := s.cfg.Timeouts.Start()
	ok, err := s.mgr.StartCapture(timeout)
	if err != nil {
		return fmt.Errorf("failed to start camera %q: %w", s.camera, err)
	}
	if !ok {
		return fmt.Errorf("camera %q: %w (%v)", s.camera, ErrTimeout, timeout)
	}
	return nil
}

// StopCamera stops the capture worker. Stopping a camera that is not
// running is not an error.
func (s *Service) StopCamera() error {
	if !s.mgr.StopCapture() {
		slog.Debug("camera stop not acknowledged", "camera", s.camera)
	}
	return nil
}

// StartPose starts the pose worker with the named pose options.
func (s *Service) StartPose(name string) error {
	s.mu.RLock()
	opts, err := s.cfg.Pose(name)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	timeout := s.cfg.Timeouts.Start()
	ok, err := s.mgr.StartPose(pose.Params{Name: name, Options: opts}, timeout)
	if err != nil {
		return fmt.Errorf("failed to start pose estimation %q: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("pose estimation %q: %w (%v)", name, ErrTimeout, timeout)
	}
	return nil
}

// StopPose stops the pose worker. Unsaved poses are dropped.
func (s *Service) StopPose() error {
	if !s.mgr.StopPose() && s.mgr.Status().Pose.Running {
		return fmt.Errorf("pose worker did not stop")
	}
	return nil
}

// OpenSession starts a writer for a new recording. An empty dir selects the
// first configured directory. New subjects and directories are added to
// the configuration and saved.
func (s *Service) OpenSession(dir, subject string, attempt int, overwrite bool) (*manager.Session, error) {
	s.mu.RLock()
	if dir == "" {
		dir = s.cfg.Directories[0]
	}
	s.mu.RUnlock()

	sess, err := s.mgr.NewSession(dir, subject, attempt, overwrite)
	if err != nil {
		return nil, err
	}
	s.remember(dir, subject)
	return sess, nil
}

// remember records dir and subject in the configuration, most recent first.
func (s *Service) remember(dir, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if !slices.Contains(s.cfg.Subjects, subject) {
		s.cfg.Subjects = append([]string{subject}, s.cfg.Subjects...)
		changed = true
	}
	if !slices.Contains(s.cfg.Directories, dir) {
		s.cfg.Directories = append([]string{dir}, s.cfg.Directories...)
		changed = true
	}
	if !changed || s.configPath == "" {
		return
	}
	if err := config.Save(s.cfg, s.configPath); err != nil {
		slog.Error("failed to save configuration", "path", s.configPath, "error", err)
		return
	}
	slog.Info("configuration saved", "path", s.configPath, "subject", subject, "directory", dir)
}

// StartRecord starts writing frames, and poses if a pose worker runs.
func (s *Service) StartRecord() error {
	if !s.mgr.StartRecord(s.cfg.Timeouts.Start()) {
		return ErrRecordNotReady
	}
	return nil
}

// StopRecord pauses writing. The session stays open.
func (s *Service) StopRecord() error {
	if !s.mgr.StopRecord(s.cfg.Timeouts.Stop()) {
		return ErrRecordNotReady
	}
	return nil
}

// SaveSession closes the session keeping its files.
func (s *Service) SaveSession() (manager.SaveResult, error) {
	return s.mgr.SaveSession()
}

// DeleteSession closes the session and deletes its files.
func (s *Service) DeleteSession() error {
	return s.mgr.DeleteSession()
}

// DisplayFrame returns the latest frame.
func (s *Service) DisplayFrame() (types.Frame, bool) { return s.mgr.DisplayFrame() }

// DisplayPose returns the latest pose, scaled to the display size.
func (s *Service) DisplayPose() (types.PoseSample, bool) { return s.mgr.DisplayPose() }

// Bus returns the pose bus.
func (s *Service) Bus() *posebus.Bus { return s.mgr.Bus() }

// DisplayOptions controls how frames and poses are drawn for display.
type DisplayOptions struct {
	Resize float64 `json:"resize"`
	Cutoff float64 `json:"cutoff"`
	Radius int     `json:"radius"`
}

// Display returns the display options of the configured camera.
func (s *Service) Display() DisplayOptions {
	return DisplayOptions{
		Resize: s.mgr.DisplayResize(),
		Cutoff: s.cfg.PoseDisplay.Cutoff,
		Radius: s.cfg.PoseDisplay.Radius,
	}
}

// Status is the service status published on MQTT and served over HTTP.
type Status struct {
	InstanceID string         `json:"instance_id"`
	Running    bool           `json:"running"`
	UptimeS    float64        `json:"uptime_s"`
	Pipeline   manager.Status `json:"pipeline"`
	Emitter    *emitter.Stats `json:"emitter,omitempty"`
	Choices    Choices        `json:"choices"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Choices lists what can be selected when starting pose estimation or a
// session.
type Choices struct {
	Cameras     []string `json:"cameras"`
	PoseOptions []string `json:"pose_options"`
	Subjects    []string `json:"subjects"`
	Directories []string `json:"directories"`
}

// Status returns the current status of the service
func (s *Service) Status() Status {
	st := Status{
		Pipeline:  s.mgr.Status(),
		Timestamp: time.Now().UTC(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st.InstanceID = s.cfg.InstanceID
	st.Running = s.isRunning
	if s.isRunning {
		st.UptimeS = time.Since(s.started).Seconds()
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		st.Emitter = &es
	}
	st.Choices = Choices{
		Cameras:     sortedKeys(s.cfg.Cameras),
		PoseOptions: sortedKeys(s.cfg.PoseOptions),
		Subjects:    slices.Clone(s.cfg.Subjects),
		Directories: slices.Clone(s.cfg.Directories),
	}
	return st
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
