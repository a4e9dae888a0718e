package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/poselive/internal/pose"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/writer"
)

var (
	// ErrNoSession is returned when saving or deleting without an open session.
	ErrNoSession = errors.New("manager: no session open")
	// ErrSessionOpen is returned when opening a session while one is open.
	ErrSessionOpen = errors.New("manager: session already open")
	// ErrSessionExists is returned when files for the session already exist
	// and overwriting was not requested.
	ErrSessionExists = errors.New("manager: session files already exist")
	// ErrRecording is returned when saving while frames are still being recorded.
	ErrRecording = errors.New("manager: recording in progress")
)

// Session is one recording: a base name shared by its video, timestamp
// and pose files.
type Session struct {
	ID        string    `json:"id"`
	Base      string    `json:"base"`
	Camera    string    `json:"camera"`
	Subject   string    `json:"subject"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// VideoPath returns the session's video file name.
func (s Session) VideoPath() string { return s.Base + writer.VideoSuffix }

// TimestampsPath returns the session's timestamp file name.
func (s Session) TimestampsPath() string { return s.Base + writer.TimestampsSuffix }

// PosePath returns the session's pose table file name.
func (s Session) PosePath() string { return s.Base + pose.TableSuffix }

// BaseName builds {dir}/{camera}_{subject}_{YYYY-MM-DD}_{attempt}, with
// spaces removed from the camera name.
func BaseName(dir, camera, subject string, date time.Time, attempt int) string {
	name := fmt.Sprintf("%s_%s_%s_%d",
		strings.ReplaceAll(camera, " ", ""),
		subject,
		date.Format("2006-01-02"),
		attempt,
	)
	return filepath.Join(dir, name)
}

// SaveResult reports which files a session save produced.
type SaveResult struct {
	Session Session `json:"session"`
	Video   bool    `json:"video"` // false: no frames were recorded, the video was deleted
	Pose    bool    `json:"pose"`
}

// NewSession creates dir if needed and starts a writer for a new recording.
// Capture must be running. Existing files for the same base name are an
// error unless overwrite is set.
func (m *Manager) NewSession(dir, subject string, attempt int, overwrite bool) (*Session, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if err := m.usable(); err != nil {
		return nil, err
	}
	if !m.alive(protocol.Capture) {
		return nil, fmt.Errorf("camera not started: %w", ErrNotRunning)
	}
	m.mu.RLock()
	open := m.session != nil
	m.mu.RUnlock()
	if open || m.alive(protocol.Writer) {
		return nil, ErrSessionOpen
	}
	if subject == "" {
		return nil, fmt.Errorf("session needs a subject")
	}
	if attempt <= 0 {
		attempt = 1
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Base:      BaseName(dir, m.cfg.CameraName, subject, time.Now(), attempt),
		Camera:    m.cfg.CameraName,
		Subject:   subject,
		Attempt:   attempt,
		StartedAt: time.Now(),
	}

	existing, err := filepath.Glob(s.Base + "*")
	if err != nil {
		return nil, fmt.Errorf("failed to check session files: %w", err)
	}
	if len(existing) > 0 && !overwrite {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, strings.Join(existing, ", "))
	}

	ok, err := m.startWriter(s.Base, m.cfg.Timeouts.Start())
	if err != nil {
		return nil, fmt.Errorf("failed to start writer: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("writer did not start within %v", m.cfg.Timeouts.Start())
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	slog.Info("session opened", "session_id", s.ID, "base", s.Base, "overwrite", len(existing) > 0)
	return s, nil
}

// Session returns the open session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// SaveSession stops the writer keeping its files and, when a pose worker is
// running, saves the accumulated poses next to them. Recording must be
// stopped first.
func (m *Manager) SaveSession() (SaveResult, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	s, err := m.closableSession()
	if err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{Session: *s}
	res.Video = m.stopWriter(true)
	if m.alive(protocol.Pose) {
		res.Pose, err = m.savePose(s.Base, m.cfg.Timeouts.Save())
		if err != nil {
			slog.Error("pose save failed", "session_id", s.ID, "error", err)
		}
	}

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	if !res.Video {
		slog.Warn("no frames recorded, video deleted", "session_id", s.ID, "base", s.Base)
	} else {
		slog.Info("session saved", "session_id", s.ID, "base", s.Base, "pose", res.Pose)
	}
	return res, err
}

// DeleteSession stops the writer, deletes the recording and drops the
// pose samples accumulated for it.
func (m *Manager) DeleteSession() error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	s, err := m.closableSession()
	if err != nil {
		return err
	}
	m.stopWriter(false)
	cleared := m.clearPose(m.cfg.Timeouts.Stop())

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	if !cleared {
		slog.Warn("session deleted, pose samples not cleared", "session_id", s.ID, "base", s.Base)
		return fmt.Errorf("pose worker did not drop the session's samples")
	}
	slog.Info("session deleted", "session_id", s.ID, "base", s.Base)
	return nil
}

func (m *Manager) closableSession() (*Session, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	if m.recording {
		return nil, ErrRecording
	}
	return m.session, nil
}
