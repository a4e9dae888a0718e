// Package core wires one camera's pipeline to its outer surfaces: the MQTT
// emitter, the MQTT control plane and the HTTP API.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/control"
	"github.com/e7canasta/poselive/internal/emitter"
	"github.com/e7canasta/poselive/internal/manager"
)

// statusInterval is how often the retained status message is refreshed.
const statusInterval = 5 * time.Second

// mqttSubscriber is the pose bus id of the MQTT emitter.
const mqttSubscriber = "mqtt"

// Service is the poselive daemon: one camera, its workers and the
// transports in front of them.
type Service struct {
	cfg        *config.Config
	configPath string
	camera     string
	mgr        *manager.Manager

	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// New creates the service for camera. An empty camera name selects the
// first camera in name order. configPath is where subject and directory
// additions are persisted; empty disables persistence.
func New(cfg *config.Config, configPath, camera string) (*Service, error) {
	if camera == "" {
		names := sortedKeys(cfg.Cameras)
		if len(names) == 0 {
			return nil, fmt.Errorf("no cameras configured")
		}
		camera = names[0]
	}

	cam, err := cfg.Camera(camera)
	if err != nil {
		return nil, err
	}

	mgr, err := manager.New(manager.Config{
		CameraName:   camera,
		Camera:       cam,
		Timeouts:     cfg.Timeouts,
		SharedMemory: cfg.SharedMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	slog.Info("service configured",
		"instance_id", cfg.InstanceID,
		"camera", camera,
		"kind", cam.Kind,
		"pose_options", len(cfg.PoseOptions),
	)

	return &Service{
		cfg:        cfg,
		configPath: configPath,
		camera:     camera,
		mgr:        mgr,
	}, nil
}

// Run connects the MQTT surfaces, when a broker is configured, and blocks
// until ctx is cancelled or a shutdown command arrives.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("poselive service starting",
		"instance_id", s.cfg.InstanceID,
		"camera", s.camera,
	)

	if s.cfg.MQTT.Broker != "" {
		if err := s.startMQTT(ctx); err != nil {
			return err
		}
	} else {
		slog.Info("mqtt disabled (no broker configured)")
	}

	slog.Info("poselive service running")

	<-ctx.Done()

	slog.Info("poselive service run loop exiting")
	return nil
}

func (s *Service) startMQTT(ctx context.Context) error {
	em := emitter.NewMQTTEmitter(s.cfg.MQTT, s.cfg.InstanceID)
	if err := em.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	handler := control.NewHandler(s.cfg.MQTT, em.Client, s.callbacks())
	if err := handler.Start(ctx); err != nil {
		em.Disconnect()
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	s.mu.Lock()
	s.emitter = em
	s.controlHandler = handler
	s.mu.Unlock()

	read := s.mgr.Bus().Subscribe(mqttSubscriber)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		em.Run(ctx, read, s.PoseMeta)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishStatus(ctx, em)
	}()

	return nil
}

// publishStatus keeps the retained status topic current.
func (s *Service) publishStatus(ctx context.Context, em *emitter.MQTTEmitter) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		if err := em.PublishStatus(s.Status()); err != nil {
			slog.Debug("status publish failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PoseMeta names the source of live poses: camera, open session and body parts.
func (s *Service) PoseMeta() emitter.Meta {
	meta := emitter.Meta{
		Camera:    s.camera,
		Bodyparts: s.mgr.Bodyparts(),
	}
	if sess, ok := s.mgr.Session(); ok {
		meta.SessionID = sess.ID
	}
	return meta
}

// Shutdown stops every worker, discarding an unsaved recording, and then
// the MQTT surfaces. It is safe to call without Run.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := s.isRunning
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	handler, em := s.controlHandler, s.emitter
	s.mu.Unlock()

	slog.Info("shutting down poselive service")

	// Shutdown sequence:
	// 1. Stop accepting commands
	if handler != nil {
		slog.Info("stopping control handler")
		if err := handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Release the emitter from the pose bus and wait for it
	s.mgr.Bus().Unsubscribe(mqttSubscriber)
	slog.Info("waiting for goroutines to finish")
	s.wg.Wait()

	// 3. Stop workers (writer, pose, capture) and unmap the frame buffer
	var errs []error
	if err := s.mgr.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop pipeline: %w", err))
	}

	// 4. Disconnect MQTT
	if em != nil {
		if err := em.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	if running {
		slog.Info("poselive service shutdown complete", "uptime", uptime)
	}
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
// Returns default of 5 seconds if not configured
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := s.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second // Default
	}
	return timeout
}

// InstanceID returns the configured instance id.
func (s *Service) InstanceID() string { return s.cfg.InstanceID }

// Camera returns the name of the camera this service drives.
func (s *Service) Camera() string { return s.camera }

// Manager exposes the pipeline orchestrator.
func (s *Service) Manager() *manager.Manager { return s.mgr }

func (s *Service) callbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:   func() interface{} { return s.Status() },
		OnStartCamera: s.StartCamera,
		OnStopCamera:  s.StopCamera,
		OnStartPose:   s.StartPose,
		OnStopPose:    s.StopPose,
		OnNewSession: func(p control.SessionParams) (interface{}, error) {
			return s.OpenSession(p.Directory, p.Subject, p.Attempt, p.Overwrite)
		},
		OnStartRecord:   s.StartRecord,
		OnStopRecord:    s.StopRecord,
		OnSaveSession:   func() (interface{}, error) { return s.SaveSession() },
		OnDeleteSession: s.DeleteSession,
		OnShutdown:      s.shutdownViaControl,
	}
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	// Run() returns and main handles the graceful shutdown sequence
	s.cancelCtx()
	return nil
}
