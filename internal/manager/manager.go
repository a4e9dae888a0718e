// Package manager orchestrates the capture, writer and pose workers of one
// camera. Each worker runs in its own OS process started through
// workerproc; the manager owns the file-backed frame buffer they share and
// turns each control operation into a command plus a bounded wait for the
// worker's acknowledgement.
//
// Waits fail closed: a missing acknowledgement returns false, not an error.
// Errors are reserved for worker failure reports and protocol misuse.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/device"
	"github.com/e7canasta/poselive/internal/pose"
	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/queue"
	"github.com/e7canasta/poselive/internal/rate"
	"github.com/e7canasta/poselive/internal/shm"
	"github.com/e7canasta/poselive/internal/types"
	"github.com/e7canasta/poselive/internal/workerproc"
)

var (
	// ErrNoPose is returned by pose operations when no pose worker is running.
	ErrNoPose = errors.New("manager: no pose worker running")
	// ErrNotRunning is returned when an operation needs a worker that is not running.
	ErrNotRunning = errors.New("manager: worker not running")
	// ErrAlreadyRunning is returned when starting a worker that is still alive.
	ErrAlreadyRunning = errors.New("manager: worker already running")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("manager: closed")
)

// rateWindow is the number of capture times kept for rate statistics.
const rateWindow = 300

// Config wires a manager to one camera.
type Config struct {
	CameraName string
	Camera     config.CameraConfig
	Timeouts   config.TimeoutsConfig
	// SharedMemory is the frame buffer file the worker processes attach to.
	// When empty a file under /dev/shm (or the temp dir) is created and
	// removed on Close.
	SharedMemory string
	// Quality is the JPEG quality of recorded frames (0 = default).
	Quality int
	Bus     *posebus.Bus // optional; created when nil
	// WorkerCommand is the binary started for each worker. It defaults to
	// the running executable, whose main must call workerproc.Main when
	// workerproc.IsWorker.
	WorkerCommand string
}

// Manager supervises the workers of one camera.
type Manager struct {
	cfg    Config
	width  int
	height int
	fps    float64

	bufPath  string
	ownsFile bool
	buf      *shm.Buffer
	ch       *protocol.Channel
	displayQ *queue.Queue[types.PoseSample]
	tracker  *rate.Tracker
	bus      *posebus.Bus
	dropped  atomic.Uint64 // recorded frames with no writer to take them

	ctx    context.Context
	cancel context.CancelFunc

	// ctl serializes control operations; each one may block on a worker.
	ctl sync.Mutex

	mu        sync.RWMutex
	closed    bool
	capture   *handle
	writer    *handle
	pose      *handle
	poseName  string
	recording bool
	session   *Session

	displayMu    sync.Mutex
	lastFrame    types.Frame
	hasFrame     bool
	lastPose     types.PoseSample
	hasPose      bool
	displayScale float64
}

// New creates the frame buffer for the configured camera. The device is
// only built to learn its frame size and rate; the capture process opens
// its own. No worker runs until one is started.
func New(cfg Config) (*Manager, error) {
	dev, err := device.New(cfg.Camera)
	if err != nil {
		return nil, fmt.Errorf("failed to create camera %q: %w", cfg.CameraName, err)
	}
	width, height := dev.Size()

	if cfg.WorkerCommand == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		cfg.WorkerCommand = exe
	}

	path, owns := cfg.SharedMemory, false
	if path == "" {
		path, owns = defaultBufferPath(), true
	}
	buf, err := shm.Create(path, width, height)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate frame buffer: %w", err)
	}

	if cfg.Bus == nil {
		cfg.Bus = posebus.New()
	}
	if cfg.Timeouts.StartS <= 0 {
		cfg.Timeouts.StartS = 10
	}
	if cfg.Timeouts.StopS <= 0 {
		cfg.Timeouts.StopS = 5
	}
	if cfg.Timeouts.SaveS <= 0 {
		cfg.Timeouts.SaveS = 10
	}
	scale := cfg.Camera.DisplayResize
	if scale <= 0 {
		scale = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		width:        width,
		height:       height,
		fps:          dev.FPS(),
		bufPath:      path,
		ownsFile:     owns,
		buf:          buf,
		ch:           protocol.NewChannel(),
		displayQ:     queue.New[types.PoseSample](1),
		tracker:      rate.NewTracker(rateWindow),
		bus:          cfg.Bus,
		ctx:          ctx,
		cancel:       cancel,
		displayScale: scale,
	}

	slog.Info("manager created",
		"camera", cfg.CameraName,
		"width", width,
		"height", height,
		"fps", m.fps,
		"shared_memory", path,
		"worker_command", cfg.WorkerCommand,
	)
	return m, nil
}

func defaultBufferPath() string {
	dir := os.TempDir()
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		dir = "/dev/shm"
	}
	return filepath.Join(dir, "poselive-"+uuid.NewString()+".frames")
}

// Bus returns the pose bus live consumers subscribe to.
func (m *Manager) Bus() *posebus.Bus { return m.bus }

// Buffer returns the shared frame buffer.
func (m *Manager) Buffer() *shm.Buffer { return m.buf }

// BufferPath returns the file backing the shared frame buffer.
func (m *Manager) BufferPath() string { return m.bufPath }

// CameraName returns the configured camera name.
func (m *Manager) CameraName() string { return m.cfg.CameraName }

// DisplayResize returns the factor display images and poses are scaled by.
func (m *Manager) DisplayResize() float64 { return m.displayScale }

// Bodyparts returns the body part names of the running pose estimator.
func (m *Manager) Bodyparts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.pose.alive() {
		return nil
	}
	return m.pose.report().Bodyparts
}

// forwardFrame hands a frame recorded by the capture process to the writer
// process.
func (m *Manager) forwardFrame(f types.Frame) {
	m.mu.RLock()
	w := m.writer
	m.mu.RUnlock()
	if w == nil || !w.proc.SendFrame(f) {
		if m.dropped.Add(1) == 1 {
			slog.Warn("recorded frame has no writer, dropping", "seq", f.Seq)
		}
	}
}

// onTick records a captured frame and wakes the pose process.
func (m *Manager) onTick(t workerproc.Tick) {
	m.tracker.Record(t.Time)
	m.buf.Notify()

	m.mu.RLock()
	p := m.pose
	m.mu.RUnlock()
	if p.alive() {
		p.proc.Tick(t)
	}
}

// onSample publishes a pose from the pose process.
func (m *Manager) onSample(s types.PoseSample) {
	m.displayQ.Write(s, true)
	m.bus.Publish(s)
}

// StartCapture starts the capture worker and waits for it to open the
// device. A device failure is returned as an error; a timeout returns false
// and stops the worker.
func (m *Manager) StartCapture(timeout time.Duration) (bool, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.startCapture(timeout)
}

func (m *Manager) startCapture(timeout time.Duration) (bool, error) {
	if err := m.usable(); err != nil {
		return false, err
	}
	if m.alive(protocol.Capture) {
		return false, ErrAlreadyRunning
	}

	m.ch.Purge(protocol.Capture)
	h, err := m.spawn(workerproc.Spec{
		Subsystem: protocol.Capture,
		Buffer:    m.bufPath,
		Camera:    m.cfg.Camera,
	}, workerproc.Sink{Frame: m.forwardFrame, Tick: m.onTick})
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.capture = h
	m.mu.Unlock()

	return m.awaitStart(h, timeout)
}

// StartWriter starts the writer worker for the recording at base and waits
// for it to create its files.
func (m *Manager) StartWriter(base string, timeout time.Duration) (bool, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.startWriter(base, timeout)
}

func (m *Manager) startWriter(base string, timeout time.Duration) (bool, error) {
	if err := m.usable(); err != nil {
		return false, err
	}
	if m.alive(protocol.Writer) {
		return false, ErrAlreadyRunning
	}
	if base == "" {
		return false, fmt.Errorf("writer needs a base name")
	}

	m.ch.Purge(protocol.Writer)
	if n := m.dropped.Swap(0); n > 0 {
		slog.Warn("recorded frames were dropped without a writer", "frames", n)
	}
	h, err := m.spawn(workerproc.Spec{
		Subsystem: protocol.Writer,
		Writer: workerproc.WriterSpec{
			Base:    base,
			Width:   m.width,
			Height:  m.height,
			FPS:     m.fps,
			Quality: m.cfg.Quality,
		},
	}, workerproc.Sink{})
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.writer = h
	m.mu.Unlock()

	return m.awaitStart(h, timeout)
}

// StartPose starts the pose worker with params. The worker acknowledges
// after running its first inference, so capture must be delivering frames
// before the timeout elapses.
func (m *Manager) StartPose(params pose.Params, timeout time.Duration) (bool, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if err := m.usable(); err != nil {
		return false, err
	}
	if m.alive(protocol.Pose) {
		return false, ErrAlreadyRunning
	}

	m.ch.Purge(protocol.Pose)
	m.displayQ.Clear()
	h, err := m.spawn(workerproc.Spec{
		Subsystem: protocol.Pose,
		Buffer:    m.bufPath,
		Pose:      params,
	}, workerproc.Sink{Sample: m.onSample})
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.pose, m.poseName = h, params.Name
	m.mu.Unlock()

	m.displayMu.Lock()
	m.hasPose = false
	m.displayMu.Unlock()

	return m.awaitStart(h, timeout)
}

// StartRecord puts capture (and pose, if running) into write mode. It
// returns false unless both capture and writer are running. A partial
// toggle is rolled back.
func (m *Manager) StartRecord(timeout time.Duration) bool {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.toggleRecord(true, timeout)
}

// StopRecord takes capture (and pose, if running) out of write mode. It
// returns false unless both capture and writer are running.
func (m *Manager) StopRecord(timeout time.Duration) bool {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.toggleRecord(false, timeout)
}

func (m *Manager) toggleRecord(on bool, timeout time.Duration) bool {
	if m.usable() != nil {
		return false
	}
	if !m.alive(protocol.Capture) || !m.alive(protocol.Writer) {
		slog.Warn("record toggle needs capture and writer running", "record", on)
		return false
	}

	targets := []protocol.Subsystem{protocol.Capture}
	if m.alive(protocol.Pose) {
		targets = append(targets, protocol.Pose)
	}
	var toggled []protocol.Subsystem
	for _, s := range targets {
		if !m.setWriteMode(s, on, timeout) {
			m.rollbackRecord(on, toggled, timeout)
			slog.Warn("record toggle failed", "record", on, "subsystem", s, "session_id", m.sessionID())
			return false
		}
		toggled = append(toggled, s)
	}

	m.mu.Lock()
	m.recording = on
	m.mu.Unlock()
	slog.Info("record toggled", "record", on, "session_id", m.sessionID())
	return true
}

// rollbackRecord returns the workers in toggled to the mode they had before
// a failed toggle. If one of them does not follow, the recording flag
// mirrors what capture last reported.
func (m *Manager) rollbackRecord(on bool, toggled []protocol.Subsystem, timeout time.Duration) {
	restored := true
	for _, s := range toggled {
		if !m.setWriteMode(s, !on, timeout) {
			slog.Error("record rollback not acknowledged", "subsystem", s, "record", !on)
			restored = false
		}
	}

	recording := !on
	if !restored {
		recording = m.handleFor(protocol.Capture).report().Writing
	}
	m.mu.Lock()
	m.recording = recording
	m.mu.Unlock()
}

// setWriteMode reports whether the worker acknowledged the requested mode.
func (m *Manager) setWriteMode(s protocol.Subsystem, on bool, timeout time.Duration) bool {
	if !m.handleFor(s).send(protocol.Command(s, protocol.Write, on)) {
		return false
	}
	reply, ok := m.ch.Await(m.ctx, s, protocol.Write, timeout)
	if !ok {
		slog.Warn("write toggle not acknowledged", "subsystem", s, "timeout", timeout)
		return false
	}
	if reply.IsError() {
		slog.Error("worker failed during write toggle", "subsystem", s, "error", reply.Err)
		return false
	}
	b, _ := reply.Result.(bool)
	return b == on
}

// StopCapture stops the capture worker. It reports whether the worker
// acknowledged the stop; a worker that does not is killed.
func (m *Manager) StopCapture() bool {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.stopCapture()
}

func (m *Manager) stopCapture() bool {
	m.mu.RLock()
	h := m.capture
	m.mu.RUnlock()

	reply, ok := m.stop(h, protocol.Command(protocol.Capture, protocol.End, nil), m.cfg.Timeouts.Stop())

	m.mu.Lock()
	m.recording = false
	m.mu.Unlock()
	return ok && reply.OK()
}

// StopWriter ends the recording. With save set the writer drains its queue
// and keeps the files; the result reports whether a recording was saved.
// Capture is taken out of write mode first if it is still recording.
func (m *Manager) StopWriter(save bool) bool {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.stopWriter(save)
}

func (m *Manager) stopWriter(save bool) bool {
	m.mu.RLock()
	h, recording := m.writer, m.recording
	m.mu.RUnlock()
	if h == nil {
		return false
	}
	sessionID := m.sessionID()

	if recording {
		// the writer may already be gone, so toggleRecord's check does not apply
		for _, s := range []protocol.Subsystem{protocol.Capture, protocol.Pose} {
			if m.alive(s) {
				m.setWriteMode(s, false, m.cfg.Timeouts.Stop())
			}
		}
		m.mu.Lock()
		m.recording = false
		m.mu.Unlock()
	}

	reply, ok := m.stop(h, protocol.Command(protocol.Writer, protocol.End, save), m.cfg.Timeouts.Save())

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	if ok && reply.IsError() {
		slog.Error("writer failed while stopping", "error", reply.Err, "session_id", sessionID)
		return false
	}
	return ok && reply.OK()
}

// StopPose stops the pose worker. Unsaved samples are lost.
func (m *Manager) StopPose() bool {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.stopPose()
}

func (m *Manager) stopPose() bool {
	m.mu.RLock()
	h := m.pose
	m.mu.RUnlock()

	reply, ok := m.stop(h, protocol.Command(protocol.Pose, protocol.End, nil), m.cfg.Timeouts.Stop())
	return ok && reply.OK()
}

// SavePose writes the accumulated pose samples to base's pose table (and
// the processor's output, when one is configured). It returns false
// without error when nothing was accumulated or the acknowledgement timed
// out.
func (m *Manager) SavePose(base string, timeout time.Duration) (bool, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.savePose(base, timeout)
}

func (m *Manager) savePose(base string, timeout time.Duration) (bool, error) {
	if err := m.usable(); err != nil {
		return false, err
	}
	if !m.alive(protocol.Pose) {
		return false, ErrNoPose
	}

	m.handleFor(protocol.Pose).send(protocol.Command(protocol.Pose, protocol.Save, base))
	reply, ok := m.ch.Await(m.ctx, protocol.Pose, protocol.Save, timeout)
	if !ok {
		slog.Warn("pose save not acknowledged", "base", base, "timeout", timeout)
		return false, nil
	}
	if reply.Err != nil {
		return false, reply.Err
	}
	return reply.OK(), nil
}

// clearPose drops the samples the pose worker accumulated. It reports
// whether the worker acknowledged.
func (m *Manager) clearPose(timeout time.Duration) bool {
	if !m.alive(protocol.Pose) {
		return true
	}
	m.handleFor(protocol.Pose).send(protocol.Command(protocol.Pose, protocol.Clear, nil))
	reply, ok := m.ch.Await(m.ctx, protocol.Pose, protocol.Clear, timeout)
	if !ok {
		slog.Warn("pose clear not acknowledged", "timeout", timeout)
		return false
	}
	return reply.OK()
}

// DisplayFrame returns the newest captured frame, or the last one seen.
// ok is false until the first frame arrives.
func (m *Manager) DisplayFrame() (types.Frame, bool) {
	m.displayMu.Lock()
	defer m.displayMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return m.lastFrame, m.hasFrame
	}

	// the buffer is only released under displayMu, after closed is set
	if seq := m.buf.Latest().Seq; seq != 0 && (!m.hasFrame || seq != m.lastFrame.Seq) {
		if f, ok := m.buf.Snapshot(); ok {
			m.lastFrame, m.hasFrame = f, true
		}
	}
	return m.lastFrame, m.hasFrame
}

// DisplayPose returns the newest pose scaled for display, or the last one
// seen. ok is false until the pose worker publishes its first pose.
func (m *Manager) DisplayPose() (types.PoseSample, bool) {
	m.displayMu.Lock()
	defer m.displayMu.Unlock()

	if s, ok := m.displayQ.Read(); ok {
		m.lastPose, m.hasPose = pose.ScalePose(s, m.displayScale), true
	}
	return m.lastPose, m.hasPose
}

// Close stops every worker (discarding an unsaved recording), releases the
// frame buffer and closes the pose bus. Workers still running when ctx is
// done are killed.
func (m *Manager) Close(ctx context.Context) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.RLock()
	closed := m.closed
	handles := []*handle{m.writer, m.pose, m.capture}
	m.mu.RUnlock()
	if closed {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.stopWriter(false)
		m.stopPose()
		m.stopCapture()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("manager close interrupted, killing workers", "error", ctx.Err())
		for _, h := range handles {
			h.terminate()
		}
		m.cancel()
		<-done
	}
	m.cancel()

	m.mu.Lock()
	m.closed = true
	m.session = nil
	m.mu.Unlock()

	m.bus.Close()
	for _, h := range handles {
		if h.alive() && !h.join(m.cfg.Timeouts.Stop()) {
			slog.Error("worker process still running at close, frame buffer left in place",
				"subsystem", h.subsystem,
				"pid", h.proc.Pid(),
			)
			return fmt.Errorf("%s worker did not exit", h.subsystem)
		}
	}

	m.displayMu.Lock()
	err := m.buf.Close()
	m.displayMu.Unlock()
	if m.ownsFile {
		if rmErr := os.Remove(m.bufPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("failed to remove frame buffer file: %w", rmErr))
		}
	}
	slog.Info("manager closed", "camera", m.cfg.CameraName)
	return err
}

func (m *Manager) usable() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) handleFor(s protocol.Subsystem) *handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch s {
	case protocol.Capture:
		return m.capture
	case protocol.Writer:
		return m.writer
	case protocol.Pose:
		return m.pose
	}
	return nil
}

func (m *Manager) alive(s protocol.Subsystem) bool {
	return m.handleFor(s).alive()
}

// awaitStart waits for h's start acknowledgement. A worker that reports an
// error or stays silent is joined or killed before returning.
func (m *Manager) awaitStart(h *handle, timeout time.Duration) (bool, error) {
	reply, ok := m.ch.Await(m.ctx, h.subsystem, protocol.Start, timeout)
	if !ok {
		slog.Warn("start not acknowledged, killing worker", "subsystem", h.subsystem, "timeout", timeout)
		m.reap(h)
		return false, nil
	}
	if reply.IsError() {
		m.reap(h)
		return false, reply.Err
	}
	slog.Info("worker started", "subsystem", h.subsystem, "pid", h.proc.Pid())
	return reply.OK(), nil
}

// stop sends cmd to the worker behind h, waits up to timeout for the
// acknowledgement, then joins the process, killing it if the join times
// out. ok is false when no worker was running or nothing was acknowledged.
func (m *Manager) stop(h *handle, cmd protocol.Message, timeout time.Duration) (protocol.Message, bool) {
	if !h.alive() {
		if h != nil {
			// report a failure the worker posted before exiting
			if errs := m.ch.Errors(h.subsystem); len(errs) > 0 {
				slog.Warn("worker had already failed", "subsystem", h.subsystem, "error", errs[len(errs)-1].Err)
			}
		}
		return protocol.Message{}, false
	}

	h.send(cmd)
	reply, ok := m.ch.Await(m.ctx, h.subsystem, cmd.Action, timeout)
	if !ok {
		slog.Warn("stop not acknowledged", "subsystem", h.subsystem, "timeout", timeout)
	}
	m.reap(h)
	m.ch.Purge(h.subsystem)
	return reply, ok
}

// reap joins h within the stop timeout, killing the process if it does not
// exit.
func (m *Manager) reap(h *handle) {
	if h.join(m.cfg.Timeouts.Stop()) {
		return
	}
	slog.Warn("worker did not exit, killing process", "subsystem", h.subsystem, "pid", h.proc.Pid())
	h.terminate()
	if !h.join(m.cfg.Timeouts.Stop()) {
		slog.Error("worker still running after kill", "subsystem", h.subsystem, "pid", h.proc.Pid())
	}
}

func (m *Manager) sessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}
