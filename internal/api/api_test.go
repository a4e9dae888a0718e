package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/core"
	"github.com/e7canasta/poselive/internal/emitter"
	"github.com/e7canasta/poselive/internal/manager"
	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/types"
)

type fakePipeline struct {
	mu      sync.Mutex
	health  string
	err     error // returned by every command
	started string
	frame   *types.Frame
	pose    *types.PoseSample
	bus     *posebus.Bus
}

func newFake() *fakePipeline {
	return &fakePipeline{health: "healthy", bus: posebus.New()}
}

func (f *fakePipeline) Status() core.Status { return core.Status{InstanceID: "rig"} }
func (f *fakePipeline) HealthCheck() core.HealthStatus {
	return core.HealthStatus{Status: f.health, UptimeSeconds: 12}
}
func (f *fakePipeline) StartCamera() error { return f.err }
func (f *fakePipeline) StopCamera() error  { return f.err }
func (f *fakePipeline) StartPose(name string) error {
	if name == "missing" {
		return fmt.Errorf("pose options %q: %w", name, config.ErrNotFound)
	}
	f.mu.Lock()
	f.started = name
	f.mu.Unlock()
	return f.err
}
func (f *fakePipeline) StopPose() error { return f.err }
func (f *fakePipeline) OpenSession(dir, subject string, attempt int, overwrite bool) (*manager.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &manager.Session{ID: "s1", Subject: subject, Attempt: attempt, Base: dir + "/x"}, nil
}
func (f *fakePipeline) StartRecord() error { return f.err }
func (f *fakePipeline) StopRecord() error  { return f.err }
func (f *fakePipeline) SaveSession() (manager.SaveResult, error) {
	if f.err != nil {
		return manager.SaveResult{}, f.err
	}
	return manager.SaveResult{Session: manager.Session{ID: "s1"}, Video: true}, nil
}
func (f *fakePipeline) DeleteSession() error { return f.err }
func (f *fakePipeline) DisplayFrame() (types.Frame, bool) {
	if f.frame == nil {
		return types.Frame{}, false
	}
	return *f.frame, true
}
func (f *fakePipeline) DisplayPose() (types.PoseSample, bool) {
	if f.pose == nil {
		return types.PoseSample{}, false
	}
	return *f.pose, true
}
func (f *fakePipeline) Display() core.DisplayOptions {
	return core.DisplayOptions{Resize: 0.5, Cutoff: 0.5, Radius: 1}
}
func (f *fakePipeline) Bus() *posebus.Bus  { return f.bus }
func (f *fakePipeline) InstanceID() string { return "rig" }
func (f *fakePipeline) PoseMeta() emitter.Meta {
	return emitter.Meta{Camera: "top", Bodyparts: []string{"snout"}}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	p := newFake()
	p.health = "unhealthy"
	h := NewRouter(p)

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readiness", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readiness while unhealthy = %d", rec.Code)
	}
	p.health = "degraded"
	if rec := do(t, h, http.MethodGet, "/readiness", ""); rec.Code != http.StatusOK {
		t.Errorf("/readiness while degraded = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/status", "")
	var st core.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.InstanceID != "rig" {
		t.Errorf("/status = %s, %v", rec.Body.String(), err)
	}
}

func TestCommandStatusCodes(t *testing.T) {
	tests := []struct {
		method, path string
		err          error
		want         int
	}{
		{http.MethodPost, "/camera/start", nil, http.StatusOK},
		{http.MethodPost, "/camera/start", fmt.Errorf("camera: %w", core.ErrTimeout), http.StatusGatewayTimeout},
		{http.MethodPost, "/camera/stop", errors.New("boom"), http.StatusInternalServerError},
		{http.MethodPost, "/pose/stop", nil, http.StatusOK},
		{http.MethodPost, "/record/start", core.ErrRecordNotReady, http.StatusConflict},
		{http.MethodPost, "/record/stop", nil, http.StatusOK},
		{http.MethodDelete, "/session", manager.ErrNoSession, http.StatusNotFound},
		{http.MethodPost, "/session/save", manager.ErrRecording, http.StatusConflict},
		{http.MethodGet, "/camera/start", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		p := newFake()
		p.err = tt.err
		rec := do(t, NewRouter(p), tt.method, tt.path, "")
		if rec.Code != tt.want {
			t.Errorf("%s %s with %v = %d, want %d", tt.method, tt.path, tt.err, rec.Code, tt.want)
		}
	}
}

func TestStartPose(t *testing.T) {
	p := newFake()
	h := NewRouter(p)

	if rec := do(t, h, http.MethodPost, "/pose/start", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("start without estimator = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/pose/start", `{"estimator":"missing"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("start with unknown estimator = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/pose/start", `{"estimator":"dlc"}`); rec.Code != http.StatusOK || p.started != "dlc" {
		t.Errorf("start = %d, started %q", rec.Code, p.started)
	}
}

func TestNewSession(t *testing.T) {
	p := newFake()
	h := NewRouter(p)

	if rec := do(t, h, http.MethodPost, "/session", `{"directory":"/data"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("session without subject = %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/session", `{"directory":"/data","subject":"m2","attempt":4}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("new session = %d: %s", rec.Code, rec.Body.String())
	}
	var sess manager.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil || sess.Subject != "m2" || sess.Attempt != 4 {
		t.Errorf("session = %+v, %v", sess, err)
	}

	p.err = manager.ErrSessionExists
	if rec := do(t, h, http.MethodPost, "/session", `{"subject":"m2"}`); rec.Code != http.StatusConflict {
		t.Errorf("existing session = %d", rec.Code)
	}
}

func TestFrame(t *testing.T) {
	p := newFake()
	h := NewRouter(p)

	if rec := do(t, h, http.MethodGet, "/frame.jpg", ""); rec.Code != http.StatusNotFound {
		t.Errorf("frame before capture = %d", rec.Code)
	}

	p.frame = &types.Frame{Seq: 9, Width: 8, Height: 4, Data: bytes.Repeat([]byte{200}, 8*4*3)}
	p.pose = &types.PoseSample{Pose: types.Pose{{X: 1, Y: 1, Likelihood: 0.9}}}

	for _, path := range []string{"/frame.jpg", "/frame.jpg?overlay=1"} {
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
			t.Fatalf("%s = %d %q", path, rec.Code, rec.Header().Get("Content-Type"))
		}
		if rec.Header().Get("X-Frame-Seq") != "9" {
			t.Errorf("%s X-Frame-Seq = %q", path, rec.Header().Get("X-Frame-Seq"))
		}
		img, err := jpeg.Decode(rec.Body)
		if err != nil {
			t.Fatalf("%s is not a JPEG: %v", path, err)
		}
		if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
			t.Errorf("%s size = %v, want 4x2", path, b)
		}
	}
}

func TestPose(t *testing.T) {
	p := newFake()
	h := NewRouter(p)

	if rec := do(t, h, http.MethodGet, "/pose", ""); rec.Code != http.StatusNotFound {
		t.Errorf("pose before estimation = %d", rec.Code)
	}

	p.pose = &types.PoseSample{FrameSeq: 5, Pose: types.Pose{{X: 1, Y: 2, Likelihood: 0.9}}}
	rec := do(t, h, http.MethodGet, "/pose", "")
	var msg emitter.PoseMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("/pose body: %v", err)
	}
	if msg.FrameSeq != 5 || msg.Camera != "top" || msg.Keypoints[0].Bodypart != "snout" {
		t.Errorf("/pose = %+v", msg)
	}
}

func TestPoseStream(t *testing.T) {
	p := newFake()
	srv := httptest.NewServer(NewRouter(p))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pose/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	// the handler subscribes asynchronously; keep publishing until a pose arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for seq := uint64(1); ; seq++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.bus.Publish(types.PoseSample{FrameSeq: seq, Pose: types.Pose{{X: 3, Y: 4, Likelihood: 1}}})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg emitter.PoseMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	if msg.FrameSeq == 0 || msg.InstanceID != "rig" || len(msg.Keypoints) != 1 || msg.Keypoints[0].X != 3 {
		t.Errorf("streamed pose = %+v", msg)
	}
}
