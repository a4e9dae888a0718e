package estimator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/types"
)

const helperEnv = "POSELIVE_ESTIMATOR_HELPER"

// TestMain doubles as the estimator process when the helper variable is set.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		est, _ := NewFixed([]string{"nose", "tail"}, testPose())
		fmt.Fprintln(os.Stderr, "[INFO] helper estimator ready")
		if err := Serve(os.Stdin, os.Stdout, est); err != nil {
			fmt.Fprintln(os.Stderr, "[ERROR]", err)
			os.Exit(1)
		}
		os.Exit(0)
	case "hang":
		// read requests, never answer
		io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
	case "lazy":
		// no warm-up pose and no body part names
		for {
			var req Request
			if err := protocol.Decode(os.Stdin, &req); err != nil {
				os.Exit(0)
			}
			var resp Response
			if req.Type == RequestPose {
				resp.Pose = testPose()
			}
			protocol.Encode(os.Stdout, resp)
		}
	case "crash":
		var req Request
		protocol.Decode(os.Stdin, &req)
		os.Exit(3)
	}
}

func testPose() types.Pose {
	return types.Pose{{X: 1, Y: 2, Likelihood: 0.9}, {X: 3, Y: 4, Likelihood: 0.8}}
}

func testFrame() types.Frame {
	return types.Frame{Seq: 7, Timestamp: time.Now(), Width: 2, Height: 1, Data: []byte{1, 2, 3, 4, 5, 6}}
}

func helperProcess(t *testing.T, mode string, timeout time.Duration) *Process {
	t.Helper()
	p, err := NewProcess(context.Background(), ProcessConfig{
		Command:   os.Args[0],
		Env:       []string{helperEnv + "=" + mode},
		Timeout:   timeout,
		StopGrace: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProcess() failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFixed(t *testing.T) {
	est, err := NewFixed(nil, testPose())
	if err != nil {
		t.Fatalf("NewFixed() failed: %v", err)
	}
	if got := est.Bodyparts(); len(got) != 2 || got[0] != "bp0" || got[1] != "bp1" {
		t.Errorf("Bodyparts() = %v, want [bp0 bp1]", got)
	}

	pose, err := est.InitInference(testFrame())
	if err != nil {
		t.Fatalf("InitInference() failed: %v", err)
	}
	pose[0].X = 100
	again, _ := est.Pose(testFrame())
	if again[0].X != 1 {
		t.Error("Pose() returned a shared slice")
	}

	if _, err := est.Pose(types.Frame{}); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Pose(empty) error = %v, want ErrEmptyFrame", err)
	}
}

func TestFixedBodypartMismatch(t *testing.T) {
	if _, err := NewFixed([]string{"nose"}, testPose()); err == nil {
		t.Error("NewFixed() accepted 1 bodypart for 2 keypoints")
	}
	if _, err := NewFixed(nil, nil); err == nil {
		t.Error("NewFixed() accepted an empty pose")
	}
}

func TestNewFromOptions(t *testing.T) {
	est, err := New(context.Background(), config.PoseOptions{
		Kind:      "fixed",
		Bodyparts: []string{"a", "b", "c"},
		FixedPose: [][]float64{{10, 10, 0.9}, {20, 20, 0.8}, {30, 30, 0.95}},
	})
	if err != nil {
		t.Fatalf("New(fixed) failed: %v", err)
	}
	pose, _ := est.Pose(testFrame())
	if len(pose) != 3 || pose[2].Likelihood != 0.95 {
		t.Errorf("Pose() = %v", pose)
	}

	if _, err := New(context.Background(), config.PoseOptions{Kind: "onnx"}); err == nil {
		t.Error("New(onnx) succeeded")
	}
}

func TestRegister(t *testing.T) {
	Register("constant", func(_ context.Context, opts config.PoseOptions) (Estimator, error) {
		return NewFixed(opts.Bodyparts, types.Pose{{X: 5, Y: 5, Likelihood: 1}})
	})

	est, err := New(context.Background(), config.PoseOptions{Kind: "constant", Bodyparts: []string{"head"}})
	if err != nil {
		t.Fatalf("New(constant) failed: %v", err)
	}
	if got := est.Bodyparts(); len(got) != 1 || got[0] != "head" {
		t.Errorf("Bodyparts() = %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("Register() accepted a duplicate kind")
		}
	}()
	Register("fixed", newFixed)
}

func TestServe(t *testing.T) {
	est, _ := NewFixed([]string{"nose", "tail"}, testPose())

	var in bytes.Buffer
	protocol.Encode(&in, newRequest(RequestInit, testFrame()))
	protocol.Encode(&in, newRequest(RequestPose, testFrame()))
	protocol.Encode(&in, Request{Type: RequestPose}) // empty frame
	protocol.Encode(&in, Request{Type: "reload"})

	var out bytes.Buffer
	if err := Serve(&in, &out, est); err != nil {
		t.Fatalf("Serve() failed: %v", err)
	}

	var init, pose, empty, unknown Response
	for _, r := range []*Response{&init, &pose, &empty, &unknown} {
		if err := protocol.Decode(&out, r); err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
	}
	if len(init.Bodyparts) != 2 || init.Bodyparts[1] != "tail" {
		t.Errorf("init bodyparts = %v", init.Bodyparts)
	}
	if len(pose.Pose) != 2 || pose.Pose[1].Y != 4 {
		t.Errorf("pose = %v", pose.Pose)
	}
	if !strings.Contains(empty.Error, "empty frame") {
		t.Errorf("empty frame error = %q", empty.Error)
	}
	if !strings.Contains(unknown.Error, "reload") {
		t.Errorf("unknown request error = %q", unknown.Error)
	}

	if err := protocol.Decode(&out, &Response{}); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end = %v, want io.EOF", err)
	}
}

func TestProcessRoundTrip(t *testing.T) {
	p := helperProcess(t, "serve", 5*time.Second)

	if _, err := p.Pose(testFrame()); err == nil {
		t.Error("Pose() before InitInference succeeded")
	}

	pose, err := p.InitInference(testFrame())
	if err != nil {
		t.Fatalf("InitInference() failed: %v", err)
	}
	if len(pose) != 2 || pose[0].Likelihood != 0.9 {
		t.Errorf("InitInference() = %v", pose)
	}
	if got := p.Bodyparts(); len(got) != 2 || got[0] != "nose" {
		t.Errorf("Bodyparts() = %v", got)
	}

	for i := 0; i < 5; i++ {
		if _, err := p.Pose(testFrame()); err != nil {
			t.Fatalf("Pose() #%d failed: %v", i, err)
		}
	}
	if m := p.Metrics(); m.FramesProcessed != 6 {
		t.Errorf("FramesProcessed = %d, want 6", m.FramesProcessed)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if _, err := p.Pose(testFrame()); err == nil {
		t.Error("Pose() after Close succeeded")
	}
}

func TestProcessEmptyWarmupPose(t *testing.T) {
	p := helperProcess(t, "lazy", 5*time.Second)

	pose, err := p.InitInference(testFrame())
	if err != nil {
		t.Fatalf("InitInference() failed: %v", err)
	}
	if len(pose) != 0 {
		t.Errorf("InitInference() = %v, want no pose", pose)
	}

	pose, err = p.Pose(testFrame())
	if err != nil {
		t.Fatalf("Pose() failed: %v", err)
	}
	if len(pose) != 2 {
		t.Fatalf("Pose() = %v", pose)
	}
	if got := p.Bodyparts(); len(got) != 2 || got[1] != "bp1" {
		t.Errorf("Bodyparts() = %v, want [bp0 bp1]", got)
	}
}

func TestProcessBodypartMismatch(t *testing.T) {
	p, err := NewProcess(context.Background(), ProcessConfig{
		Command:   os.Args[0],
		Env:       []string{helperEnv + "=serve"},
		Bodyparts: []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("NewProcess() failed: %v", err)
	}
	defer p.Close()

	if _, err := p.InitInference(testFrame()); err == nil {
		t.Error("InitInference() accepted 2 bodyparts for 3 configured")
	}
}

func TestProcessTimeoutKills(t *testing.T) {
	p := helperProcess(t, "hang", 200*time.Millisecond)

	start := time.Now()
	_, err := p.InitInference(testFrame())
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("InitInference() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return after the process was killed")
	}
}

func TestProcessCrash(t *testing.T) {
	p := helperProcess(t, "crash", 5*time.Second)

	if _, err := p.InitInference(testFrame()); err == nil {
		t.Fatal("InitInference() succeeded against a crashing process")
	}
	if _, err := p.Pose(testFrame()); err == nil {
		t.Error("Pose() succeeded after the process died")
	}
}

func TestProcessCancelContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewProcess(ctx, ProcessConfig{
		Command: os.Args[0],
		Env:     []string{helperEnv + "=hang"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewProcess() failed: %v", err)
	}
	defer p.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	if _, err := p.InitInference(testFrame()); err == nil {
		t.Fatal("InitInference() succeeded after cancel")
	}
}
