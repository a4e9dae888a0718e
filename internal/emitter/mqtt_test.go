package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/types"
)

var testCfg = config.MQTTConfig{
	Broker: "localhost:1883",
	QoS:    1,
	Topics: config.MQTTTopics{Pose: "poselive/rig/pose", Status: "poselive/rig/status"},
}

func sample(seq uint64) types.PoseSample {
	ft := time.Unix(1700000000, 0).Add(time.Duration(seq) * 33 * time.Millisecond)
	return types.PoseSample{
		Pose:      types.Pose{{X: 1, Y: 2, Likelihood: 0.9}, {X: 3, Y: 4, Likelihood: 0.1}},
		FrameSeq:  seq,
		FrameTime: ft,
		PoseTime:  ft.Add(12 * time.Millisecond),
	}
}

func TestPublishPose(t *testing.T) {
	client := newFakeClient()
	e := NewWithClient(testCfg, "rig", client)

	meta := Meta{Camera: "top", SessionID: "abc", Bodyparts: []string{"snout"}}
	if err := e.PublishPose(meta, sample(7)); err != nil {
		t.Fatalf("PublishPose() failed: %v", err)
	}

	msgs := client.messages()
	if len(msgs) != 1 || msgs[0].topic != testCfg.Topics.Pose || msgs[0].qos != 1 || msgs[0].retained {
		t.Fatalf("published = %+v", msgs)
	}
	var got PoseMessage
	if err := json.Unmarshal(msgs[0].payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.InstanceID != "rig" || got.SessionID != "abc" || got.FrameSeq != 7 {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Keypoints) != 2 || got.Keypoints[0].Bodypart != "snout" || got.Keypoints[1].Bodypart != "bp1" {
		t.Errorf("keypoints = %+v", got.Keypoints)
	}
	if got.LatencyMS < 11.9 || got.LatencyMS > 12.1 {
		t.Errorf("latency = %v ms, want 12", got.LatencyMS)
	}

	if st := e.Stats(); st.Published[testCfg.Topics.Pose] != 1 || st.Errors != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestPoseMessageMissingKeypoint(t *testing.T) {
	s := sample(1)
	s.Pose[1] = types.Keypoint{X: math.NaN(), Y: math.NaN(), Likelihood: math.NaN()}

	msg := NewPoseMessage("rig", Meta{}, s)
	if !msg.Keypoints[1].Missing || msg.Keypoints[0].Missing {
		t.Errorf("keypoints = %+v", msg.Keypoints)
	}
	if _, err := json.Marshal(msg); err != nil {
		t.Errorf("message with a missing keypoint does not marshal: %v", err)
	}
}

func TestPublishStatusIsRetained(t *testing.T) {
	client := newFakeClient()
	e := NewWithClient(testCfg, "rig", client)

	if err := e.PublishStatus(map[string]any{"recording": true}); err != nil {
		t.Fatalf("PublishStatus() failed: %v", err)
	}
	msgs := client.messages()
	if len(msgs) != 1 || msgs[0].topic != testCfg.Topics.Status || !msgs[0].retained {
		t.Errorf("published = %+v", msgs)
	}
}

func TestPublishErrors(t *testing.T) {
	client := newFakeClient()
	client.connected = false
	e := NewWithClient(testCfg, "rig", client)

	if err := e.PublishPose(Meta{}, sample(1)); err == nil {
		t.Error("PublishPose() succeeded while disconnected")
	}

	client.connected = true
	e = NewWithClient(testCfg, "rig", client)
	client.failWith = errors.New("broker said no")
	if err := e.PublishPose(Meta{}, sample(1)); err == nil {
		t.Error("PublishPose() ignored the token error")
	}
	if e.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", e.Stats().Errors)
	}
}

func TestRunDrainsBus(t *testing.T) {
	client := newFakeClient()
	e := NewWithClient(testCfg, "rig", client)
	bus := posebus.New()
	read := bus.Subscribe("mqtt")

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), read, func() Meta { return Meta{Camera: "top"} })
		close(done)
	}()

	bus.Publish(sample(1))
	deadline := time.Now().Add(2 * time.Second)
	for len(client.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(client.messages()) == 0 {
		t.Fatal("Run did not publish the bus sample")
	}

	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the bus closed")
	}
}
