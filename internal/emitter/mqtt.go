// Package emitter publishes live poses and status snapshots to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/types"
)

const publishTimeout = 2 * time.Second

// MQTTEmitter publishes pose samples to the broker
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	Client     mqtt.Client // Exported for the control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Connect must be called before publishing.
func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:        cfg,
		instanceID: instanceID,
		published:  make(map[string]uint64),
	}
}

// NewWithClient wraps an already connected client.
func NewWithClient(cfg config.MQTTConfig, instanceID string, client mqtt.Client) *MQTTEmitter {
	e := NewMQTTEmitter(cfg, instanceID)
	e.Client = client
	e.connected = client.IsConnected()
	return e
}

// Connect establishes the broker connection, with automatic reconnects.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.instanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PoseMessage is the JSON payload of the pose topic
type PoseMessage struct {
	InstanceID string        `json:"instance_id"`
	Camera     string        `json:"camera"`
	SessionID  string        `json:"session_id,omitempty"`
	FrameSeq   uint64        `json:"frame_seq"`
	FrameTime  float64       `json:"frame_time"`
	PoseTime   float64       `json:"pose_time"`
	LatencyMS  float64       `json:"latency_ms"`
	Keypoints  []KeypointMsg `json:"keypoints"`
}

// KeypointMsg is one named keypoint
type KeypointMsg struct {
	Bodypart   string  `json:"bodypart"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Likelihood float64 `json:"likelihood"`
	Missing    bool    `json:"missing,omitempty"` // not detected; coordinates are zero
}

// Meta names the source of published poses.
type Meta struct {
	Camera    string
	SessionID string
	Bodyparts []string
}

// NewPoseMessage builds the pose topic payload. Keypoints without a known
// body part name are labelled by index.
func NewPoseMessage(instanceID string, meta Meta, s types.PoseSample) PoseMessage {
	kps := make([]KeypointMsg, len(s.Pose))
	for i, kp := range s.Pose {
		name := fmt.Sprintf("bp%d", i)
		if i < len(meta.Bodyparts) {
			name = meta.Bodyparts[i]
		}
		if math.IsNaN(kp.X) || math.IsNaN(kp.Y) || math.IsNaN(kp.Likelihood) {
			// JSON has no NaN
			kps[i] = KeypointMsg{Bodypart: name, Missing: true}
			continue
		}
		kps[i] = KeypointMsg{Bodypart: name, X: kp.X, Y: kp.Y, Likelihood: kp.Likelihood}
	}
	return PoseMessage{
		InstanceID: instanceID,
		Camera:     meta.Camera,
		SessionID:  meta.SessionID,
		FrameSeq:   s.FrameSeq,
		FrameTime:  types.Seconds(s.FrameTime),
		PoseTime:   types.Seconds(s.PoseTime),
		LatencyMS:  s.LatencyMS(),
		Keypoints:  kps,
	}
}

// PublishPose publishes one pose sample on the pose topic.
func (e *MQTTEmitter) PublishPose(meta Meta, s types.PoseSample) error {
	payload, err := json.Marshal(NewPoseMessage(e.instanceID, meta, s))
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal pose: %w", err)
	}
	return e.publish(e.cfg.Topics.Pose, payload)
}

// PublishStatus publishes a status snapshot, retained so late subscribers get it.
func (e *MQTTEmitter) PublishStatus(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publishRetained(e.cfg.Topics.Status, payload, true)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	return e.publishRetained(topic, payload, false)
}

func (e *MQTTEmitter) publishRetained(topic string, payload []byte, retained bool) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt published", "topic", topic, "size", len(payload))
	return nil
}

// Run publishes every sample returned by read until read reports false or
// ctx is done. meta is consulted per sample so session changes show up.
// Publish errors are logged and counted, never fatal.
func (e *MQTTEmitter) Run(ctx context.Context, read func() (types.PoseSample, bool), meta func() Meta) {
	var failures uint64
	for ctx.Err() == nil {
		s, ok := read()
		if !ok {
			return
		}
		if err := e.PublishPose(meta(), s); err != nil {
			failures++
			// log the first failure and then every 100th
			if failures%100 == 1 {
				slog.Warn("pose publish failed", "error", err, "failures", failures)
			}
		}
	}
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
