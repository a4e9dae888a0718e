package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
instance_id: rig-01
cameras:
  top view:
    kind: synthetic
    width: 640
    height: 480
    fps: 30
    crop: [10, 630, 20, 460]
pose_options:
  stub:
    kind: fixed
    bodyparts: [nose, left_ear, right_ear]
    fixed_pose:
      - [10, 10, 0.9]
      - [20, 20, 0.8]
      - [30, 30, 0.95]
  dlc:
    kind: process
    command: ./estimator
    mode: rate
subjects: [mouse1]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poselive.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	cam, err := cfg.Camera("top view")
	if err != nil {
		t.Fatalf("Camera() failed: %v", err)
	}
	if cam.DisplayResize != 1 {
		t.Errorf("DisplayResize default = %v, want 1", cam.DisplayResize)
	}

	stub, _ := cfg.Pose("stub")
	if stub.Mode != ModeLatency {
		t.Errorf("default mode = %q, want %q", stub.Mode, ModeLatency)
	}
	dlc, _ := cfg.Pose("dlc")
	if dlc.Mode != ModeRate {
		t.Errorf("mode = %q, want %q", dlc.Mode, ModeRate)
	}

	if cfg.Timeouts.Start() != 10*time.Second || cfg.Timeouts.Stop() != 5*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.Timeouts.Start(), cfg.Timeouts.Stop())
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("ShutdownTimeout() = %v", cfg.ShutdownTimeout())
	}
	if cfg.MQTT.Topics.Pose != "poselive/rig-01/pose" {
		t.Errorf("pose topic = %q", cfg.MQTT.Topics.Pose)
	}
	if cfg.MQTT.Topics.Control != "poselive/rig-01/control" {
		t.Errorf("control topic = %q", cfg.MQTT.Topics.Control)
	}
	if len(cfg.Directories) != 1 || cfg.Directories[0] != "." {
		t.Errorf("Directories default = %v", cfg.Directories)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing instance", func(c *Config) { c.InstanceID = "" }, "instance_id is required"},
		{"bad instance", func(c *Config) { c.InstanceID = "Rig 1" }, "instance_id must match"},
		{"no cameras", func(c *Config) { c.Cameras = nil }, "at least one camera"},
		{"zero fps", func(c *Config) {
			cam := c.Cameras["cam"]
			cam.FPS = 0
			c.Cameras["cam"] = cam
		}, "fps must be > 0"},
		{"bad crop", func(c *Config) {
			cam := c.Cameras["cam"]
			cam.Crop = []int{0, 700, 0, 10}
			c.Cameras["cam"] = cam
		}, "out of bounds"},
		{"bad rotate", func(c *Config) {
			cam := c.Cameras["cam"]
			cam.Rotate = 45
			c.Cameras["cam"] = cam
		}, "rotate must be"},
		{"bad mode", func(c *Config) {
			c.PoseOptions = map[string]PoseOptions{"p": {Kind: "fixed", FixedPose: [][]float64{{1, 1, 1}}, Mode: "fast"}}
		}, "mode must be"},
		{"process without command", func(c *Config) {
			c.PoseOptions = map[string]PoseOptions{"p": {Kind: "process"}}
		}, "requires command"},
		{"bodypart mismatch", func(c *Config) {
			c.PoseOptions = map[string]PoseOptions{"p": {Kind: "fixed", Bodyparts: []string{"a", "b"}, FixedPose: [][]float64{{1, 1, 1}}}}
		}, "differ in length"},
		{"processor without kind", func(c *Config) {
			c.PoseOptions = map[string]PoseOptions{"p": {Kind: "fixed", FixedPose: [][]float64{{1, 1, 1}}, Processor: &ProcessorConfig{}}}
		}, "processor kind"},
		{"bad cutoff", func(c *Config) { c.PoseDisplay.Cutoff = 2 }, "cutoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				InstanceID: "rig",
				Cameras: map[string]CameraConfig{
					"cam": {Kind: "synthetic", Width: 640, Height: 480, FPS: 30},
				},
			}
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	cfg.Subjects = append(cfg.Subjects, "mouse2")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after Save() failed: %v", err)
	}
	if len(again.Subjects) != 2 || again.Subjects[1] != "mouse2" {
		t.Errorf("Subjects = %v", again.Subjects)
	}
	if len(again.PoseOptions["stub"].FixedPose) != 3 {
		t.Errorf("fixed pose lost in round trip: %v", again.PoseOptions["stub"])
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{InstanceID: "rig"}
	env := map[string]string{
		"POSELIVE_INSTANCE_ID": "rig-02",
		"POSELIVE_MQTT_BROKER": "localhost:1883",
	}
	ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.InstanceID != "rig-02" || cfg.MQTT.Broker != "localhost:1883" {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("unset variable overwrote HTTP.Addr: %q", cfg.HTTP.Addr)
	}
}
