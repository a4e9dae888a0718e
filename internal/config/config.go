package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a named camera or pose option set is not configured.
var ErrNotFound = errors.New("not found in configuration")

// Config represents the complete poselive configuration
type Config struct {
	InstanceID       string                  `yaml:"instance_id"`
	ShutdownTimeoutS int                     `yaml:"shutdown_timeout_s"`      // Graceful shutdown timeout in seconds (default: 5)
	SharedMemory     string                  `yaml:"shared_memory,omitempty"` // Optional file path for a file-backed frame buffer
	Cameras          map[string]CameraConfig `yaml:"cameras"`
	PoseOptions      map[string]PoseOptions  `yaml:"pose_options"`
	PoseDisplay      PoseDisplayConfig       `yaml:"pose_display"`
	Subjects         []string                `yaml:"subjects"`
	Directories      []string                `yaml:"directories"`
	Timeouts         TimeoutsConfig          `yaml:"timeouts"`
	HTTP             HTTPConfig              `yaml:"http"`
	MQTT             MQTTConfig              `yaml:"mqtt"`
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	Kind          string            `yaml:"kind"` // synthetic, gst
	Width         int               `yaml:"width"`
	Height        int               `yaml:"height"`
	FPS           float64           `yaml:"fps"`
	Crop          []int             `yaml:"crop,omitempty"` // [left, right, top, bottom]
	Rotate        int               `yaml:"rotate"`         // 0, 90, 180, 270
	DisplayResize float64           `yaml:"display_resize"`
	Params        map[string]string `yaml:"params,omitempty"` // kind-specific settings
}

// PoseOptions configures one pose estimator
type PoseOptions struct {
	Kind      string           `yaml:"kind"` // fixed, process, or a registered kind
	Command   string           `yaml:"command,omitempty"`
	Args      []string         `yaml:"args,omitempty"`
	ModelPath string           `yaml:"model_path,omitempty"`
	Mode      string           `yaml:"mode"` // latency, rate
	Bodyparts []string         `yaml:"bodyparts,omitempty"`
	FixedPose [][]float64      `yaml:"fixed_pose,omitempty"` // x, y, likelihood per body part (kind: fixed)
	Processor *ProcessorConfig `yaml:"processor,omitempty"`
}

// ProcessorConfig selects the closed-loop processor fed with every pose
type ProcessorConfig struct {
	Kind string            `yaml:"kind"` // zone, predict, or a registered kind
	Args map[string]string `yaml:"args,omitempty"`
}

// PoseDisplayConfig controls how poses are drawn for display
type PoseDisplayConfig struct {
	Cutoff float64 `yaml:"cutoff"` // minimum likelihood to draw a keypoint
	Radius int     `yaml:"radius"`
}

// TimeoutsConfig bounds the orchestrator's synchronous operations
type TimeoutsConfig struct {
	StartS float64 `yaml:"start_s"`
	StopS  float64 `yaml:"stop_s"`
	SaveS  float64 `yaml:"save_s"`
}

// HTTPConfig contains control surface settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker string     `yaml:"broker"`
	Topics MQTTTopics `yaml:"topics"`
	QoS    byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Pose     string `yaml:"pose"`
	Status   string `yaml:"status"`
	Control  string `yaml:"control"`  // commands in
	Response string `yaml:"response"` // command results out
}

// Start returns the start timeout as a duration.
func (t TimeoutsConfig) Start() time.Duration { return seconds(t.StartS) }

// Stop returns the stop (join) timeout as a duration.
func (t TimeoutsConfig) Stop() time.Duration { return seconds(t.StopS) }

// Save returns the save timeout as a duration.
func (t TimeoutsConfig) Save() time.Duration { return seconds(t.SaveS) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Camera looks up a camera by name.
func (c *Config) Camera(name string) (CameraConfig, error) {
	cam, ok := c.Cameras[name]
	if !ok {
		return CameraConfig{}, fmt.Errorf("camera %q: %w", name, ErrNotFound)
	}
	return cam, nil
}

// Pose looks up a pose option set by name.
func (c *Config) Pose(name string) (PoseOptions, error) {
	opts, ok := c.PoseOptions[name]
	if !ok {
		return PoseOptions{}, fmt.Errorf("pose options %q: %w", name, ErrNotFound)
	}
	return opts, nil
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save writes the whole configuration back to path, replacing it atomically.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".poselive-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected fields from POSELIVE_* variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("POSELIVE_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := getenv("POSELIVE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := getenv("POSELIVE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := getenv("POSELIVE_SHARED_MEMORY"); v != "" {
		cfg.SharedMemory = v
	}
}
