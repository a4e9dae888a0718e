package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Pose pacing modes
const (
	ModeLatency = "latency"
	ModeRate    = "rate"
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if len(cfg.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}
	for name, cam := range cfg.Cameras {
		if err := ValidateCamera(&cam); err != nil {
			return fmt.Errorf("camera '%s': %w", name, err)
		}
		cfg.Cameras[name] = cam
	}

	for name, opts := range cfg.PoseOptions {
		if err := ValidatePose(&opts); err != nil {
			return fmt.Errorf("pose_options '%s': %w", name, err)
		}
		cfg.PoseOptions[name] = opts
	}

	if cfg.PoseDisplay.Radius <= 0 {
		cfg.PoseDisplay.Radius = 3
	}
	if cfg.PoseDisplay.Cutoff < 0 || cfg.PoseDisplay.Cutoff > 1 {
		return fmt.Errorf("pose_display.cutoff must be in [0, 1]")
	}

	if len(cfg.Directories) == 0 {
		cfg.Directories = []string{"."}
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

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	// MQTT is optional; topics only matter once a broker is set
	if cfg.MQTT.Topics.Pose == "" {
		cfg.MQTT.Topics.Pose = fmt.Sprintf("poselive/%s/pose", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("poselive/%s/status", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("poselive/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Response == "" {
		cfg.MQTT.Topics.Response = fmt.Sprintf("poselive/%s/control/response", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	return nil
}

// ValidateCamera checks one camera definition and fills in defaults
func ValidateCamera(cam *CameraConfig) error {
	if cam.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if cam.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}

	switch len(cam.Crop) {
	case 0:
	case 4:
		left, right, top, bottom := cam.Crop[0], cam.Crop[1], cam.Crop[2], cam.Crop[3]
		if left < 0 || top < 0 || right > cam.Width || bottom > cam.Height || left >= right || top >= bottom {
			return fmt.Errorf("crop %v out of bounds for %dx%d", cam.Crop, cam.Width, cam.Height)
		}
	default:
		return fmt.Errorf("crop must be [left, right, top, bottom], got %v", cam.Crop)
	}

	switch cam.Rotate {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("rotate must be 0, 90, 180 or 270, got %d", cam.Rotate)
	}

	if cam.DisplayResize <= 0 {
		cam.DisplayResize = 1
	}

	return nil
}

// ValidatePose checks one pose option set and fills in defaults
func ValidatePose(opts *PoseOptions) error {
	if opts.Mode == "" {
		opts.Mode = ModeLatency
	}
	if opts.Mode != ModeLatency && opts.Mode != ModeRate {
		return fmt.Errorf("mode must be '%s' or '%s', got '%s'", ModeLatency, ModeRate, opts.Mode)
	}

	switch opts.Kind {
	case "fixed":
		if len(opts.FixedPose) == 0 {
			return fmt.Errorf("fixed estimator requires fixed_pose")
		}
		for i, kp := range opts.FixedPose {
			if len(kp) != 3 {
				return fmt.Errorf("fixed_pose[%d] must be [x, y, likelihood], got %v", i, kp)
			}
		}
		if len(opts.Bodyparts) != 0 && len(opts.Bodyparts) != len(opts.FixedPose) {
			return fmt.Errorf("bodyparts (%d) and fixed_pose (%d) differ in length",
				len(opts.Bodyparts), len(opts.FixedPose))
		}
	case "process":
		if opts.Command == "" {
			return fmt.Errorf("process estimator requires command")
		}
	case "":
		return fmt.Errorf("kind is required")
	}
	// other kinds are checked against the estimator registry when built

	if opts.Processor != nil && opts.Processor.Kind == "" {
		return fmt.Errorf("processor kind is required")
	}

	return nil
}
