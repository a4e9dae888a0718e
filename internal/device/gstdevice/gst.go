// Package gstdevice registers the "gst" capture device: a GStreamer pipeline
// ending in an appsink that hands RGB frames to the capture worker.
//
// The hardware (or the pipeline clock, for file sources) paces capture;
// ImageOnTime blocks in PullSample until the next buffer is ready.
package gstdevice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/device"
)

var initOnce sync.Once

func init() {
	device.Register(device.Kind{
		Name: "gst",
		New:  newFromConfig,
		ArgRestrictions: map[string][]string{
			"source": {"v4l2", "test", "file", "launch"},
			"format": {"RGB", "GRAY8"},
		},
	})
}

// Config describes a GStreamer capture source
type Config struct {
	Source string // v4l2, test, file, launch
	Device string // v4l2 device node, e.g. /dev/video0
	File   string // media file for the file source
	Launch string // raw pipeline description, appsink is appended
	Format string // RGB or GRAY8 out of the appsink
	Width  int
	Height int
	FPS    float64
}

// Device captures frames from a GStreamer pipeline.
type Device struct {
	cfg Config

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink

	frame []byte
}

// New creates a GStreamer device. The pipeline is built on Open.
func New(cfg Config) (*Device, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("fps must be > 0")
	}
	if cfg.Source == "" {
		cfg.Source = "v4l2"
	}
	if cfg.Format == "" {
		cfg.Format = "RGB"
	}
	return &Device{cfg: cfg}, nil
}

func newFromConfig(cc config.CameraConfig) (device.Device, error) {
	return New(Config{
		Source: cc.Params["source"],
		Device: cc.Params["device"],
		File:   cc.Params["file"],
		Launch: cc.Params["launch"],
		Format: cc.Params["format"],
		Width:  cc.Width,
		Height: cc.Height,
		FPS:    cc.FPS,
	})
}

// Description returns the gst-launch pipeline string for the configured source.
func (d *Device) Description() (string, error) {
	var src string
	clockSync := "false"

	switch d.cfg.Source {
	case "v4l2":
		dev := d.cfg.Device
		if dev == "" {
			dev = "/dev/video0"
		}
		src = fmt.Sprintf("v4l2src device=%s", dev)
	case "test":
		src = "videotestsrc is-live=true pattern=ball"
	case "file":
		if d.cfg.File == "" {
			return "", fmt.Errorf("file source requires params.file")
		}
		src = fmt.Sprintf("filesrc location=%q ! decodebin", d.cfg.File)
		// file playback is paced by the pipeline clock
		clockSync = "true"
	case "launch":
		if d.cfg.Launch == "" {
			return "", fmt.Errorf("launch source requires params.launch")
		}
		src = d.cfg.Launch
	default:
		return "", fmt.Errorf("unknown source %q", d.cfg.Source)
	}

	fpsNum, fpsDen := fraction(d.cfg.FPS)
	return fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=%s,width=%d,height=%d,framerate=%d/%d ! "+
			"appsink name=sink max-buffers=1 drop=true sync=%s",
		src, d.cfg.Format, d.cfg.Width, d.cfg.Height, fpsNum, fpsDen, clockSync,
	), nil
}

func (d *Device) Open(ctx context.Context) error {
	desc, err := d.Description()
	if err != nil {
		return err
	}

	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to find appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	d.mu.Lock()
	d.pipeline = pipeline
	d.sink = sink
	d.mu.Unlock()

	slog.Info("gst device opened",
		"source", d.cfg.Source,
		"width", d.cfg.Width,
		"height", d.cfg.Height,
		"fps", d.cfg.FPS,
	)
	return nil
}

func (d *Device) ImageOnTime(ctx context.Context) ([]byte, time.Time, error) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return nil, time.Time{}, device.ErrClosed
	}

	sample := sink.PullSample()
	ts := time.Now()
	if sample == nil {
		if sink.IsEOS() {
			return nil, ts, device.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, ts, err
		}
		return nil, ts, fmt.Errorf("appsink returned no sample")
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, ts, fmt.Errorf("sample has no buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, ts, fmt.Errorf("failed to map buffer")
	}
	data := mapInfo.Bytes()

	switch d.cfg.Format {
	case "GRAY8":
		d.frame = device.GrayToRGB(d.frame, data)
	default:
		if cap(d.frame) < len(data) {
			d.frame = make([]byte, len(data))
		}
		d.frame = d.frame[:len(data)]
		copy(d.frame, data)
	}
	buffer.Unmap()

	if want := d.cfg.Width * d.cfg.Height * 3; len(d.frame) != want {
		return nil, ts, fmt.Errorf("frame has %d bytes, want %d (stride padding?)", len(d.frame), want)
	}
	return d.frame, ts, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.pipeline = nil
	d.sink = nil
	d.mu.Unlock()

	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	slog.Info("gst device closed", "source", d.cfg.Source)
	return nil
}

func (d *Device) Size() (int, int) { return d.cfg.Width, d.cfg.Height }
func (d *Device) FPS() float64     { return d.cfg.FPS }

// fraction converts a frame rate to a GStreamer fraction with millihertz precision.
func fraction(fps float64) (int, int) {
	num := int(fps*1000 + 0.5)
	den := 1000
	for _, p := range []int{2, 5} {
		for num%p == 0 && den%p == 0 {
			num /= p
			den /= p
		}
	}
	return num, den
}
