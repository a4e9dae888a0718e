package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/e7canasta/poselive/internal/config"
)

func init() {
	Register(Kind{
		Name: "synthetic",
		New:  newSyntheticFromConfig,
		ArgRestrictions: map[string][]string{
			"pattern": {"gradient", "solid"},
		},
	})
}

// Synthetic generates test frames at a software-paced rate.
//
// The gradient pattern shifts one column per frame and encodes the frame
// index in the first pixel, so consumers can tell frames apart.
type Synthetic struct {
	width   int
	height  int
	fps     float64
	pattern string
	level   byte
	maxN    uint64 // 0 = unlimited

	pacer *Pacer
	frame []byte
	n     uint64
	open  bool
}

// SyntheticConfig configures a synthetic device
type SyntheticConfig struct {
	Width   int
	Height  int
	FPS     float64
	Pattern string // gradient (default) or solid
	Level   byte   // fill value for the solid pattern
	Frames  uint64 // stop after this many frames; 0 = unlimited
}

// NewSynthetic creates a synthetic device.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("fps must be > 0")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "gradient"
	}

	return &Synthetic{
		width:   cfg.Width,
		height:  cfg.Height,
		fps:     cfg.FPS,
		pattern: cfg.Pattern,
		level:   cfg.Level,
		maxN:    cfg.Frames,
		pacer:   NewPacer(cfg.FPS),
		frame:   make([]byte, cfg.Width*cfg.Height*3),
	}, nil
}

func newSyntheticFromConfig(cfg config.CameraConfig) (Device, error) {
	sc := SyntheticConfig{
		Width:   cfg.Width,
		Height:  cfg.Height,
		FPS:     cfg.FPS,
		Pattern: cfg.Params["pattern"],
	}
	if v, ok := cfg.Params["level"]; ok {
		level, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", v, err)
		}
		sc.Level = byte(level)
	}
	if v, ok := cfg.Params["frames"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid frames %q: %w", v, err)
		}
		sc.Frames = n
	}
	return NewSynthetic(sc)
}

func (s *Synthetic) Open(ctx context.Context) error {
	s.open = true
	s.n = 0
	s.pacer.Reset()

	slog.Info("synthetic device opened",
		"width", s.width,
		"height", s.height,
		"fps", s.fps,
		"pattern", s.pattern,
	)
	return nil
}

func (s *Synthetic) ImageOnTime(ctx context.Context) ([]byte, time.Time, error) {
	if !s.open {
		return nil, time.Time{}, ErrClosed
	}
	if s.maxN > 0 && s.n >= s.maxN {
		return nil, time.Time{}, ErrClosed
	}

	if err := s.pacer.Wait(ctx); err != nil {
		return nil, time.Time{}, err
	}

	s.render()
	ts := time.Now()
	s.pacer.Mark(ts)
	s.n++
	return s.frame, ts, nil
}

func (s *Synthetic) Close() error {
	if s.open {
		slog.Info("synthetic device closed", "frames", s.n)
	}
	s.open = false
	return nil
}

func (s *Synthetic) Size() (int, int) { return s.width, s.height }
func (s *Synthetic) FPS() float64     { return s.fps }

// Frames returns the number of frames produced since Open.
func (s *Synthetic) Frames() uint64 { return s.n }

func (s *Synthetic) render() {
	switch s.pattern {
	case "solid":
		for i := range s.frame {
			s.frame[i] = s.level
		}
	default:
		shift := int(s.n)
		for y := 0; y < s.height; y++ {
			row := y * s.width * 3
			for x := 0; x < s.width; x++ {
				i := row + x*3
				s.frame[i] = byte(x + shift)
				s.frame[i+1] = byte(y)
				s.frame[i+2] = byte((x + y) / 2)
			}
		}
		s.frame[0] = byte(s.n)
	}
}
