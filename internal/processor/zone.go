package processor

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/e7canasta/poselive/internal/types"
)

// ZoneEvent is one transition of the watched body part.
type ZoneEvent struct {
	FrameTime float64 `json:"frame_time"`
	Time      float64 `json:"time"`
	Inside    bool    `json:"inside"`
	Recording bool    `json:"recording"`
}

// Zone watches one body part and drives an output line while it is inside
// a rectangle: "1\n" is written on entry and "0\n" on exit.
type Zone struct {
	bodypart               int
	xMin, xMax, yMin, yMax float64
	cutoff                 float64

	out    io.WriteCloser
	inside bool
	events []ZoneEvent
}

func newZone(args Args) (Processor, error) {
	z := &Zone{}
	var err error
	if z.bodypart, err = args.Int("bodypart", 0); err != nil {
		return nil, err
	}
	if z.bodypart < 0 {
		return nil, fmt.Errorf("bodypart must be >= 0")
	}
	for _, f := range []struct {
		key string
		dst *float64
		def float64
	}{
		{"x_min", &z.xMin, math.Inf(-1)},
		{"x_max", &z.xMax, math.Inf(1)},
		{"y_min", &z.yMin, math.Inf(-1)},
		{"y_max", &z.yMax, math.Inf(1)},
		{"cutoff", &z.cutoff, 0.5},
	} {
		if *f.dst, err = args.Float(f.key, f.def); err != nil {
			return nil, err
		}
	}
	if z.xMin >= z.xMax || z.yMin >= z.yMax {
		return nil, fmt.Errorf("empty zone [%v, %v] x [%v, %v]", z.xMin, z.xMax, z.yMin, z.yMax)
	}

	if path := args["output"]; path != "" {
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output: %w", err)
		}
		z.out = out
	}
	return z, nil
}

func (z *Zone) Process(pose types.Pose, frameTime time.Time, record bool) (types.Pose, error) {
	if z.bodypart >= len(pose) {
		return nil, fmt.Errorf("zone watches bodypart %d of %d", z.bodypart, len(pose))
	}
	kp := pose[z.bodypart]
	inside := kp.Likelihood >= z.cutoff &&
		kp.X >= z.xMin && kp.X <= z.xMax &&
		kp.Y >= z.yMin && kp.Y <= z.yMax
	if inside == z.inside {
		return pose, nil
	}
	z.inside = inside

	if z.out != nil {
		level := "0\n"
		if inside {
			level = "1\n"
		}
		if _, err := io.WriteString(z.out, level); err != nil {
			return nil, fmt.Errorf("zone output: %w", err)
		}
	}
	z.events = append(z.events, ZoneEvent{
		FrameTime: types.Seconds(frameTime),
		Time:      types.Seconds(time.Now()),
		Inside:    inside,
		Recording: record,
	})
	slog.Debug("zone transition", "inside", inside, "x", kp.X, "y", kp.Y)
	return pose, nil
}

// Inside reports whether the body part was inside the zone on the last pose.
func (z *Zone) Inside() bool { return z.inside }

// Save writes the transitions seen so far as JSON and starts a new record.
func (z *Zone) Save(path string) error {
	data, err := json.MarshalIndent(struct {
		Kind     string      `json:"kind"`
		Bodypart int         `json:"bodypart"`
		Zone     [4]float64  `json:"zone"`
		Cutoff   float64     `json:"cutoff"`
		Events   []ZoneEvent `json:"events"`
	}{"zone", z.bodypart, [4]float64{finite(z.xMin), finite(z.xMax), finite(z.yMin), finite(z.yMax)}, z.cutoff, z.events}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode zone record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save zone record: %w", err)
	}
	z.events = nil
	return nil
}

func (z *Zone) Close() error {
	if z.out == nil {
		return nil
	}
	if z.inside {
		io.WriteString(z.out, "0\n")
	}
	return z.out.Close()
}

// finite maps an open bound to the largest float so it survives JSON.
func finite(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	}
	return v
}
