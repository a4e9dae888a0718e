// Command labelvideo draws the recorded poses of a session onto a copy of
// its video.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/e7canasta/poselive/internal/label"
)

func main() {
	base := flag.String("base", "", "Recording base name, e.g. data/top_m1_2026-10-19_1")
	cutoff := flag.Float64("cutoff", 0.5, "Minimum likelihood to draw a keypoint")
	radius := flag.Int("radius", 3, "Keypoint radius in pixels")
	start := flag.Duration("start", 0, "Skip frames before this offset")
	end := flag.Duration("end", 0, "Stop after this offset (0 = whole video)")
	caption := flag.Bool("caption", false, "Print frame index and time on each frame")
	quality := flag.Int("quality", 90, "JPEG quality of the labeled video")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *base == "" {
		fmt.Fprintln(os.Stderr, "usage: labelvideo -base <recording base name> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	t0 := time.Now()
	res, err := label.Video(label.FromBase(*base), label.Options{
		Cutoff:  *cutoff,
		Radius:  *radius,
		Start:   *start,
		End:     *end,
		Caption: *caption,
		Quality: *quality,
	})
	if err != nil {
		slog.Error("labeling failed", "base", *base, "error", err)
		os.Exit(1)
	}

	slog.Info("done",
		"video", res.Video,
		"timestamps", res.Timestamps,
		"frames", res.Frames,
		"labeled", res.Labeled,
		"elapsed", time.Since(t0).Round(time.Millisecond),
	)
}
