package label

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/e7canasta/poselive/internal/store"
	"github.com/e7canasta/poselive/internal/types"
	"github.com/e7canasta/poselive/internal/video"
)

// Options controls labeled video rendering.
type Options struct {
	Cutoff  float64       // minimum likelihood to draw a keypoint
	Radius  int           // keypoint radius in pixels
	Start   time.Duration // skip frames up to this offset from the first frame
	End     time.Duration // stop after this offset; 0 = to the end
	Caption bool          // print the frame index and time on each frame
	Quality int
}

// Result describes a rendered labeled video.
type Result struct {
	Video      string
	Timestamps string
	Frames     int
	Labeled    int // frames that had a pose to draw
}

// Inputs are the files of one recording.
type Inputs struct {
	Video      string
	Timestamps string
	Poses      string
}

// FromBase returns the input file names for a recording base name.
func FromBase(base string) Inputs {
	return Inputs{
		Video:      base + "_VIDEO.avi",
		Timestamps: base + "_TS.npy",
		Poses:      base + "_DLC.sqlite",
	}
}

// Outputs returns the labeled file names next to the inputs.
func (in Inputs) Outputs() (videoPath, timestampsPath string) {
	return strings.TrimSuffix(in.Video, ".avi") + "_LABELED.avi",
		strings.TrimSuffix(in.Timestamps, ".npy") + "_LABELED.npy"
}

// Video draws each recorded frame's pose onto a copy of the recording.
// A frame is labeled with the first pose computed after it was captured.
func Video(in Inputs, opts Options) (Result, error) {
	if opts.Radius <= 0 {
		opts.Radius = 3
	}

	frameTimes, err := store.LoadTimestamps(in.Timestamps)
	if err != nil {
		return Result{}, err
	}
	bodyparts, rows, err := store.LoadPoses(in.Poses)
	if err != nil {
		return Result{}, err
	}
	r, err := video.Open(in.Video)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	info := r.Info()
	if info.Frames != len(frameTimes) {
		slog.Warn("frame count differs from timestamp count",
			"frames", info.Frames, "timestamps", len(frameTimes))
	}

	outVideo, outTS := in.Outputs()
	w, err := video.Create(outVideo, info.Width, info.Height, info.FPS(), opts.Quality)
	if err != nil {
		return Result{}, err
	}

	res := Result{Video: outVideo, Timestamps: outTS}
	colors := Palette(len(bodyparts))
	poseTimes := make([]float64, len(rows))
	for i, row := range rows {
		poseTimes[i] = types.Seconds(row.PoseTime)
	}

	var (
		chunk, rgb []byte
		labelTimes []float64
	)
	for i, ft := range frameTimes {
		offset := time.Duration((ft - frameTimes[0]) * float64(time.Second))
		if opts.End > 0 && offset > opts.End {
			break
		}

		chunk, err = r.Next(chunk)
		if errors.Is(err, io.EOF) {
			w.Discard()
			return Result{}, fmt.Errorf("could not read frame %d at %.3fs: video ends early", i+1, offset.Seconds())
		}
		if err != nil {
			w.Discard()
			return Result{}, err
		}
		if offset < opts.Start {
			continue
		}

		var width, height int
		rgb, width, height, err = video.DecodeJPEG(rgb, chunk)
		if err != nil {
			w.Discard()
			return Result{}, fmt.Errorf("frame %d: %w", i+1, err)
		}
		img := ToRGBA(rgb, width, height)

		// first pose completed strictly after this frame was captured
		j := sort.Search(len(poseTimes), func(k int) bool { return poseTimes[k] > ft })
		if j < len(rows) {
			DrawPose(img, rows[j].Pose, opts.Cutoff, opts.Radius, colors)
			res.Labeled++
		}
		if opts.Caption {
			Caption(img, fmt.Sprintf("%d  %.3fs", i, offset.Seconds()))
		}

		rgb = FromRGBA(rgb, img)
		if err := w.WriteFrame(rgb); err != nil {
			w.Discard()
			return Result{}, fmt.Errorf("frame %d: %w", i+1, err)
		}
		labelTimes = append(labelTimes, ft)
	}

	if err := w.Close(); err != nil {
		return Result{}, err
	}
	if err := store.SaveTimestamps(outTS, labelTimes); err != nil {
		return Result{}, err
	}
	res.Frames = len(labelTimes)

	slog.Info("labeled video written",
		"video", outVideo,
		"frames", res.Frames,
		"labeled", res.Labeled,
		"bodyparts", len(bodyparts),
	)
	return res, nil
}
