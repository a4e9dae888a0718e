// Package rate measures the cadence of a frame or pose stream.
package rate

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold: a stream is stable if stddev < 15% of mean FPS.
	fpsStabilityThreshold = 0.15
	// jitterStabilityThreshold: mean jitter must stay below 20% of the expected interval.
	jitterStabilityThreshold = 0.20
)

// Stats summarises event timing over a window.
type Stats struct {
	Events     int           `json:"events"`
	Duration   time.Duration `json:"duration"`
	FPSMean    float64       `json:"fps_mean"`
	FPSStdDev  float64       `json:"fps_stddev"`
	FPSMin     float64       `json:"fps_min"`
	FPSMax     float64       `json:"fps_max"`
	JitterMean float64       `json:"jitter_mean_s"`
	JitterMax  float64       `json:"jitter_max_s"`
	IsStable   bool          `json:"is_stable"`
}

// Calculate computes rate statistics from ordered event times.
//
// FPSMean is derived from the span between the first and last event so it is
// independent of how long the window was open before the first event.
// Instantaneous rates come from consecutive intervals; zero-length intervals
// are skipped.
func Calculate(times []time.Time) Stats {
	n := len(times)
	if n < 2 {
		return Stats{Events: n}
	}

	span := times[n-1].Sub(times[0])
	s := Stats{Events: n, Duration: span}
	if span <= 0 {
		return s
	}
	s.FPSMean = float64(n-1) / span.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return s
	}

	s.FPSMin = math.Inf(1)
	var sumSquares float64
	for _, d := range intervals {
		fps := 1.0 / d
		s.FPSMin = math.Min(s.FPSMin, fps)
		s.FPSMax = math.Max(s.FPSMax, fps)
		diff := fps - s.FPSMean
		sumSquares += diff * diff
	}
	s.FPSStdDev = math.Sqrt(sumSquares / float64(len(intervals)))

	expected := 1.0 / s.FPSMean
	var jitterSum float64
	for _, d := range intervals {
		j := math.Abs(d - expected)
		jitterSum += j
		s.JitterMax = math.Max(s.JitterMax, j)
	}
	s.JitterMean = jitterSum / float64(len(intervals))

	s.IsStable = s.FPSStdDev < s.FPSMean*fpsStabilityThreshold &&
		s.JitterMean < expected*jitterStabilityThreshold

	return s
}
