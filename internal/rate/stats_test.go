package rate

import (
	"math"
	"testing"
	"time"
)

func evenlySpaced(n int, interval time.Duration) []time.Time {
	start := time.Unix(1000, 0)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * interval)
	}
	return out
}

func TestCalculateSteadyStream(t *testing.T) {
	s := Calculate(evenlySpaced(31, time.Second/30))

	if math.Abs(s.FPSMean-30) > 0.01 {
		t.Errorf("FPSMean = %.3f, want 30", s.FPSMean)
	}
	if s.FPSStdDev > 0.01 {
		t.Errorf("FPSStdDev = %.3f, want ~0", s.FPSStdDev)
	}
	if !s.IsStable {
		t.Error("steady 30 fps stream reported unstable")
	}
	if want := 30 * (time.Second / 30); s.Duration != want {
		t.Errorf("Duration = %v, want %v", s.Duration, want)
	}
}

func TestCalculateJitteryStream(t *testing.T) {
	times := evenlySpaced(2, 10*time.Millisecond)
	last := times[1]
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			last = last.Add(5 * time.Millisecond)
		} else {
			last = last.Add(80 * time.Millisecond)
		}
		times = append(times, last)
	}

	s := Calculate(times)
	if s.IsStable {
		t.Errorf("jittery stream reported stable: %+v", s)
	}
	if s.FPSMax <= s.FPSMin {
		t.Errorf("FPSMax %.1f <= FPSMin %.1f", s.FPSMax, s.FPSMin)
	}
}

func TestCalculateDegenerate(t *testing.T) {
	if s := Calculate(nil); s.Events != 0 || s.FPSMean != 0 {
		t.Errorf("Calculate(nil) = %+v", s)
	}
	same := []time.Time{time.Unix(5, 0), time.Unix(5, 0), time.Unix(5, 0)}
	if s := Calculate(same); s.FPSMean != 0 || s.IsStable {
		t.Errorf("Calculate(identical times) = %+v", s)
	}
}

func TestTrackerWindow(t *testing.T) {
	tr := NewTracker(4)
	if !tr.Last().IsZero() {
		t.Fatal("Last() non-zero on empty tracker")
	}

	times := evenlySpaced(6, 10*time.Millisecond)
	for _, at := range times {
		tr.Record(at)
	}

	w := tr.Window()
	if len(w) != 4 {
		t.Fatalf("Window() len = %d, want 4", len(w))
	}
	for i, at := range w {
		if !at.Equal(times[i+2]) {
			t.Fatalf("Window()[%d] = %v, want %v", i, at, times[i+2])
		}
	}
	if !tr.Last().Equal(times[5]) {
		t.Errorf("Last() = %v, want %v", tr.Last(), times[5])
	}
	if tr.Total() != 6 {
		t.Errorf("Total() = %d, want 6", tr.Total())
	}
	if s := tr.Stats(); math.Abs(s.FPSMean-100) > 0.01 {
		t.Errorf("Stats().FPSMean = %.2f, want 100", s.FPSMean)
	}
}
