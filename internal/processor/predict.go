package processor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/e7canasta/poselive/internal/types"
)

// Predict moves every keypoint forward by the pose's age, using its velocity
// between the last two poses. Keypoints below the likelihood cutoff in
// either pose are left where the estimator put them.
type Predict struct {
	cutoff  float64
	maxLead time.Duration
	now     func() time.Time

	prev     types.Pose
	prevTime time.Time

	frames    int
	totalLead time.Duration
}

func newPredict(args Args) (Processor, error) {
	p := &Predict{now: time.Now}
	var err error
	if p.cutoff, err = args.Float("cutoff", 0.5); err != nil {
		return nil, err
	}
	if p.maxLead, err = args.Duration("max_lead", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if p.maxLead <= 0 {
		return nil, fmt.Errorf("max_lead must be > 0")
	}
	return p, nil
}

func (p *Predict) Process(pose types.Pose, frameTime time.Time, _ bool) (types.Pose, error) {
	lead := p.now().Sub(frameTime)
	if lead > p.maxLead {
		lead = p.maxLead
	}
	if lead < 0 {
		lead = 0
	}

	out := pose.Clone()
	dt := frameTime.Sub(p.prevTime).Seconds()
	if len(p.prev) == len(pose) && dt > 0 {
		ahead := lead.Seconds()
		for i, kp := range pose {
			prev := p.prev[i]
			if kp.Likelihood < p.cutoff || prev.Likelihood < p.cutoff {
				continue
			}
			out[i].X = kp.X + (kp.X-prev.X)/dt*ahead
			out[i].Y = kp.Y + (kp.Y-prev.Y)/dt*ahead
		}
		p.frames++
		p.totalLead += lead
	}

	p.prev = pose.Clone()
	p.prevTime = frameTime
	return out, nil
}

// Save writes the predictor's settings and how far it extrapolated.
func (p *Predict) Save(path string) error {
	var meanLead float64
	if p.frames > 0 {
		meanLead = float64(p.totalLead.Microseconds()) / float64(p.frames) / 1000.0
	}
	data, err := json.MarshalIndent(map[string]any{
		"kind":         "predict",
		"cutoff":       p.cutoff,
		"max_lead_ms":  p.maxLead.Milliseconds(),
		"predicted":    p.frames,
		"mean_lead_ms": meanLead,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode predict record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save predict record: %w", err)
	}
	return nil
}

func (p *Predict) Close() error { return nil }
