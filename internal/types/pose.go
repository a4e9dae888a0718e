package types

import "time"

// Keypoint is a single body part estimate
type Keypoint struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Likelihood float64 `json:"likelihood" msgpack:"likelihood"`
}

// Pose is an ordered set of keypoints, one per tracked body part.
// Its length is fixed for the lifetime of a pose session.
type Pose []Keypoint

// Clone returns a copy of the pose.
func (p Pose) Clone() Pose {
	if p == nil {
		return nil
	}
	out := make(Pose, len(p))
	copy(out, p)
	return out
}

// Scale multiplies keypoint coordinates by factor, leaving likelihoods untouched.
func (p Pose) Scale(factor float64) Pose {
	out := p.Clone()
	for i := range out {
		out[i].X *= factor
		out[i].Y *= factor
	}
	return out
}

// PoseSample is a pose together with the timing of the frame it came from
type PoseSample struct {
	Pose      Pose      `json:"pose"`
	FrameSeq  uint64    `json:"frame_seq"`
	FrameTime time.Time `json:"frame_time"`
	PoseTime  time.Time `json:"pose_time"`
}

// LatencyMS returns the time between frame capture and pose completion.
func (s PoseSample) LatencyMS() float64 {
	if s.FrameTime.IsZero() || s.PoseTime.IsZero() {
		return 0
	}
	return float64(s.PoseTime.Sub(s.FrameTime).Microseconds()) / 1000.0
}
