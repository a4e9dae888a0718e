package estimator

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/e7canasta/poselive/internal/protocol"
	"github.com/e7canasta/poselive/internal/types"
)

// Request types
const (
	RequestInit = "init"
	RequestPose = "pose"
)

// Request is sent to the estimator process for every frame.
type Request struct {
	Type      string  `msgpack:"type"`
	FrameData []byte  `msgpack:"frame_data"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Seq       uint64  `msgpack:"seq"`
	Timestamp float64 `msgpack:"timestamp"` // seconds since epoch
}

// Response carries one pose back from the estimator process.
type Response struct {
	Pose        types.Pose `msgpack:"pose"`
	Bodyparts   []string   `msgpack:"bodyparts,omitempty"` // init only
	InferenceMS float64    `msgpack:"inference_ms"`
	Error       string     `msgpack:"error,omitempty"`
}

// Frame rebuilds the frame carried by the request.
func (r Request) Frame() types.Frame {
	return types.Frame{
		Seq:       r.Seq,
		Timestamp: types.FromSeconds(r.Timestamp),
		Width:     r.Width,
		Height:    r.Height,
		Data:      r.FrameData,
	}
}

func newRequest(typ string, frame types.Frame) Request {
	return Request{
		Type:      typ,
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Seq:       frame.Seq,
		Timestamp: types.Seconds(frame.Timestamp),
	}
}

// Serve answers requests read from r with poses from est, writing responses
// to w, until r is exhausted. Estimator errors are reported in the response
// and do not stop the loop.
func Serve(r io.Reader, w io.Writer, est Estimator) error {
	for {
		var req Request
		if err := protocol.Decode(r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		start := time.Now()
		var (
			resp Response
			pose types.Pose
			err  error
		)
		switch req.Type {
		case RequestInit:
			pose, err = est.InitInference(req.Frame())
			resp.Bodyparts = est.Bodyparts()
		case RequestPose:
			pose, err = est.Pose(req.Frame())
		default:
			err = fmt.Errorf("unknown request type %q", req.Type)
		}
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Pose = pose
		resp.InferenceMS = float64(time.Since(start).Microseconds()) / 1000.0

		if err := protocol.Encode(w, resp); err != nil {
			return err
		}
	}
}
