// Package estimator provides the pose estimators driven by the pose worker.
//
// Kinds are registered by name. Two are built in: "fixed" returns a
// configured pose for every frame and is used for tests and dry runs;
// "process" runs the model in a child process and talks to it over
// stdin/stdout (see wire.go).
package estimator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/types"
)

// ErrEmptyFrame is returned when an estimator is handed a frame with no image.
var ErrEmptyFrame = errors.New("empty frame")

// Estimator turns frames into poses.
//
// InitInference is called once with the first frame and may be slow (model
// load, warmup). Pose is called for every subsequent frame. Implementations
// are not safe for concurrent use.
type Estimator interface {
	InitInference(frame types.Frame) (types.Pose, error)
	Pose(frame types.Frame) (types.Pose, error)
	Bodyparts() []string
	Close() error
}

// Factory builds an estimator from its options. ctx bounds the lifetime of
// any child process the estimator starts.
type Factory func(ctx context.Context, opts config.PoseOptions) (Estimator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("fixed", newFixed)
	Register("process", newProcess)
}

// Register makes an estimator kind available to New. Registering the same
// kind twice panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if f == nil {
		panic("estimator: Register factory is nil for " + kind)
	}
	if _, dup := registry[kind]; dup {
		panic("estimator: Register called twice for " + kind)
	}
	registry[kind] = f
}

// Kinds returns the registered estimator kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the estimator described by opts.
func New(ctx context.Context, opts config.PoseOptions) (Estimator, error) {
	registryMu.RLock()
	f, ok := registry[opts.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown estimator kind %q (registered: %v)", opts.Kind, Kinds())
	}
	return f(ctx, opts)
}

func newFixed(_ context.Context, opts config.PoseOptions) (Estimator, error) {
	pose := make(types.Pose, len(opts.FixedPose))
	for i, kp := range opts.FixedPose {
		if len(kp) != 3 {
			return nil, fmt.Errorf("fixed_pose[%d]: want x, y, likelihood", i)
		}
		pose[i] = types.Keypoint{X: kp[0], Y: kp[1], Likelihood: kp[2]}
	}
	return NewFixed(opts.Bodyparts, pose)
}

func newProcess(ctx context.Context, opts config.PoseOptions) (Estimator, error) {
	args := append([]string(nil), opts.Args...)
	if opts.ModelPath != "" {
		args = append(args, "--model", opts.ModelPath)
	}
	return NewProcess(ctx, ProcessConfig{
		Command:   opts.Command,
		Args:      args,
		Bodyparts: opts.Bodyparts,
		Timeout:   10 * time.Second,
	})
}

func defaultBodyparts(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("bp%d", i)
	}
	return names
}

// Fixed returns the same pose for every frame.
type Fixed struct {
	bodyparts []string
	pose      types.Pose
}

// NewFixed creates a fixed estimator. Missing body part names are filled in
// as bp0, bp1, ...
func NewFixed(bodyparts []string, pose types.Pose) (*Fixed, error) {
	if len(pose) == 0 {
		return nil, fmt.Errorf("fixed estimator needs at least one keypoint")
	}
	if len(bodyparts) == 0 {
		bodyparts = defaultBodyparts(len(pose))
	}
	if len(bodyparts) != len(pose) {
		return nil, fmt.Errorf("%d bodyparts for %d keypoints", len(bodyparts), len(pose))
	}
	return &Fixed{bodyparts: bodyparts, pose: pose.Clone()}, nil
}

func (f *Fixed) InitInference(frame types.Frame) (types.Pose, error) {
	return f.Pose(frame)
}

func (f *Fixed) Pose(frame types.Frame) (types.Pose, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}
	return f.pose.Clone(), nil
}

func (f *Fixed) Bodyparts() []string { return f.bodyparts }

func (f *Fixed) Close() error { return nil }
