// Package processor runs closed-loop logic on every pose before it is
// published: extrapolating keypoints to compensate for inference delay, or
// switching an external output when the animal enters a region.
//
// Processors are registered by kind and selected per pose option set:
//
//	pose_options:
//	  dlc:
//	    kind: process
//	    processor:
//	      kind: zone
//	      args: {bodypart: "0", x_min: "100", x_max: "200", output: /dev/ttyACM0}
package processor

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/types"
)

// Suffix is appended to a recording's base name for the processor's record.
const Suffix = "_PROC"

// Processor transforms or reacts to each pose. Implementations are driven
// from the pose worker's loop and are not safe for concurrent use.
type Processor interface {
	// Process receives every pose with the capture time of its frame.
	// record is true while the pipeline is recording. The returned pose is
	// what gets displayed and stored.
	Process(pose types.Pose, frameTime time.Time, record bool) (types.Pose, error)
	// Save writes the processor's own record to path.
	Save(path string) error
	Close() error
}

// Factory builds a processor from its arguments.
type Factory func(args Args) (Processor, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("zone", newZone)
	Register("predict", newPredict)
}

// Register makes a processor kind available to New. Registering the same
// kind twice panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if f == nil {
		panic("processor: Register factory is nil for " + kind)
	}
	if _, dup := registry[kind]; dup {
		panic("processor: Register called twice for " + kind)
	}
	registry[kind] = f
}

// Kinds returns the registered processor kinds, sorted.
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

// New builds the processor described by cfg.
func New(cfg config.ProcessorConfig) (Processor, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown processor kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	p, err := f(Args(cfg.Args))
	if err != nil {
		return nil, fmt.Errorf("%s processor: %w", cfg.Kind, err)
	}
	return p, nil
}

// Args are the string-valued settings of one processor.
type Args map[string]string

// Float returns the named argument, or def when it is absent.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// Int returns the named argument, or def when it is absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Duration returns the named argument, or def when it is absent.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
