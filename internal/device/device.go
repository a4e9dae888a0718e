// Package device defines the capture device contract and the registry that
// maps a configured kind to its constructor.
//
// Device families register themselves from init, the same way database/sql
// drivers do:
//
//	import _ "github.com/e7canasta/poselive/internal/device/gstdevice"
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/poselive/internal/config"
)

// ErrClosed is returned by ImageOnTime after Close or when the source ends.
var ErrClosed = errors.New("device: closed")

// Device produces timestamped RGB24 frames.
type Device interface {
	// Open acquires the device. A failed Open leaves the device closed.
	Open(ctx context.Context) error
	// ImageOnTime blocks until the device's pacing admits the next frame and
	// returns its pixels and capture time. The slice is only valid until the
	// next call.
	ImageOnTime(ctx context.Context) ([]byte, time.Time, error)
	// Close releases the device.
	Close() error
	// Size returns the dimensions of the frames ImageOnTime returns.
	Size() (width, height int)
	// FPS returns the target frame rate.
	FPS() float64
}

// Factory builds a device from its camera configuration.
type Factory func(cfg config.CameraConfig) (Device, error)

// Kind describes one registered device family.
type Kind struct {
	Name string
	New  Factory
	// ArgRestrictions lists the accepted values of restricted params keys.
	ArgRestrictions map[string][]string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Kind)
)

// Register makes a device family available to New. Registering the same name
// twice panics.
func Register(k Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if k.New == nil {
		panic("device: Register factory is nil for " + k.Name)
	}
	if _, dup := registry[k.Name]; dup {
		panic("device: Register called twice for " + k.Name)
	}
	registry[k.Name] = k
}

// Kinds returns the registered device family names, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the registered family for name.
func Lookup(name string) (Kind, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	k, ok := registry[name]
	return k, ok
}

// New builds the device for cfg, wrapping it with crop and rotation if configured.
func New(cfg config.CameraConfig) (Device, error) {
	k, ok := Lookup(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown device kind %q (registered: %v)", cfg.Kind, Kinds())
	}

	if err := checkRestrictions(k, cfg.Params); err != nil {
		return nil, err
	}

	dev, err := k.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s device: %w", cfg.Kind, err)
	}

	if len(cfg.Crop) == 4 || cfg.Rotate != 0 {
		return NewTransform(dev, cfg.Crop, cfg.Rotate)
	}
	return dev, nil
}

func checkRestrictions(k Kind, params map[string]string) error {
	for key, allowed := range k.ArgRestrictions {
		v, ok := params[key]
		if !ok {
			continue
		}
		valid := false
		for _, a := range allowed {
			if v == a {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("%s device: param %s=%q not in %v", k.Name, key, v, allowed)
		}
	}
	return nil
}
