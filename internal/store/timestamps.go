// Package store persists recording artifacts next to the video: the frame
// timestamp array and the pose table.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// SaveTimestamps writes frame times (seconds since epoch) as a 1-D float64 .npy array.
func SaveTimestamps(path string, seconds []float64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ts-*.npy")
	if err != nil {
		return fmt.Errorf("failed to create timestamp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := npyio.Write(tmp, seconds); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write timestamps: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close timestamp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save timestamps: %w", err)
	}
	return nil
}

// LoadTimestamps reads an array written by SaveTimestamps.
func LoadTimestamps(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var seconds []float64
	if err := npyio.Read(f, &seconds); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return seconds, nil
}
