// Package source reads and writes the live filter configuration that a
// search starts from and publishes its result to.
package source

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// Source is the outward-facing configuration surface
type Source interface {
	// Current returns the live configuration
	Current(ctx context.Context) (filters.Config, error)
	// Apply writes cfg and returns the share of parameters written successfully
	Apply(ctx context.Context, cfg filters.Config) (float64, error)
}

// FileSource keeps the configuration in a YAML file
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Current loads the file
func (s *FileSource) Current(_ context.Context) (filters.Config, error) {
	return filters.LoadFile(s.path)
}

// Apply replaces the file contents. The write is all or nothing.
func (s *FileSource) Apply(_ context.Context, cfg filters.Config) (float64, error) {
	if err := filters.SaveFile(s.path, cfg); err != nil {
		return 0, fmt.Errorf("failed to apply config to %s: %w", s.path, err)
	}
	return 1, nil
}
