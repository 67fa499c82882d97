package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes unit logs to a directory at a deterministic path keyed by
// unit name, stable across restarts.
type FileSink struct {
	dir string
}

// NewFileSink creates the sink, ensuring the directory exists.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Store writes the content atomically (temp file + rename) so a partially
// written archive is never mistaken for a complete one.
func (s *FileSink) Store(_ context.Context, unitName string, content []byte) error {
	final := s.Path(unitName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	return nil
}

// Path returns the deterministic archive path for a unit.
func (s *FileSink) Path(unitName string) string {
	return filepath.Join(s.dir, unitName+".log")
}

// Read loads a previously archived unit's output.
func (s *FileSink) Read(unitName string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(unitName))
	if err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", unitName, err)
	}
	return data, nil
}
