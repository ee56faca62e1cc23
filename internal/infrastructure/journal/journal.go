package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/semmidev/pgswap/internal/domain"
)

// File keeps one YAML marker per active database under dir.
type File struct {
	dir string
	now func() time.Time
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &File{dir: dir, now: time.Now}, nil
}

func (f *File) path(active string) string {
	return filepath.Join(f.dir, active+".swap.yaml")
}

// Save writes through a temp file and fsyncs before renaming, so a crash
// leaves either the old marker or the new one.
func (f *File) Save(marker domain.SwapMarker) error {
	marker.UpdatedAt = f.now().UTC()
	data, err := yaml.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode swap marker: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, marker.ActiveName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write swap marker: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write swap marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync swap marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write swap marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(marker.ActiveName)); err != nil {
		return fmt.Errorf("failed to commit swap marker: %w", err)
	}
	return nil
}

func (f *File) Load(active string) (*domain.SwapMarker, error) {
	data, err := os.ReadFile(f.path(active))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read swap marker: %w", err)
	}

	var marker domain.SwapMarker
	if err := yaml.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to decode swap marker %s: %w", f.path(active), err)
	}
	return &marker, nil
}

func (f *File) Clear(active string) error {
	if err := os.Remove(f.path(active)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear swap marker: %w", err)
	}
	return nil
}
