package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/semmidev/pgswap/internal/config"
	"github.com/semmidev/pgswap/internal/domain"
)

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (domain.Storage, error) {
	switch cfg.Type {
	case "s3":
		return NewS3(ctx, cfg.S3)
	case "local":
		return NewLocal(cfg.Local.Path)
	case "gdrive":
		return NewGDrive(ctx, cfg.GDrive)
	case "azure":
		return NewAzure(cfg.Azure)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func transferError(op, key string, err error) error {
	return &domain.TransferError{Op: op, Key: key, Err: err}
}

// writeAtomically fills a temp file next to localPath and renames it into
// place only when fill succeeds.
func writeAtomically(localPath string, fill func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), localPath)
}

func copyInto(f *os.File, r io.Reader) error {
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return f.Sync()
}

func normalizeKey(key string) string {
	return strings.TrimPrefix(key, "/")
}
