package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/semmidev/pgswap/internal/domain"
)

// LocalStorage keeps objects as files under basePath; keys map to
// relative paths.
type LocalStorage struct {
	basePath string
}

func NewLocal(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (l *LocalStorage) Name() string {
	return "file://" + l.basePath
}

func (l *LocalStorage) path(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(normalizeKey(key)))
}

func (l *LocalStorage) Put(ctx context.Context, localPath string, key string) error {
	source, err := os.Open(localPath)
	if err != nil {
		return transferError("put", key, fmt.Errorf("failed to open source: %w", err))
	}
	defer source.Close()

	if err := writeAtomically(l.path(key), func(f *os.File) error { return copyInto(f, source) }); err != nil {
		return transferError("put", key, err)
	}
	return nil
}

func (l *LocalStorage) Get(ctx context.Context, key string, localPath string) error {
	source, err := os.Open(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return transferError("get", key, domain.ErrObjectNotFound)
	}
	if err != nil {
		return transferError("get", key, err)
	}
	defer source.Close()

	if err := writeAtomically(localPath, func(f *os.File) error { return copyInto(f, source) }); err != nil {
		return transferError("get", key, err)
	}
	return nil
}

func (l *LocalStorage) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	var objects []domain.ObjectInfo
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, normalizeKey(prefix)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", key, err)
		}
		objects = append(objects, domain.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, transferError("list", prefix, err)
	}
	return objects, nil
}

func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return transferError("delete", key, domain.ErrObjectNotFound)
	}
	if err != nil {
		return transferError("delete", key, fmt.Errorf("failed to delete file: %w", err))
	}
	return nil
}
