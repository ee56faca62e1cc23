package domain

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage is a durable blob store holding backup artifacts.
type Storage interface {
	Name() string
	// Put uploads localPath under key. It never removes localPath.
	Put(ctx context.Context, localPath string, key string) error
	// Get downloads key into localPath. localPath is only replaced on success.
	Get(ctx context.Context, key string, localPath string) error
	// List returns every object whose key starts with prefix, in store order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
