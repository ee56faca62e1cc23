package domain

import (
	"context"
	"time"
)

type EventKind string

const (
	EventBackup  EventKind = "backup"
	EventRestore EventKind = "restore"
	EventRecover EventKind = "recover"
)

// Event summarises one finished operation for operators.
type Event struct {
	Kind     EventKind
	RunID    string
	Database string
	Artifact string
	Size     int64
	Duration time.Duration
	Detail   string
	Err      error
}

func (e Event) OK() bool { return e.Err == nil }

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
