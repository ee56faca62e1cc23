package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrObjectInUse is returned when a rename or drop races with a new session.
	ErrObjectInUse = errors.New("database is being accessed by other users")
	// ErrCommitUnknown means the swap transaction's outcome could not be observed.
	ErrCommitUnknown = errors.New("swap commit outcome unknown")
)

const (
	StagingSuffix    = "_restore"
	RetainedSuffix   = "_old"
	// SupersededSuffix holds the previous rollback point while a swap
	// transaction replaces it. No longer than StagingSuffix.
	SupersededSuffix = "_old_tmp"
)

type Role string

const (
	RoleActive  Role = "Active"
	RoleStaging Role = "Staging"
	RoleRetired Role = "Retired"
	RoleOther   Role = ""
)

// DatabaseHandle addresses one named database on an engine instance.
// Credentials are passed through untouched.
type DatabaseHandle struct {
	Name     string
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
	Role     Role
}

// WithName returns a copy of h pointing at another database on the same engine.
func (h DatabaseHandle) WithName(name string, role Role) DatabaseHandle {
	h.Name = name
	h.Role = role
	return h
}

func (h DatabaseHandle) String() string {
	return fmt.Sprintf("%s@%s:%d", h.Name, h.Host, h.Port)
}

func StagingName(base string) string  { return base + StagingSuffix }
func RetainedName(base string) string { return base + RetainedSuffix }

func SupersededName(base string) string { return base + SupersededSuffix }

// RoleOf infers the role of name relative to base from the naming convention.
func RoleOf(base, name string) Role {
	switch name {
	case base:
		return RoleActive
	case StagingName(base):
		return RoleStaging
	case RetainedName(base):
		return RoleRetired
	}
	return RoleOther
}

type ProcessResult struct {
	ExitCode int
	Output   string
	Bytes    int64
}

// FatalIn reports the first marker found in the captured output.
func (r ProcessResult) FatalIn(markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(r.Output, m) {
			return m, true
		}
	}
	return "", false
}

// ProcessRunner invokes the engine's native dump and restore tools.
type ProcessRunner interface {
	Dump(ctx context.Context, db DatabaseHandle, outputPath string) (ProcessResult, error)
	Restore(ctx context.Context, db DatabaseHandle, inputPath string) (ProcessResult, error)
	// CheckTools verifies the dump and restore binaries can be executed.
	CheckTools(ctx context.Context) error
}

type DatabaseInfo struct {
	Name     string
	Size     int64
	Sessions int
}

type Rename struct {
	From string
	To   string
}

// Engine is the metadata surface of the target engine used by the swap.
type Engine interface {
	Ping(ctx context.Context) error
	ListDatabases(ctx context.Context) ([]DatabaseInfo, error)
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Drop(ctx context.Context, name string) error
	TerminateSessions(ctx context.Context, name string) (int, error)
	SessionCount(ctx context.Context, name string) (int, error)
	Rename(ctx context.Context, from, to string) error
	// SwapAtomic applies renames in order as one transaction.
	SwapAtomic(ctx context.Context, renames []Rename) error
	Validate(ctx context.Context, name string, check ValidationCheck) error
}

type ValidationCheck struct {
	Query      string
	AllowEmpty bool
}

// Lease grants exclusive swap rights over one active name. Acquire must
// fail fast with *ConcurrentSwapError rather than wait.
type Lease interface {
	Acquire(ctx context.Context, active string) (release func(), err error)
}
