package domain

import (
	"errors"
	"fmt"
	"strings"
)

// TransferError is an object-store failure. Nothing on the engine was touched.
type TransferError struct {
	Op  string
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

type CorruptArtifactError struct {
	Path string
	Err  error
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("corrupt artifact %s: %v", e.Path, e.Err)
}

func (e *CorruptArtifactError) Unwrap() error { return e.Err }

type DatabaseProvisionError struct {
	Database string
	Op       string
	Err      error
}

func (e *DatabaseProvisionError) Error() string {
	return fmt.Sprintf("provision %s %s: %v", e.Op, e.Database, e.Err)
}

func (e *DatabaseProvisionError) Unwrap() error { return e.Err }

type RestoreExecutionError struct {
	Database string
	ExitCode int
	Marker   string
	Output   string
	Err      error
}

func (e *RestoreExecutionError) Error() string {
	msg := fmt.Sprintf("restore into %s failed (exit %d)", e.Database, e.ExitCode)
	if e.Marker != "" {
		msg += fmt.Sprintf(", output contains %q", e.Marker)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RestoreExecutionError) Unwrap() error { return e.Err }

type EvictionError struct {
	Database  string
	Remaining int
	Attempts  int
	Err       error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict sessions on %s: %d still open after %d attempt(s): %v",
		e.Database, e.Remaining, e.Attempts, e.Err)
}

func (e *EvictionError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Token     string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no backup matches %q (available: %s)", e.Token, strings.Join(e.Available, ", "))
}

type AmbiguousArtifactError struct {
	Token      string
	Candidates []string
}

func (e *AmbiguousArtifactError) Error() string {
	return fmt.Sprintf("%q matches %d backups, pick one with --key: %s",
		e.Token, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

type ConcurrentSwapError struct {
	ActiveName string
	Holder     string
}

func (e *ConcurrentSwapError) Error() string {
	msg := fmt.Sprintf("another swap against %s is in progress", e.ActiveName)
	if e.Holder != "" {
		msg += " (" + e.Holder + ")"
	}
	return msg
}

// PartialSwapError means the rename sequence stopped between its two steps,
// or that a single rename of StagingName to TargetName has an unknown outcome.
// It must not be compensated automatically.
type PartialSwapError struct {
	// MissingName and RetainedName are empty for a single-rename swap.
	MissingName  string
	RetainedName string
	StagingName  string
	TargetName   string
	Err          error
}

func (e *PartialSwapError) Error() string {
	if e.RetainedName == "" {
		return fmt.Sprintf("swap outcome unknown: rename %s -> %s may not have been applied: %v",
			e.StagingName, e.TargetName, e.Err)
	}
	return fmt.Sprintf("partial swap: %s is missing, previous data parked at %s, restored data at %s: %v",
		e.MissingName, e.RetainedName, e.StagingName, e.Err)
}

func (e *PartialSwapError) Unwrap() error { return e.Err }

// RunError wraps any orchestrator failure with where it stopped.
type RunError struct {
	RunID     string
	LastState SwapState
	Hint      string
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("restore run %s failed after %s: %v", e.RunID, e.LastState, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Hint returns the deterministic remediation for err, if any.
func Hint(last SwapState, err error) string {
	var partial *PartialSwapError
	var concurrent *ConcurrentSwapError
	switch {
	case errors.As(err, &partial) && partial.RetainedName == "":
		return fmt.Sprintf("check `pgswap list_dbs` for %s or %s before retrying", partial.TargetName, partial.StagingName)
	case errors.As(err, &partial):
		return fmt.Sprintf("run `pgswap recover` to rename %s back to %s", partial.RetainedName, partial.MissingName)
	case errors.As(err, &concurrent):
		return "wait for the running swap to finish, then retry"
	case last.SafeToRetry():
		return "the active database was not touched; retry from Idle"
	default:
		return "inspect the databases with `pgswap list_dbs` and run `pgswap recover` if the active name is missing"
	}
}
