package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semmidev/pgswap/internal/domain"
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitPartialSwap = 3
)

// usageError marks configuration and command line mistakes.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by Execute to the process exit status.
func ExitCode(err error) int {
	var usage *usageError
	var partial *domain.PartialSwapError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &partial):
		return ExitPartialSwap
	case errors.As(err, &usage):
		return ExitUsage
	default:
		return ExitFailure
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	return nil
}
