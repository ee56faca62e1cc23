package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an exponential backoff. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	Multiplier      float64
}

// Eviction is the default budget for waiting on sessions to drain.
func Eviction() Policy {
	return Policy{
		MaxAttempts:     8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
		Multiplier:      2.0,
	}
}

// Transfer is used around object store calls.
func Transfer() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		MaxElapsed:      2 * time.Minute,
		Multiplier:      2.0,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = p.MaxElapsed
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do calls op until it succeeds, returns a Permanent error, or the policy
// gives up. notify, when set, runs before each wait.
func Do(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}

// Permanent stops Do without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Transient wraps op so that only errors that look like network or
// throttling trouble are retried.
func Transient(op func() error) func() error {
	return func() error {
		err := op()
		var permanent *backoff.PermanentError
		if err == nil || errors.As(err, &permanent) || IsTransient(err) {
			return err
		}
		return Permanent(err)
	}
}

var transientPatterns = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"too many requests",
	"throttl",
	"slowdown",
	"try again",
}

func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
