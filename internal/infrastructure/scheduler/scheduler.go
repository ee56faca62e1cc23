package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/semmidev/pgswap/internal/domain"
)

type Scheduler struct {
	cron *cron.Cron
	log  domain.Logger
	ctx  context.Context
}

func New(log domain.Logger) *Scheduler {
	adapter := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log: log,
		ctx: context.Background(),
	}
}

// AddJob registers job under a name used in log lines. A run that is
// still going when the next tick fires is skipped.
func (s *Scheduler) AddJob(name, spec string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		s.log.Infof("job %s started", name)
		if err := job(s.ctx); err != nil {
			s.log.Errorf("job %s failed after %s: %v", name, time.Since(started).Round(time.Millisecond), err)
			return
		}
		s.log.Infof("job %s finished in %s", name, time.Since(started).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	return nil
}

// Next reports when the earliest job fires next, zero if none are registered.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		at := e.Next
		// cron fills in Next only once started.
		if at.IsZero() {
			at = e.Schedule.Next(time.Now())
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.Start()
	<-ctx.Done()
	s.Stop()
}

type cronLogger struct {
	log domain.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debugf("cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Errorf("cron: %s %v: %v", msg, keysAndValues, err)
}
