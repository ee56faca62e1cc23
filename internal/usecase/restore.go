package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/semmidev/pgswap/internal/domain"
	"github.com/semmidev/pgswap/internal/infrastructure/retry"
)

type RestoreOptions struct {
	// Active is the connection to the database being replaced. Its Name is
	// the active name every plan is derived from.
	Active            domain.DatabaseHandle
	KeepPrevious      bool
	TransactionalSwap bool
	FatalMarkers      []string
	Validation        domain.ValidationCheck
	Eviction          retry.Policy
	ScratchDir        string
}

type RestoreRequest struct {
	Artifact domain.BackupArtifact
	// Destination promotes the restored data under a new name when it
	// differs from the active name.
	Destination string
	// RunID is generated when empty.
	RunID string
}

type RestoreResult struct {
	RunID        string
	Artifact     string
	FinalName    string
	RetainedName string
	Duration     time.Duration
}

// Restore drives one artifact through staging, validation and the swap.
type Restore struct {
	engine     domain.Engine
	runner     domain.ProcessRunner
	storage    domain.Storage
	compressor domain.Compressor
	lease      domain.Lease
	journal    domain.Journal
	notifier   domain.Notifier
	logger     domain.Logger
	opts       RestoreOptions
}

func NewRestore(
	engine domain.Engine,
	runner domain.ProcessRunner,
	storage domain.Storage,
	compressor domain.Compressor,
	lease domain.Lease,
	journal domain.Journal,
	notifier domain.Notifier,
	logger domain.Logger,
	opts RestoreOptions,
) *Restore {
	return &Restore{
		engine:     engine,
		runner:     runner,
		storage:    storage,
		compressor: compressor,
		lease:      lease,
		journal:    journal,
		notifier:   notifier,
		logger:     logger,
		opts:       opts,
	}
}

func (uc *Restore) Execute(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	start := time.Now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	run := &restoreRun{
		uc:       uc,
		id:       req.RunID,
		artifact: req.Artifact,
		plan:     domain.NewSwapPlan(uc.opts.Active.Name, req.Destination, uc.opts.KeepPrevious),
		last:     domain.StateIdle,
	}

	result, err := run.execute(ctx)
	result.RunID = run.id
	result.Artifact = req.Artifact.Key
	result.Duration = time.Since(start)

	if err != nil {
		runErr := &domain.RunError{
			RunID:     run.id,
			LastState: run.last,
			Hint:      domain.Hint(run.last, err),
			Err:       err,
		}
		uc.logger.Errorf("[%s] %s: run %s stopped after %s: %v", run.plan.ActiveName, domain.StateFailed, run.id, run.last, err)
		uc.logger.Errorf("[%s] %s: %s", run.plan.ActiveName, domain.StateFailed, runErr.Hint)
		uc.notify(ctx, run, result, runErr)
		return result, runErr
	}

	uc.logger.Infof("[%s] %s: %s now holds %s (took %s)",
		run.plan.ActiveName, domain.StateDone, result.FinalName, describe(req.Artifact), result.Duration.Round(time.Second))
	uc.notify(ctx, run, result, nil)
	return result, nil
}

func (uc *Restore) notify(ctx context.Context, run *restoreRun, result RestoreResult, err error) {
	event := domain.Event{
		Kind:     domain.EventRestore,
		RunID:    run.id,
		Database: run.plan.DestinationName,
		Artifact: run.artifact.Name,
		Size:     run.artifact.Size,
		Duration: result.Duration,
		Err:      err,
	}
	if result.RetainedName != "" {
		event.Detail = "Previous data kept as " + result.RetainedName
	}
	if nerr := uc.notifier.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		uc.logger.Warnf("[%s] Failed to send notification: %v", run.plan.ActiveName, nerr)
	}
}

// restoreRun is the state of one Execute call.
type restoreRun struct {
	uc       *Restore
	id       string
	artifact domain.BackupArtifact
	plan     domain.SwapPlan

	// last is the last state that completed.
	last           domain.SwapState
	stagingCreated bool
	activeExists   bool
}

func (r *restoreRun) logf(state domain.SwapState, format string, args ...any) {
	r.uc.logger.Infof("[%s] %s: %s", r.plan.ActiveName, state, fmt.Sprintf(format, args...))
}

// step runs fn as state, checking for cancellation first.
func (r *restoreRun) step(ctx context.Context, state domain.SwapState, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled before %s: %w", state, err)
	}
	if err := fn(); err != nil {
		return err
	}
	r.last = state
	return nil
}

func (r *restoreRun) execute(ctx context.Context) (result RestoreResult, err error) {
	plan := r.plan
	r.logf(domain.StateIdle, "run %s restoring %s into %s", r.id, describe(r.artifact), plan.DestinationName)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("cancelled before start: %w", err)
	}

	release, err := r.uc.lease.Acquire(ctx, plan.ActiveName)
	if err != nil {
		return result, err
	}
	defer release()

	if err := r.preflight(ctx); err != nil {
		return result, err
	}

	workDir := filepath.Join(r.uc.opts.ScratchDir, r.id)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return result, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	compressed := filepath.Join(workDir, r.artifact.Name)
	dump := filepath.Join(workDir, strings.TrimSuffix(r.artifact.Name, ".gz"))

	defer func() {
		if err != nil && r.stagingCreated && !isPartial(err) {
			r.dropStaging(context.WithoutCancel(ctx))
		}
	}()

	if err := r.step(ctx, domain.StateDownloading, func() error {
		r.logf(domain.StateDownloading, "fetching %s from %s", r.artifact.Key, r.uc.storage.Name())
		if err := r.uc.storage.Get(ctx, r.artifact.Key, compressed); err != nil {
			return asTransfer("get", r.artifact.Key, err)
		}
		return nil
	}); err != nil {
		return result, err
	}

	if err := r.step(ctx, domain.StateExtracting, func() error {
		n, err := r.uc.compressor.Decompress(compressed, dump)
		if err != nil {
			return err
		}
		r.logf(domain.StateExtracting, "decompressed %d bytes", n)
		os.Remove(compressed)
		return nil
	}); err != nil {
		return result, err
	}

	if err := r.step(ctx, domain.StateStagingCreated, func() error {
		return r.createStaging(ctx)
	}); err != nil {
		return result, err
	}

	if err := r.step(ctx, domain.StateRestoring, func() error {
		return r.restore(ctx, dump)
	}); err != nil {
		return result, err
	}

	if err := r.step(ctx, domain.StateValidated, func() error {
		if err := r.uc.engine.Validate(ctx, plan.StagingName, r.uc.opts.Validation); err != nil {
			return fmt.Errorf("validate %s: %w", plan.StagingName, err)
		}
		r.logf(domain.StateValidated, "%s passed validation", plan.StagingName)
		return nil
	}); err != nil {
		return result, err
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("cancelled before %s: %w", domain.StateEvicting, err)
	}

	// From here on the run goes to a safe checkpoint regardless of ctx.
	swapCtx := context.WithoutCancel(ctx)

	if err := r.step(swapCtx, domain.StateEvicting, func() error {
		exists, err := r.uc.engine.Exists(swapCtx, plan.ActiveName)
		if err != nil {
			return &domain.DatabaseProvisionError{Database: plan.ActiveName, Op: "inspect", Err: err}
		}
		r.activeExists = exists
		return r.evict(swapCtx, plan.EvictionTargets(exists)...)
	}); err != nil {
		return result, err
	}

	if err := r.step(swapCtx, domain.StateSwapping, func() error {
		return r.swap(swapCtx)
	}); err != nil {
		return result, err
	}
	r.stagingCreated = false

	retained := ""
	if !plan.Alternate() && r.activeExists {
		retained = plan.ParkingName()
	}
	if err := r.step(swapCtx, domain.StateRetiring, func() error {
		if retained == "" || plan.PreviousRetainedName != "" {
			return nil
		}
		r.logf(domain.StateRetiring, "dropping previous database %s", retained)
		if err := r.dropEvicted(swapCtx, retained); err != nil {
			r.uc.logger.Warnf("[%s] %s: could not drop %s, remove it manually: %v", plan.ActiveName, domain.StateRetiring, retained, err)
		}
		retained = ""
		return nil
	}); err != nil {
		return result, err
	}

	r.last = domain.StateDone
	result.FinalName = plan.DestinationName
	result.RetainedName = retained
	return result, nil
}

// preflight refuses plans that would clobber something the run does not own.
func (r *restoreRun) preflight(ctx context.Context) error {
	plan := r.plan

	marker, err := r.uc.journal.Load(plan.ActiveName)
	if err != nil {
		return err
	}
	if marker != nil {
		return fmt.Errorf("run %s left an unfinished swap of %s at step %s; run `pgswap recover` first",
			marker.RunID, plan.ActiveName, marker.Step)
	}

	if plan.Alternate() {
		exists, err := r.uc.engine.Exists(ctx, plan.DestinationName)
		if err != nil {
			return &domain.DatabaseProvisionError{Database: plan.DestinationName, Op: "inspect", Err: err}
		}
		if exists {
			return &domain.DatabaseProvisionError{
				Database: plan.DestinationName,
				Op:       "create",
				Err:      errors.New("destination database already exists"),
			}
		}
	}
	return nil
}

func (r *restoreRun) createStaging(ctx context.Context) error {
	staging := r.plan.StagingName

	exists, err := r.uc.engine.Exists(ctx, staging)
	if err != nil {
		return &domain.DatabaseProvisionError{Database: staging, Op: "inspect", Err: err}
	}
	if exists {
		r.logf(domain.StateStagingCreated, "dropping stale %s left by an earlier run", staging)
		if err := r.dropEvicted(ctx, staging); err != nil {
			return err
		}
	}

	if err := r.uc.engine.Create(ctx, staging); err != nil {
		return &domain.DatabaseProvisionError{Database: staging, Op: "create", Err: err}
	}
	r.stagingCreated = true
	r.logf(domain.StateStagingCreated, "created %s", staging)
	return nil
}

func (r *restoreRun) restore(ctx context.Context, dump string) error {
	staging := r.uc.opts.Active.WithName(r.plan.StagingName, domain.RoleStaging)
	r.logf(domain.StateRestoring, "restoring into %s", staging)

	res, err := r.uc.runner.Restore(ctx, staging, dump)
	if err != nil || res.ExitCode != 0 {
		return &domain.RestoreExecutionError{Database: staging.Name, ExitCode: res.ExitCode, Output: res.Output, Err: err}
	}
	if marker, found := res.FatalIn(r.uc.opts.FatalMarkers); found {
		return &domain.RestoreExecutionError{Database: staging.Name, ExitCode: res.ExitCode, Marker: marker, Output: res.Output}
	}
	r.logf(domain.StateRestoring, "restored %d bytes into %s", res.Bytes, staging.Name)
	return nil
}

// evict terminates sessions on names until none remain or the policy gives up.
func (r *restoreRun) evict(ctx context.Context, names ...string) error {
	attempts := 0
	remaining := 0
	var blocked string

	err := retry.Do(ctx, r.uc.opts.Eviction, func() error {
		attempts++
		remaining = 0
		for _, name := range names {
			killed, err := r.uc.engine.TerminateSessions(ctx, name)
			if err != nil {
				return fmt.Errorf("terminate sessions on %s: %w", name, err)
			}
			if killed > 0 {
				r.logf(domain.StateEvicting, "terminated %d session(s) on %s", killed, name)
			}
		}
		for _, name := range names {
			n, err := r.uc.engine.SessionCount(ctx, name)
			if err != nil {
				return fmt.Errorf("count sessions on %s: %w", name, err)
			}
			if n > 0 {
				remaining += n
				blocked = name
			}
		}
		if remaining > 0 {
			return fmt.Errorf("%d session(s) still connected to %s", remaining, blocked)
		}
		return nil
	}, func(err error, wait time.Duration) {
		r.uc.logger.Warnf("[%s] %s: %v, retrying in %s", r.plan.ActiveName, domain.StateEvicting, err, wait)
	})
	if err != nil {
		if blocked == "" {
			blocked = strings.Join(names, ",")
		}
		return &domain.EvictionError{Database: blocked, Remaining: remaining, Attempts: attempts, Err: err}
	}
	return nil
}

func (r *restoreRun) dropEvicted(ctx context.Context, name string) error {
	if err := r.evict(ctx, name); err != nil {
		return &domain.DatabaseProvisionError{Database: name, Op: "drop", Err: err}
	}
	if err := r.uc.engine.Drop(ctx, name); err != nil {
		return &domain.DatabaseProvisionError{Database: name, Op: "drop", Err: err}
	}
	return nil
}

func (r *restoreRun) dropStaging(ctx context.Context) {
	staging := r.plan.StagingName
	r.uc.logger.Warnf("[%s] %s: dropping %s after failure", r.plan.ActiveName, domain.StateFailed, staging)
	if _, err := r.uc.engine.TerminateSessions(ctx, staging); err != nil {
		r.uc.logger.Warnf("[%s] %s: could not evict %s: %v", r.plan.ActiveName, domain.StateFailed, staging, err)
	}
	if err := r.uc.engine.Drop(ctx, staging); err != nil {
		r.uc.logger.Warnf("[%s] %s: could not drop %s, remove it manually: %v", r.plan.ActiveName, domain.StateFailed, staging, err)
	}
}

func (r *restoreRun) swap(ctx context.Context) error {
	plan := r.plan
	renames := plan.Renames(r.activeExists)
	targets := plan.EvictionTargets(r.activeExists)

	// superseded holds the previous rollback point until the swap commits.
	var superseded string
	if !plan.Alternate() && r.activeExists {
		parking := plan.ParkingName()
		exists, err := r.uc.engine.Exists(ctx, parking)
		if err != nil {
			return &domain.DatabaseProvisionError{Database: parking, Op: "inspect", Err: err}
		}
		switch {
		case exists && r.uc.opts.TransactionalSwap:
			superseded = domain.SupersededName(plan.ActiveName)
			r.logf(domain.StateSwapping, "replacing previous rollback point %s, kept as %s until commit", parking, superseded)
			if err := r.dropIfExists(ctx, superseded); err != nil {
				return err
			}
			if err := r.evict(ctx, parking); err != nil {
				return err
			}
			renames = append([]domain.Rename{{From: parking, To: superseded}}, renames...)
			targets = append(targets, parking)
		case exists:
			r.logf(domain.StateSwapping, "replacing previous rollback point %s", parking)
			if err := r.dropEvicted(ctx, parking); err != nil {
				return err
			}
		}
	}

	for _, rn := range renames {
		r.logf(domain.StateSwapping, "rename %s -> %s", rn.From, rn.To)
	}

	if !r.uc.opts.TransactionalSwap {
		return r.swapInSteps(ctx, renames)
	}

	err := r.withEviction(ctx, targets, func() error {
		return r.uc.engine.SwapAtomic(ctx, renames)
	})
	switch {
	case errors.Is(err, domain.ErrCommitUnknown):
		if superseded != "" {
			r.uc.logger.Warnf("[%s] %s: previous rollback point may be under %s", plan.ActiveName, domain.StateSwapping, superseded)
		}
		return r.partial(err)
	case err != nil:
		return &domain.DatabaseProvisionError{Database: plan.DestinationName, Op: "swap", Err: err}
	}

	if superseded != "" {
		if err := r.dropEvicted(ctx, superseded); err != nil {
			r.uc.logger.Warnf("[%s] %s: could not drop %s, remove it manually: %v", plan.ActiveName, domain.StateSwapping, superseded, err)
		}
	}
	return nil
}

func (r *restoreRun) dropIfExists(ctx context.Context, name string) error {
	exists, err := r.uc.engine.Exists(ctx, name)
	if err != nil {
		return &domain.DatabaseProvisionError{Database: name, Op: "inspect", Err: err}
	}
	if !exists {
		return nil
	}
	r.logf(domain.StateSwapping, "dropping leftover %s", name)
	return r.dropEvicted(ctx, name)
}

// swapInSteps applies renames one by one, journaling progress so recovery
// knows exactly which step completed.
func (r *restoreRun) swapInSteps(ctx context.Context, renames []domain.Rename) error {
	plan := r.plan
	marker := domain.SwapMarker{
		RunID:       r.id,
		Artifact:    r.artifact.Key,
		ActiveName:  plan.ActiveName,
		StagingName: plan.StagingName,
		ParkingName: plan.ParkingName(),
		Step:        domain.StepPending,
	}
	if err := r.uc.journal.Save(marker); err != nil {
		return fmt.Errorf("record swap start: %w", err)
	}

	for i, rn := range renames {
		err := r.withEviction(ctx, r.plan.EvictionTargets(r.activeExists), func() error {
			return r.uc.engine.Rename(ctx, rn.From, rn.To)
		})
		if err != nil {
			if i == 0 {
				if cerr := r.uc.journal.Clear(plan.ActiveName); cerr != nil {
					r.uc.logger.Warnf("[%s] %s: could not clear swap marker: %v", plan.ActiveName, domain.StateSwapping, cerr)
				}
				return &domain.DatabaseProvisionError{Database: rn.From, Op: "rename", Err: err}
			}
			return r.partial(err)
		}

		marker.Step = domain.StepParked
		if rn.From == plan.StagingName {
			marker.Step = domain.StepPromoted
		}
		if err := r.uc.journal.Save(marker); err != nil {
			// The rename is done; only the bookkeeping is behind.
			r.uc.logger.Warnf("[%s] %s: could not record step %s: %v", plan.ActiveName, domain.StateSwapping, marker.Step, err)
		}
	}

	if err := r.uc.journal.Clear(plan.ActiveName); err != nil {
		r.uc.logger.Warnf("[%s] %s: could not clear swap marker: %v", plan.ActiveName, domain.StateSwapping, err)
	}
	return nil
}

// withEviction retries op while the engine reports the database in use,
// evicting again between attempts.
func (r *restoreRun) withEviction(ctx context.Context, targets []string, op func() error) error {
	return retry.Do(ctx, r.uc.opts.Eviction, func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrObjectInUse) {
			return retry.Permanent(err)
		}
		for _, name := range targets {
			if _, terr := r.uc.engine.TerminateSessions(ctx, name); terr != nil {
				return retry.Permanent(terr)
			}
		}
		return err
	}, func(err error, wait time.Duration) {
		r.uc.logger.Warnf("[%s] %s: %v, evicting again in %s", r.plan.ActiveName, domain.StateSwapping, err, wait)
	})
}

// partial describes an unfinished swap from the renames it was applying.
func (r *restoreRun) partial(err error) error {
	renames := r.plan.Renames(r.activeExists)
	if len(renames) == 1 {
		return &domain.PartialSwapError{
			StagingName: renames[0].From,
			TargetName:  renames[0].To,
			Err:         err,
		}
	}
	return &domain.PartialSwapError{
		MissingName:  r.plan.ActiveName,
		RetainedName: r.plan.ParkingName(),
		StagingName:  r.plan.StagingName,
		TargetName:   r.plan.ActiveName,
		Err:          err,
	}
}

func isPartial(err error) bool {
	var partial *domain.PartialSwapError
	return errors.As(err, &partial)
}

func asTransfer(op, key string, err error) error {
	var transfer *domain.TransferError
	if errors.As(err, &transfer) {
		return err
	}
	return &domain.TransferError{Op: op, Key: key, Err: err}
}
