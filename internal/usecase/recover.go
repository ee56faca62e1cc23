package usecase

import (
	"context"
	"fmt"

	"github.com/semmidev/pgswap/internal/domain"
)

type RecoveryCondition string

const (
	ConditionHealthy     RecoveryCondition = "Healthy"
	ConditionPartialSwap RecoveryCondition = "PartialSwap"
	ConditionUnknown     RecoveryCondition = "Unknown"
)

// RecoveryReport is the diagnosis of one active name.
type RecoveryReport struct {
	Active         string
	Retained       string
	Staging        string
	Condition      RecoveryCondition
	StagingPresent bool
	Marker         *domain.SwapMarker
	Applied        bool
}

// Action describes what Recover does, or would do, for the condition.
func (r RecoveryReport) Action() string {
	switch r.Condition {
	case ConditionPartialSwap:
		return fmt.Sprintf("rename %s -> %s", r.Retained, r.Active)
	case ConditionHealthy:
		if r.Marker != nil {
			return "clear the stale swap marker"
		}
		return "nothing to do"
	default:
		if r.StagingPresent {
			return fmt.Sprintf("none automatic; restored data is in %s, rename it to %s by hand if it is good", r.Staging, r.Active)
		}
		return "none automatic; neither the active nor the retained database exists"
	}
}

type Recover struct {
	engine   domain.Engine
	journal  domain.Journal
	lease    domain.Lease
	notifier domain.Notifier
	logger   domain.Logger
}

func NewRecover(engine domain.Engine, journal domain.Journal, lease domain.Lease, notifier domain.Notifier, logger domain.Logger) *Recover {
	return &Recover{engine: engine, journal: journal, lease: lease, notifier: notifier, logger: logger}
}

// Execute inspects active and, when apply is set, re-points a parked
// database left behind by an interrupted swap.
func (uc *Recover) Execute(ctx context.Context, active string, apply bool) (RecoveryReport, error) {
	report := RecoveryReport{
		Active:   active,
		Retained: domain.RetainedName(active),
		Staging:  domain.StagingName(active),
	}

	// A running swap legitimately has no active database for a moment.
	release, err := uc.lease.Acquire(ctx, active)
	if err != nil {
		return report, err
	}
	defer release()

	marker, err := uc.journal.Load(active)
	if err != nil {
		return report, err
	}
	report.Marker = marker
	if marker != nil && marker.ParkingName != "" {
		report.Retained = marker.ParkingName
	}

	activeExists, err := uc.engine.Exists(ctx, active)
	if err != nil {
		return report, fmt.Errorf("inspect %s: %w", active, err)
	}
	retainedExists, err := uc.engine.Exists(ctx, report.Retained)
	if err != nil {
		return report, fmt.Errorf("inspect %s: %w", report.Retained, err)
	}
	report.StagingPresent, err = uc.engine.Exists(ctx, report.Staging)
	if err != nil {
		return report, fmt.Errorf("inspect %s: %w", report.Staging, err)
	}

	switch {
	case activeExists:
		report.Condition = ConditionHealthy
	case retainedExists:
		report.Condition = ConditionPartialSwap
	default:
		report.Condition = ConditionUnknown
	}

	uc.logger.Infof("[%s] Recovery check: %s, action: %s", active, report.Condition, report.Action())
	if !apply {
		return report, nil
	}

	switch report.Condition {
	case ConditionPartialSwap:
		if _, err := uc.engine.TerminateSessions(ctx, report.Retained); err != nil {
			uc.logger.Warnf("[%s] Could not evict %s: %v", active, report.Retained, err)
		}
		if err := uc.engine.Rename(ctx, report.Retained, active); err != nil {
			err = &domain.DatabaseProvisionError{Database: report.Retained, Op: "rename", Err: err}
			uc.notify(ctx, report, err)
			return report, err
		}
		uc.logger.Infof("[%s] Renamed %s back to %s", active, report.Retained, active)
		uc.notify(ctx, report, nil)
	case ConditionHealthy:
		if marker == nil {
			return report, nil
		}
	default:
		return report, nil
	}

	if err := uc.journal.Clear(active); err != nil {
		return report, err
	}
	report.Applied = true
	return report, nil
}

func (uc *Recover) notify(ctx context.Context, report RecoveryReport, err error) {
	event := domain.Event{
		Kind:     domain.EventRecover,
		Database: report.Active,
		Detail:   report.Action(),
		Err:      err,
	}
	if report.Marker != nil {
		event.RunID = report.Marker.RunID
		event.Artifact = report.Marker.Artifact
	}
	if nerr := uc.notifier.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		uc.logger.Warnf("[%s] Failed to send notification: %v", report.Active, nerr)
	}
}
