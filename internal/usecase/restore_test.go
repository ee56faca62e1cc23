package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/pgswap/internal/domain"
	"github.com/semmidev/pgswap/internal/infrastructure/lease"
)

const artifactKey = "postgres/backup-20240115-090000-app.dump.gz"

type restoreHarness struct {
	engine   *fakeEngine
	runner   *fakeRunner
	store    *memStorage
	comp     *copyCompressor
	journal  *memJournal
	notifier *recNotifier
	log      *recLogger
	opts     RestoreOptions
	lease    domain.Lease
	artifact domain.BackupArtifact
}

func newRestoreHarness(scratch string) *restoreHarness {
	engine := newFakeEngine()
	engine.seed("app", "marker:old")

	store := newMemStorage("mem")
	store.add(artifactKey, []byte("marker:new\nrow:2"))

	artifact, err := domain.ParseArtifact(artifactKey)
	So(err, ShouldBeNil)

	return &restoreHarness{
		engine:   engine,
		runner:   &fakeRunner{engine: engine},
		store:    store,
		comp:     &copyCompressor{},
		journal:  newMemJournal(),
		notifier: &recNotifier{},
		log:      &recLogger{},
		lease:    lease.NewProcess(),
		artifact: artifact,
		opts: RestoreOptions{
			Active:            domain.DatabaseHandle{Name: "app", Host: "localhost", Port: 5432, User: "postgres"},
			KeepPrevious:      true,
			TransactionalSwap: true,
			FatalMarkers:      []string{"FATAL:", "PANIC:", "pg_restore: error:"},
			Eviction:          fastEviction(),
			ScratchDir:        scratch,
		},
	}
}

func (h *restoreHarness) usecase() *Restore {
	return NewRestore(h.engine, h.runner, h.store, h.comp, h.lease, h.journal, h.notifier, h.log, h.opts)
}

func (h *restoreHarness) run(ctx context.Context, destination string) (RestoreResult, error) {
	return h.usecase().Execute(ctx, RestoreRequest{Artifact: h.artifact, Destination: destination})
}

func runError(err error) *domain.RunError {
	var runErr *domain.RunError
	So(errors.As(err, &runErr), ShouldBeTrue)
	return runErr
}

func TestRestoreSwap(t *testing.T) {
	Convey("Given an active app database with connected clients", t, func() {
		ctx := context.Background()
		h := newRestoreHarness(t.TempDir())
		h.engine.connect("app", 2)

		Convey("When restoring in place with retention", func() {
			result, err := h.run(ctx, "")

			Convey("The active name should hold the restored marker row", func() {
				So(err, ShouldBeNil)
				So(result.FinalName, ShouldEqual, "app")
				So(result.RetainedName, ShouldEqual, "app_old")
				So(result.Artifact, ShouldEqual, artifactKey)
				So(result.RunID, ShouldNotBeEmpty)
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:new", "row:2"})
			})

			Convey("The previous data should be parked under app_old", func() {
				So(h.engine.rows("app_old"), ShouldResemble, []string{"marker:old"})
				So(h.engine.names(), ShouldResemble, []string{"app", "app_old"})
			})

			Convey("Clients should have been evicted and every step logged", func() {
				So(h.engine.terminated, ShouldEqual, 2)
				So(h.log.contains("[app] Evicting: terminated 2 session(s) on app"), ShouldBeTrue)
				So(h.log.contains("[app] Swapping: rename app -> app_old"), ShouldBeTrue)
				So(h.log.contains("[app] Done:"), ShouldBeTrue)
			})

			Convey("The outcome should be notified", func() {
				event := h.notifier.last()
				So(event.Kind, ShouldEqual, domain.EventRestore)
				So(event.OK(), ShouldBeTrue)
				So(event.Detail, ShouldContainSubstring, "app_old")
			})

			Convey("A second run with the same artifact should succeed independently", func() {
				second, err := h.run(ctx, "")

				So(err, ShouldBeNil)
				So(second.RunID, ShouldNotEqual, result.RunID)
				So(h.runner.restores, ShouldEqual, 2)
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:new", "row:2"})
				So(h.engine.rows("app_old"), ShouldResemble, []string{"marker:new", "row:2"})
				So(h.log.contains("replacing previous rollback point app_old"), ShouldBeTrue)
				So(h.engine.dropped, ShouldContain, "app_old_tmp")
				So(h.engine.has("app_old_tmp"), ShouldBeFalse)
			})
		})

		Convey("When retention is disabled", func() {
			h.opts.KeepPrevious = false
			result, err := h.run(ctx, "")

			Convey("The previous database should be dropped", func() {
				So(err, ShouldBeNil)
				So(result.RetainedName, ShouldBeEmpty)
				So(h.engine.names(), ShouldResemble, []string{"app"})
				So(h.engine.dropped, ShouldContain, "app_old")
			})
		})

		Convey("When promoting to app_v2", func() {
			result, err := h.run(ctx, "app_v2")

			Convey("app should be untouched and app_v2 should hold the restored data", func() {
				So(err, ShouldBeNil)
				So(result.FinalName, ShouldEqual, "app_v2")
				So(result.RetainedName, ShouldBeEmpty)
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
				So(h.engine.rows("app_v2"), ShouldResemble, []string{"marker:new", "row:2"})
				So(h.engine.has("app_old"), ShouldBeFalse)
				So(h.engine.terminated, ShouldEqual, 0)
			})
		})

		Convey("When the alternate destination already exists", func() {
			h.engine.seed("app_v2", "other")
			_, err := h.run(ctx, "app_v2")

			Convey("It should fail before any staging work", func() {
				var provision *domain.DatabaseProvisionError
				So(errors.As(err, &provision), ShouldBeTrue)
				So(provision.Database, ShouldEqual, "app_v2")
				So(h.runner.restores, ShouldEqual, 0)
				So(h.engine.has("app_restore"), ShouldBeFalse)
				So(runError(err).LastState, ShouldEqual, domain.StateIdle)
			})
		})

		Convey("When a stale staging database is left over", func() {
			h.engine.seed("app_restore", "junk")
			h.engine.connect("app_restore", 1)
			_, err := h.run(ctx, "")

			Convey("It should be evicted, dropped and recreated", func() {
				So(err, ShouldBeNil)
				So(h.engine.dropped, ShouldContain, "app_restore")
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:new", "row:2"})
				So(h.log.contains("dropping stale app_restore"), ShouldBeTrue)
			})
		})
	})

	Convey("Given an engine without the active database", t, func() {
		h := newRestoreHarness(t.TempDir())
		So(h.engine.Drop(context.Background(), "app"), ShouldBeNil)

		result, err := h.run(context.Background(), "")

		Convey("Staging should simply be renamed into place", func() {
			So(err, ShouldBeNil)
			So(result.RetainedName, ShouldBeEmpty)
			So(h.engine.names(), ShouldResemble, []string{"app"})
		})
	})
}

func TestRestoreFailures(t *testing.T) {
	Convey("Given an active app database", t, func() {
		ctx := context.Background()
		h := newRestoreHarness(t.TempDir())

		Convey("When the download fails", func() {
			h.store.getErr = errors.New("connection reset by peer")
			_, err := h.run(ctx, "")

			Convey("It should be a TransferError with nothing touched", func() {
				var transfer *domain.TransferError
				So(errors.As(err, &transfer), ShouldBeTrue)
				So(transfer.Key, ShouldEqual, artifactKey)
				So(runError(err).LastState, ShouldEqual, domain.StateIdle)
				So(runError(err).Hint, ShouldContainSubstring, "retry from Idle")
				So(h.engine.names(), ShouldResemble, []string{"app"})
				So(h.notifier.last().OK(), ShouldBeFalse)
			})
		})

		Convey("When the artifact does not decode", func() {
			h.comp.decompressErr = &domain.CorruptArtifactError{Path: "x", Err: errors.New("gzip: invalid header")}
			_, err := h.run(ctx, "")

			Convey("It should be a CorruptArtifactError before staging", func() {
				var corrupt *domain.CorruptArtifactError
				So(errors.As(err, &corrupt), ShouldBeTrue)
				So(runError(err).LastState, ShouldEqual, domain.StateDownloading)
				So(h.engine.has("app_restore"), ShouldBeFalse)
			})
		})

		Convey("When the restore process is killed mid-stream", func() {
			h.runner.killAfter = 1
			_, err := h.run(ctx, "")

			Convey("The active database should be exactly as before", func() {
				var exec *domain.RestoreExecutionError
				So(errors.As(err, &exec), ShouldBeTrue)
				So(exec.ExitCode, ShouldEqual, -1)
				So(exec.Database, ShouldEqual, "app_restore")
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
				So(h.engine.renames, ShouldBeEmpty)
			})

			Convey("The partial staging database should be dropped", func() {
				So(h.engine.has("app_restore"), ShouldBeFalse)
				So(runError(err).LastState, ShouldEqual, domain.StateStagingCreated)
			})
		})

		Convey("When the restore output carries a fatal marker", func() {
			h.runner.output = "pg_restore: error: could not execute query"
			_, err := h.run(ctx, "")

			Convey("It should fail even though the exit code was zero", func() {
				var exec *domain.RestoreExecutionError
				So(errors.As(err, &exec), ShouldBeTrue)
				So(exec.Marker, ShouldEqual, "pg_restore: error:")
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
			})
		})

		Convey("When the restored database is empty", func() {
			h.store.add(artifactKey, nil)
			_, err := h.run(ctx, "")

			Convey("Validation should stop the swap", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "no user tables")
				So(runError(err).LastState, ShouldEqual, domain.StateRestoring)
				So(h.engine.has("app_restore"), ShouldBeFalse)
			})
		})

		Convey("When a client cannot be evicted", func() {
			h.engine.connect("app", 1)
			h.engine.sticky["app"] = 1
			_, err := h.run(ctx, "")

			Convey("It should be an EvictionError and the swap should not happen", func() {
				var eviction *domain.EvictionError
				So(errors.As(err, &eviction), ShouldBeTrue)
				So(eviction.Database, ShouldEqual, "app")
				So(eviction.Remaining, ShouldEqual, 1)
				So(eviction.Attempts, ShouldEqual, 3)
				So(h.engine.renames, ShouldBeEmpty)
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
			})

			Convey("The run should be retryable from scratch", func() {
				So(runError(err).LastState, ShouldEqual, domain.StateValidated)
				So(runError(err).LastState.SafeToRetry(), ShouldBeTrue)
				So(h.engine.has("app_restore"), ShouldBeFalse)
			})
		})

		Convey("When a new session sneaks in before the rename", func() {
			attempts := 0
			h.engine.renameFn = func(from, to string) error {
				attempts++
				if attempts == 1 {
					return domain.ErrObjectInUse
				}
				return nil
			}
			_, err := h.run(ctx, "")

			Convey("It should evict again and retry the swap", func() {
				So(err, ShouldBeNil)
				So(h.log.contains("evicting again"), ShouldBeTrue)
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:new", "row:2"})
			})
		})

		Convey("When the swap is rejected and rolled back", func() {
			h.engine.renameFn = func(from, to string) error {
				if from == "app_restore" {
					return errors.New("permission denied to rename database")
				}
				return nil
			}
			_, err := h.run(ctx, "")

			Convey("Nothing should have moved and staging should be dropped", func() {
				var provision *domain.DatabaseProvisionError
				So(errors.As(err, &provision), ShouldBeTrue)
				So(provision.Op, ShouldEqual, "swap")
				So(h.engine.names(), ShouldResemble, []string{"app"})
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
			})
		})

		Convey("When the swap commit outcome is lost", func() {
			h.engine.swapErr = domain.ErrCommitUnknown
			_, err := h.run(ctx, "")

			Convey("It should be a PartialSwapError with no compensation", func() {
				var partial *domain.PartialSwapError
				So(errors.As(err, &partial), ShouldBeTrue)
				So(partial.MissingName, ShouldEqual, "app")
				So(partial.RetainedName, ShouldEqual, "app_old")
				So(partial.TargetName, ShouldEqual, "app")
				So(h.engine.has("app_restore"), ShouldBeTrue)
				So(runError(err).Hint, ShouldContainSubstring, "pgswap recover")
			})
		})

		Convey("When the commit outcome is lost while promoting to app_v2", func() {
			h.engine.swapErr = domain.ErrCommitUnknown
			_, err := h.run(ctx, "app_v2")

			Convey("Only the staging rename should be reported as unknown", func() {
				var partial *domain.PartialSwapError
				So(errors.As(err, &partial), ShouldBeTrue)
				So(partial.MissingName, ShouldBeEmpty)
				So(partial.RetainedName, ShouldBeEmpty)
				So(partial.StagingName, ShouldEqual, "app_restore")
				So(partial.TargetName, ShouldEqual, "app_v2")
				So(err.Error(), ShouldContainSubstring, "rename app_restore -> app_v2")
				So(err.Error(), ShouldNotContainSubstring, "app is missing")
				So(runError(err).Hint, ShouldContainSubstring, "pgswap list_dbs")
				So(runError(err).Hint, ShouldNotContainSubstring, "recover")
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
			})
		})

		Convey("When a swap replacing app_old is rolled back", func() {
			h.engine.seed("app_old", "marker:older")
			h.engine.renameFn = func(from, to string) error {
				if from == "app_restore" {
					return errors.New("permission denied to rename database")
				}
				return nil
			}
			_, err := h.run(ctx, "")

			Convey("The previous rollback point should survive", func() {
				var provision *domain.DatabaseProvisionError
				So(errors.As(err, &provision), ShouldBeTrue)
				So(provision.Op, ShouldEqual, "swap")
				So(h.engine.rows("app_old"), ShouldResemble, []string{"marker:older"})
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
				So(h.engine.has("app_old_tmp"), ShouldBeFalse)
				So(h.engine.dropped, ShouldNotContain, "app_old")
			})
		})
	})

	Convey("Given a first restore whose commit outcome is lost", t, func() {
		h := newRestoreHarness(t.TempDir())
		So(h.engine.Drop(context.Background(), "app"), ShouldBeNil)
		h.engine.swapErr = domain.ErrCommitUnknown

		_, err := h.run(context.Background(), "")

		Convey("The diagnostic should name the rename into app and no retained copy", func() {
			var partial *domain.PartialSwapError
			So(errors.As(err, &partial), ShouldBeTrue)
			So(partial.StagingName, ShouldEqual, "app_restore")
			So(partial.TargetName, ShouldEqual, "app")
			So(partial.RetainedName, ShouldBeEmpty)
			So(runError(err).Hint, ShouldContainSubstring, "pgswap list_dbs")
			So(runError(err).Hint, ShouldNotContainSubstring, "recover")
		})
	})
}

func TestRestoreTwoStepSwap(t *testing.T) {
	Convey("Given two-step renames", t, func() {
		ctx := context.Background()
		h := newRestoreHarness(t.TempDir())
		h.opts.TransactionalSwap = false

		Convey("When both renames succeed", func() {
			_, err := h.run(ctx, "")

			Convey("The journal should record each step and then be cleared", func() {
				So(err, ShouldBeNil)
				So(h.journal.steps, ShouldResemble, []domain.SwapStep{domain.StepPending, domain.StepParked, domain.StepPromoted})
				marker, _ := h.journal.Load("app")
				So(marker, ShouldBeNil)
				So(h.engine.renames, ShouldResemble, []domain.Rename{
					{From: "app", To: "app_old"},
					{From: "app_restore", To: "app"},
				})
			})
		})

		Convey("When the process dies between the renames", func() {
			h.engine.renameFn = func(from, to string) error {
				if from == "app_restore" {
					return errors.New("server closed the connection unexpectedly")
				}
				return nil
			}
			_, err := h.run(ctx, "")

			Convey("The journal should show the parked step and nothing is compensated", func() {
				var partial *domain.PartialSwapError
				So(errors.As(err, &partial), ShouldBeTrue)
				So(h.engine.names(), ShouldResemble, []string{"app_old", "app_restore"})
				marker, _ := h.journal.Load("app")
				So(marker, ShouldNotBeNil)
				So(marker.Step, ShouldEqual, domain.StepParked)
				So(runError(err).LastState, ShouldEqual, domain.StateEvicting)
			})

			Convey("A new restore should refuse to start until recovery", func() {
				h.engine.renameFn = nil
				_, err := h.run(ctx, "")
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "pgswap recover")
			})

			Convey("Recovery should put the previous data back under app", func() {
				h.engine.renameFn = nil
				report, err := NewRecover(h.engine, h.journal, h.lease, h.notifier, h.log).Execute(ctx, "app", true)

				So(err, ShouldBeNil)
				So(report.Condition, ShouldEqual, ConditionPartialSwap)
				So(report.Applied, ShouldBeTrue)
				So(report.StagingPresent, ShouldBeTrue)
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:old"})
				marker, _ := h.journal.Load("app")
				So(marker, ShouldBeNil)
			})
		})
	})
}

func TestRestoreConcurrencyAndCancellation(t *testing.T) {
	Convey("Given a restore blocked inside the restore process", t, func() {
		ctx := context.Background()
		h := newRestoreHarness(t.TempDir())
		h.runner.started = make(chan struct{})
		h.runner.proceed = make(chan struct{})

		type outcome struct {
			result RestoreResult
			err    error
		}
		first := make(chan outcome, 1)
		go func() {
			result, err := h.run(ctx, "")
			first <- outcome{result, err}
		}()
		<-h.runner.started

		Convey("A second restore against the same name should fail fast", func() {
			_, err := h.run(ctx, "")

			var concurrent *domain.ConcurrentSwapError
			So(errors.As(err, &concurrent), ShouldBeTrue)
			So(concurrent.ActiveName, ShouldEqual, "app")

			close(h.runner.proceed)
			done := <-first
			So(done.err, ShouldBeNil)
			So(h.engine.rows("app"), ShouldResemble, []string{"marker:new", "row:2"})
		})
	})

	Convey("Given a cancelled context", t, func() {
		h := newRestoreHarness(t.TempDir())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Convey("When cancelled before the run", func() {
			cancel()
			_, err := h.run(ctx, "")

			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(runError(err).LastState, ShouldEqual, domain.StateIdle)
			So(h.runner.restores, ShouldEqual, 0)
		})

		Convey("When cancelled during the download", func() {
			h.store.onGet = cancel
			_, err := h.run(ctx, "")

			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(runError(err).LastState, ShouldEqual, domain.StateDownloading)
			So(h.engine.has("app_restore"), ShouldBeFalse)
		})

		Convey("When cancelled once eviction has begun", func() {
			h.engine.connect("app", 1)
			h.engine.onEvict = cancel
			result, err := h.run(ctx, "")

			Convey("The swap should still run to completion", func() {
				So(err, ShouldBeNil)
				So(result.FinalName, ShouldEqual, "app")
				So(h.engine.rows("app"), ShouldResemble, []string{"marker:new", "row:2"})
				So(strings.Join(h.engine.names(), ","), ShouldEqual, "app,app_old")
			})
		})
	})
}
