package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"

	"github.com/semmidev/pgswap/internal/adapter/compressor"
	"github.com/semmidev/pgswap/internal/adapter/database"
	"github.com/semmidev/pgswap/internal/adapter/notifier"
	"github.com/semmidev/pgswap/internal/adapter/storage"
	"github.com/semmidev/pgswap/internal/config"
	"github.com/semmidev/pgswap/internal/domain"
	"github.com/semmidev/pgswap/internal/infrastructure/journal"
	"github.com/semmidev/pgswap/internal/infrastructure/lease"
	"github.com/semmidev/pgswap/internal/infrastructure/logger"
	"github.com/semmidev/pgswap/internal/infrastructure/retry"
	"github.com/semmidev/pgswap/internal/infrastructure/scheduler"
	"github.com/semmidev/pgswap/internal/usecase"
)

// App holds every component built from one Config.
type App struct {
	config     *config.Config
	logger     *logger.Logger
	handle     domain.DatabaseHandle
	db         *sql.DB
	engine     *database.PostgresEngine
	runner     *database.PostgresRunner
	compressor *compressor.GzipCompressor
	primary    usecase.UploadTarget
	mirrors    []usecase.UploadTarget
	catalog    *usecase.Catalog
	lease      domain.Lease
	journal    *journal.File
	notifier   domain.Notifier
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.New(logger.Options{Level: cfg.App.LogLevel, File: cfg.App.LogFile, Name: cfg.App.Name})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &App{
		config: cfg,
		logger: log,
		handle: domain.DatabaseHandle{
			Name:     cfg.Database.Name,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.Username,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			Role:     domain.RoleActive,
		},
		compressor: compressor.NewGzip(pgzip.DefaultCompression),
	}

	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	maintenance := a.handle.WithName(cfg.Database.MaintenanceDB, domain.RoleOther)
	a.db, err = sql.Open("postgres", database.DSN(maintenance, cfg.Database.ConnectTimeout))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open maintenance connection: %w", err)
	}
	// One connection is pinned by the advisory lease during a swap.
	a.db.SetMaxOpenConns(4)

	a.engine = database.NewEngine(a.db, database.OpenerFor(a.handle, cfg.Database.ConnectTimeout))
	a.runner = database.NewRunner(database.RunnerOptions{
		PgDumpPath:     cfg.Database.PgDumpPath,
		PgRestorePath:  cfg.Database.PgRestorePath,
		NoOwner:        cfg.Restore.NoOwner,
		Jobs:           cfg.Restore.Jobs,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	a.lease = lease.Chain{lease.NewProcess(), lease.NewAdvisory(a.db)}

	a.journal, err = journal.NewFile(cfg.App.StateDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.notifier = notifier.Nop{}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notifier.NewTelegram(cfg.Notify.Telegram)
		if err != nil {
			// Notifications are never fatal.
			log.Warnf("Telegram notifications disabled: %v", err)
		} else {
			a.notifier = tg
			log.Debugf("✓ Telegram notifications enabled")
		}
	}

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	primary, err := storage.Open(ctx, a.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", a.config.Storage.Type, err)
	}
	a.primary = usecase.UploadTarget{Name: primary.Name(), Storage: primary, Prefix: a.config.Storage.Prefix}
	a.catalog = usecase.NewCatalog(primary, a.config.Storage.Prefix, a.logger)
	a.logger.Debugf("✓ Primary storage: %s", primary.Name())

	for i, mcfg := range a.config.Backup.Mirrors {
		mirror, err := storage.Open(ctx, mcfg)
		if err != nil {
			// A broken mirror must not block backups to the primary.
			a.logger.Errorf("Failed to initialize mirror %d (%s): %v", i, mcfg.Type, err)
			continue
		}
		prefix := mcfg.Prefix
		if prefix == "" {
			prefix = a.config.Storage.Prefix
		}
		a.mirrors = append(a.mirrors, usecase.UploadTarget{Name: mirror.Name(), Storage: mirror, Prefix: prefix})
		a.logger.Debugf("✓ Mirror storage: %s", mirror.Name())
	}
	return nil
}

func (a *App) Config() *config.Config { return a.config }

func (a *App) Logger() *logger.Logger { return a.logger }

// Artifacts lists stored backups oldest first, optionally for one source database.
func (a *App) Artifacts(ctx context.Context, sourceDB string) ([]domain.BackupArtifact, error) {
	artifacts, err := a.catalog.List(ctx)
	if err != nil || sourceDB == "" {
		return artifacts, err
	}
	filtered := artifacts[:0]
	for _, art := range artifacts {
		if art.Database == sourceDB {
			filtered = append(filtered, art)
		}
	}
	return filtered, nil
}

// DatabaseRow is one database on the engine with its role relative to the
// configured active name.
type DatabaseRow struct {
	domain.DatabaseInfo
	Role domain.Role
}

func (a *App) Databases(ctx context.Context) ([]DatabaseRow, error) {
	infos, err := a.engine.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]DatabaseRow, len(infos))
	for i, info := range infos {
		rows[i] = DatabaseRow{DatabaseInfo: info, Role: domain.RoleOf(a.handle.Name, info.Name)}
	}
	return rows, nil
}

func (a *App) Backup(ctx context.Context) (usecase.BackupResult, error) {
	uc := usecase.NewBackup(a.engine, a.runner, a.compressor, a.primary, a.mirrors, a.notifier, a.logger,
		usecase.BackupOptions{Database: a.handle, ScratchDir: a.config.App.ScratchDir})
	return uc.Execute(ctx)
}

// Selection says how restore picks an artifact. Exactly one of Key, Date
// or Latest is set.
type Selection struct {
	Key        string
	Date       string
	Latest     bool
	FirstMatch bool
}

func (a *App) Resolve(ctx context.Context, sel Selection) (domain.BackupArtifact, error) {
	switch {
	case sel.Key != "":
		return a.catalog.FindByKey(ctx, sel.Key)
	case sel.Date != "":
		return a.catalog.FindByDate(ctx, sel.Date, sel.FirstMatch)
	case sel.Latest:
		return a.catalog.Latest(ctx, a.handle.Name)
	default:
		return domain.BackupArtifact{}, fmt.Errorf("no backup selected: use --date, --key or --latest")
	}
}

func (a *App) Restore(ctx context.Context, artifact domain.BackupArtifact, destination string) (usecase.RestoreResult, error) {
	runID := uuid.NewString()
	cfg := a.config.Restore

	uc := usecase.NewRestore(
		a.engine,
		a.runner,
		a.primary.Storage,
		a.compressor,
		a.lease,
		a.journal,
		a.notifier,
		a.logger.ForRun(runID, a.handle.Name),
		usecase.RestoreOptions{
			Active:            a.handle,
			KeepPrevious:      cfg.KeepPrevious,
			TransactionalSwap: cfg.TransactionalSwap,
			FatalMarkers:      cfg.FatalMarkers,
			Validation:        domain.ValidationCheck{Query: cfg.ValidateQuery, AllowEmpty: cfg.AllowEmpty},
			Eviction: retry.Policy{
				MaxAttempts:     cfg.Eviction.MaxAttempts,
				InitialInterval: cfg.Eviction.InitialInterval,
				MaxInterval:     cfg.Eviction.MaxInterval,
				MaxElapsed:      cfg.Eviction.MaxElapsed,
				Multiplier:      2,
			},
			ScratchDir: a.config.App.ScratchDir,
		},
	)
	return uc.Execute(ctx, usecase.RestoreRequest{Artifact: artifact, Destination: destination, RunID: runID})
}

func (a *App) Recover(ctx context.Context, apply bool) (usecase.RecoveryReport, error) {
	uc := usecase.NewRecover(a.engine, a.journal, a.lease, a.notifier, a.logger)
	return uc.Execute(ctx, a.handle.Name, apply)
}

// Schedule runs backups on backup.schedule until ctx is cancelled.
func (a *App) Schedule(ctx context.Context) error {
	sched := scheduler.New(a.logger)
	if err := sched.AddJob("backup:"+a.handle.Name, a.config.Backup.Schedule, func(ctx context.Context) error {
		_, err := a.Backup(ctx)
		if next := sched.Next(); !next.IsZero() {
			a.logger.Infof("Next backup at %s", next.Format(time.RFC3339))
		}
		return err
	}); err != nil {
		return err
	}

	a.logger.Infof("Scheduled backup for %s: %s", a.handle.Name, a.config.Backup.Schedule)
	a.logger.Infof("Backup destinations: %s + %d mirror(s)", a.primary.Name, len(a.mirrors))
	sched.Run(ctx)
	a.logger.Infof("Scheduler stopped")
	return nil
}

func (a *App) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	a.logger.Close()
}
