package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/semmidev/pgswap/internal/domain"
)

// UploadTarget is one store a backup is written to.
type UploadTarget struct {
	Name    string
	Storage domain.Storage
	Prefix  string
}

type BackupOptions struct {
	Database   domain.DatabaseHandle
	ScratchDir string
}

type BackupResult struct {
	Artifact domain.BackupArtifact
	Duration time.Duration
	// MirrorFailures names the mirrors that did not receive the artifact.
	MirrorFailures []string
}

type Backup struct {
	engine     domain.Engine
	runner     domain.ProcessRunner
	compressor domain.Compressor
	primary    UploadTarget
	mirrors    []UploadTarget
	notifier   domain.Notifier
	logger     domain.Logger
	opts       BackupOptions
	now        func() time.Time
}

func NewBackup(
	engine domain.Engine,
	runner domain.ProcessRunner,
	compressor domain.Compressor,
	primary UploadTarget,
	mirrors []UploadTarget,
	notifier domain.Notifier,
	logger domain.Logger,
	opts BackupOptions,
) *Backup {
	return &Backup{
		engine:     engine,
		runner:     runner,
		compressor: compressor,
		primary:    primary,
		mirrors:    mirrors,
		notifier:   notifier,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

func (uc *Backup) Execute(ctx context.Context) (BackupResult, error) {
	start := uc.now()
	result, err := uc.execute(ctx, start)
	result.Duration = time.Since(start)

	event := domain.Event{
		Kind:     domain.EventBackup,
		Database: uc.opts.Database.Name,
		Artifact: result.Artifact.Name,
		Size:     result.Artifact.Size,
		Duration: result.Duration,
		Err:      err,
	}
	if len(result.MirrorFailures) > 0 {
		event.Detail = "Mirrors failed: " + strings.Join(result.MirrorFailures, ", ")
	}
	if nerr := uc.notifier.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		uc.logger.Warnf("[%s] Failed to send notification: %v", uc.opts.Database.Name, nerr)
	}

	return result, err
}

func (uc *Backup) execute(ctx context.Context, start time.Time) (BackupResult, error) {
	var result BackupResult
	dbName := uc.opts.Database.Name
	uc.logger.Infof("[%s] Starting backup...", dbName)

	if err := uc.engine.Ping(ctx); err != nil {
		return result, fmt.Errorf("database ping: %w", err)
	}
	if err := uc.runner.CheckTools(ctx); err != nil {
		return result, err
	}

	if err := os.MkdirAll(uc.opts.ScratchDir, 0o700); err != nil {
		return result, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	filename := domain.ArtifactName(dbName, start)
	dumpPath := filepath.Join(uc.opts.ScratchDir, strings.TrimSuffix(filename, ".gz"))
	finalPath := filepath.Join(uc.opts.ScratchDir, filename)

	uc.logger.Infof("[%s] Creating backup to: %s", dbName, dumpPath)
	res, err := uc.runner.Dump(ctx, uc.opts.Database, dumpPath)
	if err != nil || res.ExitCode != 0 {
		os.Remove(dumpPath)
		return result, fmt.Errorf("dump %s: exit %d: %w", dbName, res.ExitCode, dumpFailure(err, res))
	}
	uc.logger.Infof("[%s] Backup created, size: %s", dbName, humanize.Bytes(uint64(res.Bytes)))

	uc.logger.Infof("[%s] Compressing backup...", dbName)
	size, err := uc.compressor.Compress(dumpPath, finalPath)
	os.Remove(dumpPath)
	if err != nil {
		return result, fmt.Errorf("compression: %w", err)
	}
	uc.logger.Infof("[%s] Compression complete, size: %s (%.1f%% of original)",
		dbName, humanize.Bytes(uint64(size)), ratio(size, res.Bytes))

	result.Artifact = domain.BackupArtifact{
		Key:       domain.ArtifactKey(uc.primary.Prefix, filename),
		Name:      filename,
		Database:  dbName,
		CreatedAt: start.UTC().Truncate(time.Second),
		Size:      size,
	}

	uc.logger.Infof("[%s] Uploading to %s...", dbName, uc.primary.Name)
	if err := uc.primary.Storage.Put(ctx, finalPath, result.Artifact.Key); err != nil {
		uc.logger.Errorf("[%s] Upload to %s failed, artifact kept at %s", dbName, uc.primary.Name, finalPath)
		return result, asTransfer("put", result.Artifact.Key, err)
	}
	uc.logger.Infof("[%s] Successfully uploaded to %s", dbName, uc.primary.Name)

	result.MirrorFailures = uc.uploadToMirrors(ctx, finalPath, filename)
	if len(result.MirrorFailures) > 0 {
		uc.logger.Warnf("[%s] Artifact kept at %s until every mirror has it", dbName, finalPath)
	} else {
		os.Remove(finalPath)
	}

	uc.logger.Infof("[%s] Backup completed in %s: %s",
		dbName, time.Since(start).Round(time.Second), result.Artifact.Key)
	return result, nil
}

// uploadToMirrors copies the artifact to every mirror concurrently and
// returns the names of those that failed.
func (uc *Backup) uploadToMirrors(ctx context.Context, filePath, filename string) []string {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	dbName := uc.opts.Database.Name

	for _, target := range uc.mirrors {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			key := domain.ArtifactKey(t.Prefix, filename)
			uc.logger.Infof("[%s] Uploading to %s...", dbName, t.Name)
			if err := t.Storage.Put(ctx, filePath, key); err != nil {
				uc.logger.Errorf("[%s] Failed to upload to %s: %v", dbName, t.Name, err)
				mu.Lock()
				failed = append(failed, t.Name)
				mu.Unlock()
				return
			}
			uc.logger.Infof("[%s] Successfully uploaded to %s", dbName, t.Name)
		}(target)
	}

	wg.Wait()
	return failed
}

func dumpFailure(err error, res domain.ProcessResult) error {
	if err != nil {
		return err
	}
	out := strings.TrimSpace(res.Output)
	if out == "" {
		return errors.New("pg_dump failed without output")
	}
	return errors.New(out)
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
