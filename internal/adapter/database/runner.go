package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/semmidev/pgswap/internal/domain"
)

// maxOutput caps how much tool output is kept for error reports.
const maxOutput = 256 << 10

type RunnerOptions struct {
	PgDumpPath     string
	PgRestorePath  string
	NoOwner        bool
	Jobs           int
	ConnectTimeout time.Duration
}

// PostgresRunner shells out to pg_dump and pg_restore. Credentials travel
// through PG* environment variables, never the command line.
type PostgresRunner struct {
	opts RunnerOptions
}

func NewRunner(opts RunnerOptions) *PostgresRunner {
	if opts.PgDumpPath == "" {
		opts.PgDumpPath = "pg_dump"
	}
	if opts.PgRestorePath == "" {
		opts.PgRestorePath = "pg_restore"
	}
	return &PostgresRunner{opts: opts}
}

func connectionArgs(db domain.DatabaseHandle) []string {
	return []string{
		fmt.Sprintf("--host=%s", db.Host),
		fmt.Sprintf("--port=%d", db.Port),
		fmt.Sprintf("--username=%s", db.User),
		"--no-password",
	}
}

func (r *PostgresRunner) env(db domain.DatabaseHandle) []string {
	env := append(os.Environ(), "PGPASSWORD="+db.Password)
	if db.SSLMode != "" {
		env = append(env, "PGSSLMODE="+db.SSLMode)
	}
	if r.opts.ConnectTimeout > 0 {
		env = append(env, "PGCONNECT_TIMEOUT="+strconv.Itoa(int(r.opts.ConnectTimeout.Seconds())))
	}
	return env
}

// Dump writes an uncompressed custom-format archive; compression happens
// afterwards so the artifact is a plain gzip stream.
func (r *PostgresRunner) Dump(ctx context.Context, db domain.DatabaseHandle, outputPath string) (domain.ProcessResult, error) {
	args := append(connectionArgs(db),
		"--format=custom",
		"--compress=0",
		fmt.Sprintf("--file=%s", outputPath),
		db.Name,
	)

	res, err := r.run(ctx, r.opts.PgDumpPath, args, r.env(db))
	if err != nil {
		return res, fmt.Errorf("pg_dump failed: %w", err)
	}
	if info, err := os.Stat(outputPath); err == nil {
		res.Bytes = info.Size()
	}
	return res, nil
}

// Restore loads inputPath into db, which must already exist and is expected
// to be empty.
func (r *PostgresRunner) Restore(ctx context.Context, db domain.DatabaseHandle, inputPath string) (domain.ProcessResult, error) {
	args := append(connectionArgs(db),
		fmt.Sprintf("--dbname=%s", db.Name),
		"--exit-on-error",
	)
	if r.opts.NoOwner {
		args = append(args, "--no-owner", "--no-privileges")
	}
	if r.opts.Jobs > 1 {
		args = append(args, fmt.Sprintf("--jobs=%d", r.opts.Jobs))
	}
	args = append(args, inputPath)

	res, err := r.run(ctx, r.opts.PgRestorePath, args, r.env(db))
	if err != nil {
		return res, fmt.Errorf("pg_restore failed: %w", err)
	}
	if info, err := os.Stat(inputPath); err == nil {
		res.Bytes = info.Size()
	}
	return res, nil
}

func (r *PostgresRunner) CheckTools(ctx context.Context) error {
	for _, tool := range []string{r.opts.PgDumpPath, r.opts.PgRestorePath} {
		if _, err := r.run(ctx, tool, []string{"--version"}, os.Environ()); err != nil {
			return fmt.Errorf("%s is not usable: %w", tool, err)
		}
	}
	return nil
}

// run returns an error when the process cannot start, is killed, or exits
// non-zero. The result is filled in every case the process ran.
func (r *PostgresRunner) run(ctx context.Context, name string, args, env []string) (domain.ProcessResult, error) {
	out := &tailBuffer{limit: maxOutput}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := domain.ProcessResult{ExitCode: 0, Output: out.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s interrupted: %w", name, ctx.Err())
		}
		return res, fmt.Errorf("%s exited with code %d", name, res.ExitCode)
	}
	res.ExitCode = -1
	return res, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
		t.buf.Reset()
		t.dropped = true
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
		t.dropped = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.dropped {
		return "...\n" + t.buf.String()
	}
	return t.buf.String()
}
