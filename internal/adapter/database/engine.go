package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/semmidev/pgswap/internal/domain"
)

const objectInUse = pq.ErrorCode("55006")

// Opener returns a connection pool for the named database.
type Opener func(name string) (*sql.DB, error)

// PostgresEngine runs catalog and DDL statements over a connection to the
// maintenance database. Database names are always quoted identifiers.
type PostgresEngine struct {
	db   *sql.DB
	open Opener
}

func NewEngine(db *sql.DB, open Opener) *PostgresEngine {
	return &PostgresEngine{db: db, open: open}
}

// DSN builds a lib/pq URL for handle.
func DSN(h domain.DatabaseHandle, connectTimeout time.Duration) string {
	q := url.Values{}
	if h.SSLMode != "" {
		q.Set("sslmode", h.SSLMode)
	}
	if connectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Seconds())))
	}
	q.Set("application_name", "pgswap")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(h.User, h.Password),
		Host:     net.JoinHostPort(h.Host, strconv.Itoa(h.Port)),
		Path:     "/" + h.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// OpenerFor returns an Opener that connects to other databases on the
// same server as base.
func OpenerFor(base domain.DatabaseHandle, connectTimeout time.Duration) Opener {
	return func(name string) (*sql.DB, error) {
		db, err := sql.Open("postgres", DSN(base.WithName(name, domain.RoleOther), connectTimeout))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}
}

func (e *PostgresEngine) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgresql ping failed: %w", err)
	}
	return nil
}

func (e *PostgresEngine) ListDatabases(ctx context.Context) ([]domain.DatabaseInfo, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT d.datname,
		       pg_database_size(d.datname),
		       (SELECT count(*) FROM pg_stat_activity a WHERE a.datname = d.datname)
		FROM pg_database d
		WHERE NOT d.datistemplate
		ORDER BY d.datname`)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	var dbs []domain.DatabaseInfo
	for rows.Next() {
		var info domain.DatabaseInfo
		if err := rows.Scan(&info.Name, &info.Size, &info.Sessions); err != nil {
			return nil, fmt.Errorf("failed to scan database row: %w", err)
		}
		dbs = append(dbs, info)
	}
	return dbs, rows.Err()
}

func (e *PostgresEngine) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := e.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check database %s: %w", name, err)
	}
	return exists, nil
}

// Create makes an empty database from template0 so no objects leak in
// from a customised template1.
func (e *PostgresEngine) Create(ctx context.Context, name string) error {
	if _, err := e.db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)+" TEMPLATE template0"); err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, classify(err))
	}
	return nil
}

func (e *PostgresEngine) Drop(ctx context.Context, name string) error {
	if _, err := e.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", name, classify(err))
	}
	return nil
}

func (e *PostgresEngine) TerminateSessions(ctx context.Context, name string) (int, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate sessions on %s: %w", name, err)
	}
	defer rows.Close()

	terminated := 0
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return terminated, fmt.Errorf("failed to scan terminate result: %w", err)
		}
		if ok {
			terminated++
		}
	}
	return terminated, rows.Err()
}

func (e *PostgresEngine) SessionCount(ctx context.Context, name string) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `
		SELECT count(*) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions on %s: %w", name, err)
	}
	return n, nil
}

func renameSQL(from, to string) string {
	return "ALTER DATABASE " + pq.QuoteIdentifier(from) + " RENAME TO " + pq.QuoteIdentifier(to)
}

func (e *PostgresEngine) Rename(ctx context.Context, from, to string) error {
	if _, err := e.db.ExecContext(ctx, renameSQL(from, to)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, classify(err))
	}
	return nil
}

// SwapAtomic runs every rename in one transaction. When the commit itself
// fails without a server response the outcome is reported as unknown.
func (e *PostgresEngine) SwapAtomic(ctx context.Context, renames []domain.Rename) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin swap transaction: %w", err)
	}

	for _, r := range renames {
		if _, err := tx.ExecContext(ctx, renameSQL(r.From, r.To)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to rename %s to %s: %w", r.From, r.To, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("swap transaction rejected: %w", classify(err))
		}
		return fmt.Errorf("%w: %v", domain.ErrCommitUnknown, err)
	}
	return nil
}

const userTablesQuery = `
	SELECT count(*) FROM information_schema.tables
	WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
	  AND table_type = 'BASE TABLE'`

// Validate checks that name holds restored data and, when set, that the
// check query returns true in its first column.
func (e *PostgresEngine) Validate(ctx context.Context, name string, check domain.ValidationCheck) error {
	db, err := e.open(name)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	defer db.Close()

	var tables int
	if err := db.QueryRowContext(ctx, userTablesQuery).Scan(&tables); err != nil {
		return fmt.Errorf("failed to count tables in %s: %w", name, err)
	}
	if tables == 0 && !check.AllowEmpty {
		return fmt.Errorf("%s has no user tables after restore", name)
	}

	if check.Query == "" {
		return nil
	}
	var ok bool
	if err := db.QueryRowContext(ctx, check.Query).Scan(&ok); err != nil {
		return fmt.Errorf("validation query failed on %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("validation query returned false on %s", name)
	}
	return nil
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == objectInUse {
		return fmt.Errorf("%w: %v", domain.ErrObjectInUse, err)
	}
	return err
}
