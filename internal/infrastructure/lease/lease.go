package lease

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/semmidev/pgswap/internal/domain"
)

// Process guards against two swaps of one name inside this process.
type Process struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewProcess() *Process {
	return &Process{held: make(map[string]struct{})}
}

func (p *Process) Acquire(_ context.Context, active string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[active]; ok {
		return nil, &domain.ConcurrentSwapError{ActiveName: active, Holder: fmt.Sprintf("pid %d", os.Getpid())}
	}
	p.held[active] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.held, active)
			p.mu.Unlock()
		})
	}, nil
}

// Advisory takes a session-level PostgreSQL advisory lock so swaps from
// other hosts are excluded too. The lock lives as long as its connection.
type Advisory struct {
	db *sql.DB
}

func NewAdvisory(db *sql.DB) *Advisory {
	return &Advisory{db: db}
}

func advisoryKey(active string) string {
	return "pgswap:" + active
}

func (a *Advisory) Acquire(ctx context.Context, active string) (func(), error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease connection: %w", err)
	}

	var granted bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, advisoryKey(active)).Scan(&granted); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to take advisory lock for %s: %w", active, err)
	}
	if !granted {
		_ = conn.Close()
		return nil, &domain.ConcurrentSwapError{ActiveName: active, Holder: "advisory lock held by another session"}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, advisoryKey(active))
			_ = conn.Close()
		})
	}, nil
}

// Chain acquires every lease in order and releases them in reverse.
type Chain []domain.Lease

func (c Chain) Acquire(ctx context.Context, active string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		release, err := l.Acquire(ctx, active)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
