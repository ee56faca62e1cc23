package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/semmidev/pgswap/internal/domain"
	"github.com/semmidev/pgswap/internal/infrastructure/retry"
)

// fakeEngine models databases as named row sets with open session counts.
type fakeEngine struct {
	mu       sync.Mutex
	dbs      map[string]*fakeDB
	renames  []domain.Rename
	dropped  []string
	pingErr  error
	swapErr  error
	renameFn func(from, to string) error
	// sticky sessions survive TerminateSessions.
	sticky     map[string]int
	onEvict    func()
	terminated int
}

type fakeDB struct {
	rows     []string
	sessions int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{dbs: map[string]*fakeDB{}, sticky: map[string]int{}}
}

func (e *fakeEngine) seed(name string, rows ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dbs[name] = &fakeDB{rows: append([]string(nil), rows...)}
}

func (e *fakeEngine) connect(name string, sessions int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dbs[name].sessions += sessions
}

func (e *fakeEngine) rows(name string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	db, ok := e.dbs[name]
	if !ok {
		return nil
	}
	return append([]string(nil), db.rows...)
}

func (e *fakeEngine) has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.dbs[name]
	return ok
}

func (e *fakeEngine) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for name := range e.dbs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *fakeEngine) setRows(name string, rows []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	db, ok := e.dbs[name]
	if !ok {
		return fmt.Errorf("database %q does not exist", name)
	}
	db.rows = rows
	return nil
}

func (e *fakeEngine) Ping(context.Context) error { return e.pingErr }

func (e *fakeEngine) ListDatabases(context.Context) ([]domain.DatabaseInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.DatabaseInfo
	for name, db := range e.dbs {
		out = append(out, domain.DatabaseInfo{Name: name, Size: int64(len(db.rows)), Sessions: db.sessions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *fakeEngine) Exists(_ context.Context, name string) (bool, error) {
	return e.has(name), nil
}

func (e *fakeEngine) Create(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dbs[name]; ok {
		return fmt.Errorf("database %q already exists", name)
	}
	e.dbs[name] = &fakeDB{}
	return nil
}

func (e *fakeEngine) Drop(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok && db.sessions > 0 {
		return domain.ErrObjectInUse
	}
	delete(e.dbs, name)
	e.dropped = append(e.dropped, name)
	return nil
}

func (e *fakeEngine) TerminateSessions(_ context.Context, name string) (int, error) {
	e.mu.Lock()
	onEvict := e.onEvict
	db, ok := e.dbs[name]
	killed := 0
	if ok {
		killed = db.sessions - e.sticky[name]
		if killed < 0 {
			killed = 0
		}
		db.sessions -= killed
		e.terminated += killed
	}
	e.mu.Unlock()

	if onEvict != nil {
		onEvict()
	}
	return killed, nil
}

func (e *fakeEngine) SessionCount(_ context.Context, name string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok {
		return db.sessions, nil
	}
	return 0, nil
}

func (e *fakeEngine) renameLocked(from, to string) error {
	db, ok := e.dbs[from]
	if !ok {
		return fmt.Errorf("database %q does not exist", from)
	}
	if _, taken := e.dbs[to]; taken {
		return fmt.Errorf("database %q already exists", to)
	}
	if db.sessions > 0 {
		return domain.ErrObjectInUse
	}
	delete(e.dbs, from)
	e.dbs[to] = db
	e.renames = append(e.renames, domain.Rename{From: from, To: to})
	return nil
}

func (e *fakeEngine) Rename(_ context.Context, from, to string) error {
	if e.renameFn != nil {
		if err := e.renameFn(from, to); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renameLocked(from, to)
}

func (e *fakeEngine) SwapAtomic(_ context.Context, renames []domain.Rename) error {
	if e.swapErr != nil {
		return e.swapErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := make(map[string]*fakeDB, len(e.dbs))
	for k, v := range e.dbs {
		snapshot[k] = v
	}
	applied := len(e.renames)
	for _, rn := range renames {
		if e.renameFn != nil {
			if err := e.renameFn(rn.From, rn.To); err != nil {
				e.dbs, e.renames = snapshot, e.renames[:applied]
				return err
			}
		}
		if err := e.renameLocked(rn.From, rn.To); err != nil {
			e.dbs, e.renames = snapshot, e.renames[:applied]
			return err
		}
	}
	return nil
}

func (e *fakeEngine) Validate(_ context.Context, name string, check domain.ValidationCheck) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	db, ok := e.dbs[name]
	if !ok {
		return fmt.Errorf("database %q does not exist", name)
	}
	if len(db.rows) == 0 && !check.AllowEmpty {
		return errors.New("restored database has no user tables")
	}
	return nil
}

// fakeRunner dumps and restores rows through a plain text file, one row per line.
type fakeRunner struct {
	engine   *fakeEngine
	toolsErr error
	// killAfter restores only that many rows and then fails like a killed process.
	killAfter int
	exitCode  int
	output    string
	started   chan struct{}
	proceed   chan struct{}
	restores  int
	mu        sync.Mutex
}

func (r *fakeRunner) CheckTools(context.Context) error { return r.toolsErr }

func (r *fakeRunner) Dump(_ context.Context, db domain.DatabaseHandle, outputPath string) (domain.ProcessResult, error) {
	data := strings.Join(r.engine.rows(db.Name), "\n")
	if err := os.WriteFile(outputPath, []byte(data), 0o600); err != nil {
		return domain.ProcessResult{ExitCode: -1}, err
	}
	if r.exitCode != 0 {
		return domain.ProcessResult{ExitCode: r.exitCode, Output: r.output}, fmt.Errorf("pg_dump exited with code %d", r.exitCode)
	}
	return domain.ProcessResult{Bytes: int64(len(data))}, nil
}

func (r *fakeRunner) Restore(ctx context.Context, db domain.DatabaseHandle, inputPath string) (domain.ProcessResult, error) {
	r.mu.Lock()
	r.restores++
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.proceed != nil {
		select {
		case <-r.proceed:
		case <-ctx.Done():
			return domain.ProcessResult{ExitCode: -1}, fmt.Errorf("pg_restore interrupted: %w", ctx.Err())
		}
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return domain.ProcessResult{ExitCode: -1}, err
	}
	var rows []string
	if len(data) > 0 {
		rows = strings.Split(string(data), "\n")
	}

	if r.killAfter > 0 {
		if err := r.engine.setRows(db.Name, rows[:r.killAfter]); err != nil {
			return domain.ProcessResult{ExitCode: -1}, err
		}
		return domain.ProcessResult{ExitCode: -1, Output: "pg_restore: processing data"}, errors.New("pg_restore interrupted: signal: killed")
	}
	if r.exitCode != 0 {
		return domain.ProcessResult{ExitCode: r.exitCode, Output: r.output}, fmt.Errorf("pg_restore exited with code %d", r.exitCode)
	}

	if err := r.engine.setRows(db.Name, rows); err != nil {
		return domain.ProcessResult{ExitCode: 1, Output: err.Error()}, err
	}
	return domain.ProcessResult{Output: r.output, Bytes: int64(len(data))}, nil
}

// copyCompressor stands in for gzip with a plain copy.
type copyCompressor struct {
	decompressErr error
}

func (c *copyCompressor) Compress(src, dst string) (int64, error) {
	return copyFile(src, dst)
}

func (c *copyCompressor) Decompress(src, dst string) (int64, error) {
	if c.decompressErr != nil {
		return 0, c.decompressErr
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}

type memStorage struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
	order   []string
	putErr  error
	getErr  error
	onGet   func()
}

func newMemStorage(name string) *memStorage {
	return &memStorage{name: name, objects: map[string][]byte{}}
}

func (s *memStorage) add(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		s.order = append(s.order, key)
	}
	s.objects[key] = data
}

func (s *memStorage) Name() string { return s.name }

func (s *memStorage) Put(_ context.Context, localPath, key string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.add(key, data)
	return nil
}

func (s *memStorage) Get(_ context.Context, key, localPath string) error {
	if s.onGet != nil {
		s.onGet()
	}
	if s.getErr != nil {
		return s.getErr
	}
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return domain.ErrObjectNotFound
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (s *memStorage) List(_ context.Context, prefix string) ([]domain.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ObjectInfo
	for _, key := range s.order {
		if strings.HasPrefix(key, prefix) {
			out = append(out, domain.ObjectInfo{Key: key, Size: int64(len(s.objects[key]))})
		}
	}
	return out, nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	markers map[string]domain.SwapMarker
	steps   []domain.SwapStep
	cleared int
}

func newMemJournal() *memJournal {
	return &memJournal{markers: map[string]domain.SwapMarker{}}
}

func (j *memJournal) Save(marker domain.SwapMarker) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.markers[marker.ActiveName] = marker
	j.steps = append(j.steps, marker.Step)
	return nil
}

func (j *memJournal) Load(active string) (*domain.SwapMarker, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, ok := j.markers[active]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (j *memJournal) Clear(active string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.markers, active)
	j.cleared++
	return nil
}

type recNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recNotifier) Notify(_ context.Context, event domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recNotifier) last() domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type recLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recLogger) add(level, template string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(template, args...))
}

func (l *recLogger) Debugf(template string, args ...any) { l.add("DEBUG", template, args...) }
func (l *recLogger) Infof(template string, args ...any)  { l.add("INFO", template, args...) }
func (l *recLogger) Warnf(template string, args ...any)  { l.add("WARN", template, args...) }
func (l *recLogger) Errorf(template string, args ...any) { l.add("ERROR", template, args...) }

func (l *recLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func fastEviction() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
		Multiplier:      2,
	}
}
