// Package store owns all durable state: the event log, tasks and their
// units/logs, rate-limit tokens, image locks, discovered units and the
// registry digest cache, all in a single-file sqlite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

// InitStatus records how the pool came up; /health reads it.
type InitStatus struct {
	OK       bool   `json:"ok"`
	InMemory bool   `json:"in_memory"`
	Error    string `json:"error,omitempty"`
}

// Store wraps the sqlite pool. Writes serialize through mu so that log
// appends for one task are observed as a prefix by readers.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	status InitStatus

	auditSync bool
	events    chan eventInsert
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Open parses a sqlite:// URL, creates the parent directory and an empty
// database file when needed, opens the pool and runs migrations. Any
// failure falls back to an in-memory instance so the process can serve
// /health with a degraded status instead of dying.
func Open(ctx context.Context, dbURL string, auditSync bool) *Store {
	log := logger.GetLogger(ctx)

	s, err := open(ctx, dbURL, auditSync)
	if err == nil {
		return s
	}

	log.Warn("db init failed, falling back to in-memory store",
		zap.String("db_url", dbURL), zap.Error(err))

	mem, memErr := open(ctx, "sqlite://:memory:", auditSync)
	if memErr != nil {
		// sqlite in-memory open cannot realistically fail; keep a pool
		// handle anyway so callers never see a nil store.
		mem = &Store{status: InitStatus{OK: false, Error: memErr.Error()}}
	}
	mem.status = InitStatus{OK: false, InMemory: true, Error: err.Error()}
	return mem
}

func open(ctx context.Context, dbURL string, auditSync bool) (*Store, error) {
	dsn, inMemory, err := parseURL(dbURL)
	if err != nil {
		return nil, err
	}

	if !inMemory {
		path := strings.SplitN(dsn, "?", 2)[0]
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if _, err := os.Stat(strings.SplitN(dsn, "?", 2)[0]); os.IsNotExist(err) {
			f, cerr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
			if cerr != nil {
				return nil, fmt.Errorf("create database file: %w", cerr)
			}
			f.Close()
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between pool conns.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:        db,
		status:    InitStatus{OK: true, InMemory: inMemory},
		auditSync: auditSync,
		events:    make(chan eventInsert, 256),
		closed:    make(chan struct{}),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.wg.Add(1)
	go s.drainEvents()
	return s, nil
}

// parseURL accepts sqlite://<path> and sqlite://:memory:. Unsupported
// schemes are an error that triggers the in-memory fallback in Open.
func parseURL(dbURL string) (dsn string, inMemory bool, err error) {
	const scheme = "sqlite://"
	if !strings.HasPrefix(dbURL, scheme) {
		return "", false, fmt.Errorf("unsupported database URL scheme: %s", dbURL)
	}
	path := strings.TrimPrefix(dbURL, scheme)
	if path == "" {
		return "", false, fmt.Errorf("empty database path in URL: %s", dbURL)
	}
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		// A named memory database keeps the schema alive across pool
		// connections without sharing state between store instances.
		name := strings.ReplaceAll(uuid.NewString(), "-", "")
		return "file:mem" + name + "?mode=memory&cache=shared&_fk=1", true, nil
	}
	if !strings.Contains(path, "?") {
		path += "?_fk=1&_journal=WAL&_busy_timeout=5000"
	}
	return path, false, nil
}

// Status returns how the pool was initialised.
func (s *Store) Status() InitStatus { return s.status }

// DB exposes the raw pool for package-internal helpers and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close flushes the async event queue and closes the pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
	return s.db.Close()
}

// NewTaskID produces a stable, sortable task identity.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("t-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// NewRequestID produces the audit identifier for one HTTP exchange.
func NewRequestID() string {
	return uuid.NewString()
}
