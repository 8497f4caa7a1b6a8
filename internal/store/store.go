// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store is the sole owner of durable allocator state (spec.md
// §3's "Ownership" rule): machines, boards, links, jobs, requests,
// pending power changes, quotas, and blacklist ops all live here, and
// every other package reaches them only through this package's
// transactional surface.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
	"github.com/spinnaker-tools/spalloc-core/pkg/retry"
)

// txOptions requests serializable isolation (spec.md §4.A: "the
// database must prevent lost updates on board.allocated_job and on
// job.num_pending").
var txOptions = sql.TxOptions{Isolation: sql.LevelSerializable}

//go:embed historical_schema.sql
var historicalSchema string

type txKey struct{}

// Store wraps a thread-affine *sqlx.DB (spec.md §4.A): sqlite3
// connections are serialized through database/sql's pool, and every
// multi-statement operation runs inside withTx.
type Store struct {
	db            *sqlx.DB
	busyTimeout   time.Duration
	retryPolicy   retry.Policy
	log           logging.Logger
	historicalDSN string

	mu     sync.Mutex // guards closed; per-task reentrancy locking lives in internal/scheduler
	closed bool
}

// Config configures a Store. BusyTimeout bounds how long a connection
// waits on a locked database before the driver returns SQLITE_BUSY,
// which this package maps to errors.CodeBusy.
type Config struct {
	DSN           string
	HistoricalDSN string
	BusyTimeout   time.Duration
	Logger        logging.Logger
}

// Open opens the live store, runs pending migrations, and attaches
// the historical database (spec.md §6: "a separate database name that
// is attached to the live one").
func Open(ctx context.Context, cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.NoOpLogger{}
	}

	db, err := sqlx.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, errors.NewIOError("open", err)
	}
	// SQLite connections are not safe for concurrent statement
	// execution on one handle; serialize via a single open
	// connection and rely on WAL + busy_timeout for cross-process
	// concurrency, matching the teacher's thread-affine-connection
	// expectation.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:            db,
		busyTimeout:   cfg.BusyTimeout,
		retryPolicy:   retry.NewFixedDelay(5, 50*time.Millisecond),
		log:           log,
		historicalDSN: cfg.HistoricalDSN,
	}

	if cfg.BusyTimeout > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())); err != nil {
			return nil, errors.NewIOError("set busy_timeout", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.NewIOError("enable foreign_keys", err)
	}

	if err := s.migrateUp(); err != nil {
		return nil, errors.NewIOError("migrate", err)
	}

	if cfg.HistoricalDSN != "" {
		if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS historical", cfg.HistoricalDSN); err != nil {
			return nil, errors.NewIOError("attach historical", err)
		}
		if _, err := db.ExecContext(ctx, historicalSchema); err != nil {
			return nil, errors.NewIOError("create historical schema", err)
		}
	}

	return s, nil
}

// Close runs a best-effort PRAGMA optimize (spec.md §4.A's
// vacuum/optimise-on-close hook) and closes the connection. Failures
// are logged, not returned: a busy optimize should never block
// shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
		s.log.Warn("optimize on close failed", "error", err.Error())
	}
	return s.db.Close()
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx so helpers can be
// written once and used inside or outside a transaction.
type querier interface {
	sqlx.ExtContext
}

// conn returns the active connection for op: the transaction in ctx
// if one is open, else the pool handle.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs op atomically. Entering a transaction while one is
// already open on ctx is a no-op that joins the outer frame (spec.md
// §4.A: "Transactions are nestable"); only the outermost call commits
// or rolls back. Busy errors are retried per s.retryPolicy before
// being surfaced.
func (s *Store) WithTx(ctx context.Context, op func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return op(ctx)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = s.runTx(ctx, op)
		if lastErr == nil {
			return nil
		}
		if !errors.IsCode(lastErr, errors.CodeBusy) {
			return lastErr
		}
		if !s.retryPolicy.ShouldRetry(ctx, lastErr, attempt) {
			return lastErr
		}
		select {
		case <-time.After(s.retryPolicy.WaitTime(attempt)):
		case <-ctx.Done():
			return lastErr
		}
	}
}

func (s *Store) runTx(ctx context.Context, op func(ctx context.Context) error) (err error) {
	tx, txErr := s.db.BeginTxx(ctx, &txOptions)
	if txErr != nil {
		return classifyTxError(txErr)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = classifyTxError(commitErr)
		}
	}()

	err = op(txCtx)
	return err
}

// now returns the current time truncated to seconds-since-epoch, the
// wire/storage representation spec.md §6 specifies for timestamps.
func now() int64 {
	return time.Now().Unix()
}
