// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moychal/odkVaccine/odkdata"
)

var (
	// ErrTableNotFound is returned for tables the server does not know.
	ErrTableNotFound = fmt.Errorf("table %w", odkdata.ErrNotFound)
	// ErrFileNotFound is returned for missing app or attachment files.
	ErrFileNotFound = fmt.Errorf("file %w", odkdata.ErrNotFound)
	// ErrSchemaMismatch is returned when a request names a stale schema ETag.
	ErrSchemaMismatch = errors.New("schema etag does not match")
	// ErrDefinitionConflict is returned when a table is re-created with different columns.
	ErrDefinitionConflict = errors.New("table exists with a different definition")
)

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	MaxFetchLimit   int  // Upper bound of rows per pull page (0 = MaxFetchLimit)
	MaxPushRows     int  // Maximum rows in a single push (0 = unlimited)
	MaxTxAttempts   int  // Attempts for transactions failing with serialization errors (0 = 3)
	LogStageTimings bool // Log per-stage timings at debug level

	StageMetrics StageMetricsRecorder
}

// SyncService stores table definitions, rows and files of any number of
// applications and serves the table sync protocol over them.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// NewSyncService creates a new sync service instance from an existing pool
// and makes sure the odk schema exists.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.MaxFetchLimit <= 0 || config.MaxFetchLimit > MaxFetchLimit {
		config.MaxFetchLimit = MaxFetchLimit
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")
	return service, nil
}

// Close marks the service closed. It does NOT close the pool; the caller owns it.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// inTx runs fn in a REPEATABLE READ transaction, retrying serialization
// failures, deadlocks and lock timeouts with backoff.
func (s *SyncService) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'"); err != nil {
				return err
			}
			return fn(tx)
		})
		if err != nil && !isRetryablePGTxError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, txBackOff(ctx, s.config.MaxTxAttempts), func(err error, wait time.Duration) {
		s.logger.Warn("Retrying transaction", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
}
