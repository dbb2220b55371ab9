// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/moychal/odkVaccine/odkdata"
)

// SQLiteStore is the SQLite-backed Opener for one application.
type SQLiteStore struct {
	DB        *sql.DB
	appName   string
	logger    *slog.Logger
	tableInfo *TableInfoProvider
}

// Open opens (creating if needed) the store at path and prepares the metadata tables.
func Open(path, appName string, logger *slog.Logger) (*SQLiteStore, error) {
	if appName == "" {
		return nil, fmt.Errorf("appName cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := initializeDatabase(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &SQLiteStore{
		DB:        db,
		appName:   appName,
		logger:    logger,
		tableInfo: NewTableInfoProvider(),
	}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// One row per user table: sync bookkeeping.
		`CREATE TABLE IF NOT EXISTS _table_definitions (
			table_id        TEXT NOT NULL PRIMARY KEY,
			schema_etag     TEXT NULL,
			last_data_etag  TEXT NULL,
			last_sync_time  TEXT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _column_definitions (
			table_id                 TEXT NOT NULL,
			element_key              TEXT NOT NULL,
			element_name             TEXT NOT NULL,
			element_type             TEXT NOT NULL,
			list_child_element_keys  TEXT NULL,
			PRIMARY KEY (table_id, element_key)
		)`,

		`CREATE TABLE IF NOT EXISTS _key_value_store_active (
			table_id   TEXT NOT NULL,
			partition  TEXT NOT NULL,
			aspect     TEXT NOT NULL,
			key        TEXT NOT NULL,
			type       TEXT NOT NULL,
			value      TEXT NOT NULL,
			PRIMARY KEY (table_id, partition, aspect, key)
		)`,

		// Choice lists are interned by content hash.
		`CREATE TABLE IF NOT EXISTS _choice_lists (
			choice_list_id    TEXT NOT NULL PRIMARY KEY,
			choice_list_json  TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create metadata table: %w", err)
		}
	}
	return nil
}

// AppName returns the application this store belongs to.
func (s *SQLiteStore) AppName() string { return s.appName }

// OpenConn acquires a dedicated connection and wraps it in a named handle.
func (s *SQLiteStore) OpenConn(ctx context.Context) (Conn, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open handle: %w", odkdata.ErrStore, err)
	}
	c := &sqliteConn{
		store: s,
		conn:  conn,
		name:  uuid.NewString(),
	}
	s.logger.Debug("Opened store handle", "app", s.appName, "handle", c.name)
	return c, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

type sqliteConn struct {
	store  *SQLiteStore
	conn   *sql.Conn
	name   string
	mu     sync.Mutex
	closed bool
}

func (c *sqliteConn) Name() string { return c.name }

func (c *sqliteConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.store.logger.Debug("Closed store handle", "app", c.store.appName, "handle", c.name)
	return c.conn.Close()
}

func (c *sqliteConn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: handle %s is closed", odkdata.ErrStore, c.name)
	}
	return nil
}

// withTx runs fn in one transaction on this handle.
func (c *sqliteConn) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	committed = true
	return nil
}

// queryer is satisfied by both *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *sqliteConn) reader() (queryer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.conn, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", odkdata.ErrStore, op, err)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func validTableID(tableID string) error {
	if !odkdata.IsValidUserDefinedDatabaseName(tableID) {
		return fmt.Errorf("%w: invalid table id %q", odkdata.ErrInvalidSchema, tableID)
	}
	return nil
}
