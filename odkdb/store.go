// Package odkdb is the local replica store: table definitions, key-value
// metadata, choice lists and user tables holding the multi-row (checkpoint and
// conflict) representation of each logical row.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"time"

	"github.com/moychal/odkVaccine/odkdata"
)

// Opener hands out store handles for one application.
type Opener interface {
	AppName() string
	OpenConn(ctx context.Context) (Conn, error)
}

// TableDefinitionEntry is the sync bookkeeping kept for every table.
type TableDefinitionEntry struct {
	TableID      string
	SchemaETag   string
	LastDataETag string
	LastSyncTime time.Time // zero when the table has never synced
}

// Query selects physical rows of a user table. Where, GroupBy, Having and
// OrderBy are SQL fragments over element keys; Args bind the Where placeholders.
type Query struct {
	Where   string
	Args    []any
	GroupBy []string
	Having  string
	OrderBy string
	Limit   int
}

// Conn is a store handle. Every mutating method is a single transaction.
// Once a handle fails with odkdata.ErrStore, callers should close it and open
// a fresh one.
type Conn interface {
	Name() string
	Close() error

	GetAllTableIDs(ctx context.Context) ([]string, error)
	TableExists(ctx context.Context, tableID string) (bool, error)
	CreateOrOpenTable(ctx context.Context, tableID string, columns []odkdata.Column, kvs []odkdata.KeyValueStoreEntry) (*odkdata.OrderedColumns, error)
	GetUserDefinedColumns(ctx context.Context, tableID string) (*odkdata.OrderedColumns, error)
	DeleteTable(ctx context.Context, tableID string) error
	GetTableDefinitionEntry(ctx context.Context, tableID string) (*TableDefinitionEntry, error)
	SetSchemaETag(ctx context.Context, tableID, etag string) error
	SetLastDataETag(ctx context.Context, tableID, etag string) error
	SetLastSyncTime(ctx context.Context, tableID string, t time.Time) error

	GetTableMetadata(ctx context.Context, tableID, partition, aspect, key string) ([]odkdata.KeyValueStoreEntry, error)
	ReplaceTableMetadata(ctx context.Context, tableID string, entries []odkdata.KeyValueStoreEntry, clear bool) error
	DeleteTableMetadata(ctx context.Context, tableID, partition, aspect, key string) error
	GetChoiceList(ctx context.Context, choiceListID string) (string, error)
	SetChoiceList(ctx context.Context, choiceListJSON string) (string, error)

	Query(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, q Query) (*odkdata.Table, error)
	RawQuery(ctx context.Context, sqlCommand string, args ...any) ([]string, [][]odkdata.Value, error)
	GetRowsWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string) (*odkdata.Table, error)
	GetMostRecentRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string) (*odkdata.Table, error)
	InsertRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, rowID string) error
	UpdateRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, rowID string) error
	DeleteRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string) error
	DeleteRowsWithIDHard(ctx context.Context, tableID, rowID string) error

	InsertCheckpointRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, rowID string) error
	SaveAsIncompleteMostRecentCheckpointRowWithID(ctx context.Context, tableID, rowID string) error
	SaveAsCompleteMostRecentCheckpointRowWithID(ctx context.Context, tableID, rowID string) error
	DeleteAllCheckpointRowsWithID(ctx context.Context, tableID, rowID string) error
	DeleteLastCheckpointRowWithID(ctx context.Context, tableID, rowID string) error

	CountCheckpointRows(ctx context.Context, tableID string) (int, error)
	CountConflictRows(ctx context.Context, tableID string) (int, error)
	GetRowsInState(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, states ...odkdata.SyncState) (*odkdata.Table, error)
	PrivilegedUpsertRow(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, state odkdata.SyncState) error
	PlaceRowIntoConflict(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string, localType odkdata.ConflictType, server odkdata.Values, serverType odkdata.ConflictType) error
	ResolveConflictWithValues(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string, values odkdata.Values, state odkdata.SyncState) error
	MarkRowSynced(ctx context.Context, tableID, rowID, rowETag string, state odkdata.SyncState) error
}
