// Package executor runs row-level requests from form and view renderers
// against the local store and returns the affected rows together with the
// table metadata a renderer needs to interpret them.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned when a request is missing a required field.
var ErrInvalidRequest = errors.New("invalid request")

// Request is one unit of work for the Processor. The set of implementations
// is closed.
type Request interface {
	validate() error
}

// GetAllTableIDs lists every user table.
type GetAllTableIDs struct{}

// ArbitraryQuery runs a read-only SQL statement. TableID supplies the column
// types used to interpret the result.
type ArbitraryQuery struct {
	TableID string
	SQL     string
	Args    []any
}

// UserTableQuery selects physical rows of a table.
type UserTableQuery struct {
	TableID           string
	Where             string
	Args              []any
	GroupBy           []string
	Having            string
	OrderByElementKey string
	OrderByDirection  string // ASC or DESC, ASC when empty
}

// GetRows returns every physical row of a logical row.
type GetRows struct {
	TableID string
	RowID   string
}

// GetMostRecentRow returns the newest local version of a row.
type GetMostRecentRow struct {
	TableID string
	RowID   string
}

// AddRow inserts a finalized row. JSON holds the column values.
type AddRow struct {
	TableID string
	RowID   string
	JSON    string
}

// UpdateRow edits the finalized row.
type UpdateRow struct {
	TableID string
	RowID   string
	JSON    string
}

// DeleteRow deletes a row.
type DeleteRow struct {
	TableID string
	RowID   string
}

// AddCheckpoint saves an unfinalized edit on top of the row.
type AddCheckpoint struct {
	TableID string
	RowID   string
	JSON    string
}

// SaveCheckpointAsIncomplete finalizes the newest checkpoint as INCOMPLETE.
// Values in JSON are checkpointed first.
type SaveCheckpointAsIncomplete struct {
	TableID string
	RowID   string
	JSON    string
}

// SaveCheckpointAsComplete finalizes the newest checkpoint as COMPLETE.
// Values in JSON are checkpointed first.
type SaveCheckpointAsComplete struct {
	TableID string
	RowID   string
	JSON    string
}

// DeleteAllCheckpoints discards the checkpoint chain of a row.
type DeleteAllCheckpoints struct {
	TableID string
	RowID   string
}

// DeleteLastCheckpoint discards the newest checkpoint of a row.
type DeleteLastCheckpoint struct {
	TableID string
	RowID   string
}

func (GetAllTableIDs) validate() error { return nil }

func (r ArbitraryQuery) validate() error {
	if err := requireTable(r.TableID); err != nil {
		return err
	}
	if r.SQL == "" {
		return fmt.Errorf("%w: sql command cannot be empty", ErrInvalidRequest)
	}
	return nil
}

func (r UserTableQuery) validate() error             { return requireTable(r.TableID) }
func (r GetRows) validate() error                    { return requireRow(r.TableID, r.RowID) }
func (r GetMostRecentRow) validate() error           { return requireRow(r.TableID, r.RowID) }
func (r AddRow) validate() error                     { return requireRow(r.TableID, r.RowID) }
func (r UpdateRow) validate() error                  { return requireRow(r.TableID, r.RowID) }
func (r DeleteRow) validate() error                  { return requireRow(r.TableID, r.RowID) }
func (r AddCheckpoint) validate() error              { return requireRow(r.TableID, r.RowID) }
func (r SaveCheckpointAsIncomplete) validate() error { return requireRow(r.TableID, r.RowID) }
func (r SaveCheckpointAsComplete) validate() error   { return requireRow(r.TableID, r.RowID) }
func (r DeleteAllCheckpoints) validate() error       { return requireRow(r.TableID, r.RowID) }
func (r DeleteLastCheckpoint) validate() error       { return requireRow(r.TableID, r.RowID) }

func requireTable(tableID string) error {
	if tableID == "" {
		return fmt.Errorf("%w: tableId cannot be empty", ErrInvalidRequest)
	}
	return nil
}

func requireRow(tableID, rowID string) error {
	if err := requireTable(tableID); err != nil {
		return err
	}
	if rowID == "" {
		return fmt.Errorf("%w: rowId cannot be empty", ErrInvalidRequest)
	}
	return nil
}
