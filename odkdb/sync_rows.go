// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/moychal/odkVaccine/odkdata"
)

func (c *sqliteConn) CountCheckpointRows(ctx context.Context, tableID string) (int, error) {
	return c.count(ctx, tableID, odkdata.ColSavepointType+" IS NULL")
}

func (c *sqliteConn) CountConflictRows(ctx context.Context, tableID string) (int, error) {
	return c.count(ctx, tableID, odkdata.ColConflictType+" IS NOT NULL")
}

func (c *sqliteConn) count(ctx context.Context, tableID, where string) (int, error) {
	if err := validTableID(tableID); err != nil {
		return 0, err
	}
	r, err := c.reader()
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteIdent(tableID), where)).Scan(&n); err != nil {
		return 0, storeErr("count "+tableID, err)
	}
	return n, nil
}

// GetRowsInState returns finalized, non-conflict rows in any of the states.
func (c *sqliteConn) GetRowsInState(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, states ...odkdata.SyncState) (*odkdata.Table, error) {
	if len(states) == 0 {
		return &odkdata.Table{TableID: tableID, Columns: cols, ElementKeys: selectColumns(cols)}, nil
	}
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		marks[i] = "?"
		args[i] = string(s)
	}
	return c.Query(ctx, tableID, cols, Query{
		Where: fmt.Sprintf("%s IN (%s) AND %s IS NOT NULL AND %s IS NULL",
			odkdata.ColSyncState, strings.Join(marks, ", "), odkdata.ColSavepointType, odkdata.ColConflictType),
		Args:    args,
		OrderBy: odkdata.ColID,
	})
}

// PrivilegedUpsertRow replaces every physical row with the id by the given
// values (admin and data) in the given state. It is how server rows land
// locally; values must carry _id.
func (c *sqliteConn) PrivilegedUpsertRow(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, state odkdata.SyncState) error {
	rowID := values.Text(odkdata.ColID)
	if rowID == "" {
		return fmt.Errorf("rowId cannot be empty")
	}
	vals, err := normalizeValues(cols, values)
	if err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadPhysical(ctx, tx, tableID, cols, rowID)
		if err != nil {
			return err
		}
		for _, pr := range existing {
			if pr.row.IsCheckpoint() {
				return fmt.Errorf("%w: %s", ErrPendingRowState, rowID)
			}
		}
		if err := deleteAllWithID(ctx, tx, tableID, rowID); err != nil {
			return err
		}
		vals[odkdata.ColID] = odkdata.Text(rowID)
		vals[odkdata.ColSyncState] = odkdata.Text(string(state))
		if vals[odkdata.ColSavepointType].IsNull() {
			vals[odkdata.ColSavepointType] = odkdata.Text(string(odkdata.SavepointComplete))
		}
		applyInsertDefaults(vals)
		return insertPhysical(ctx, tx, tableID, vals)
	})
}

// PlaceRowIntoConflict tags the local row with localType and stores the server
// version beside it tagged with serverType. Both rows end up in_conflict.
func (c *sqliteConn) PlaceRowIntoConflict(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string, localType odkdata.ConflictType, server odkdata.Values, serverType odkdata.ConflictType) error {
	if !localType.IsLocal() || serverType.IsLocal() {
		return fmt.Errorf("invalid conflict type pair %s/%s", localType, serverType)
	}
	sv, err := normalizeValues(cols, server)
	if err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadPhysical(ctx, tx, tableID, cols, rowID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: row %s", odkdata.ErrNotFound, rowID)
		}
		if len(existing) != 1 || existing[0].row.IsCheckpoint() {
			return fmt.Errorf("%w: row %s has %d physical rows, cannot place into conflict",
				odkdata.ErrIntegrityFault, rowID, len(existing))
		}
		if _, inConflict := existing[0].row.ConflictType(); inConflict {
			return fmt.Errorf("%w: row %s is already in conflict", odkdata.ErrIntegrityFault, rowID)
		}

		if err := updatePhysical(ctx, tx, tableID, existing[0].rowid, odkdata.Values{
			odkdata.ColSyncState:    odkdata.Text(string(odkdata.SyncStateInConflict)),
			odkdata.ColConflictType: odkdata.Int(int64(localType)),
		}); err != nil {
			return err
		}

		sv[odkdata.ColID] = odkdata.Text(rowID)
		sv[odkdata.ColSyncState] = odkdata.Text(string(odkdata.SyncStateInConflict))
		sv[odkdata.ColConflictType] = odkdata.Int(int64(serverType))
		if sv[odkdata.ColSavepointType].IsNull() {
			sv[odkdata.ColSavepointType] = odkdata.Text(string(odkdata.SavepointComplete))
		}
		applyInsertDefaults(sv)
		return insertPhysical(ctx, tx, tableID, sv)
	})
}

// ResolveConflictWithValues retires both conflict rows and writes values as the
// new finalized row in the given state.
func (c *sqliteConn) ResolveConflictWithValues(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string, values odkdata.Values, state odkdata.SyncState) error {
	vals, err := normalizeValues(cols, values)
	if err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadPhysical(ctx, tx, tableID, cols, rowID)
		if err != nil {
			return err
		}
		conflicts := 0
		for _, pr := range existing {
			if _, ok := pr.row.ConflictType(); ok {
				conflicts++
			}
		}
		if conflicts != 2 || len(existing) != 2 {
			return fmt.Errorf("%w: row %s has %d conflict rows out of %d, expected 2",
				odkdata.ErrIntegrityFault, rowID, conflicts, len(existing))
		}
		if err := deleteAllWithID(ctx, tx, tableID, rowID); err != nil {
			return err
		}
		vals[odkdata.ColID] = odkdata.Text(rowID)
		vals[odkdata.ColSyncState] = odkdata.Text(string(state))
		vals[odkdata.ColConflictType] = odkdata.Null()
		if vals[odkdata.ColSavepointType].IsNull() {
			vals[odkdata.ColSavepointType] = odkdata.Text(string(odkdata.SavepointComplete))
		}
		vals[odkdata.ColSavepointTimestamp] = odkdata.Text(odkdata.NanoTimestamp())
		applyInsertDefaults(vals)
		return insertPhysical(ctx, tx, tableID, vals)
	})
}

// MarkRowSynced records a successful push of the finalized row.
func (c *sqliteConn) MarkRowSynced(ctx context.Context, tableID, rowID, rowETag string, state odkdata.SyncState) error {
	if err := validTableID(tableID); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET %s = ?, %s = ? WHERE %s = ? AND %s IS NULL AND %s IS NOT NULL",
			quoteIdent(tableID), odkdata.ColRowETag, odkdata.ColSyncState,
			odkdata.ColID, odkdata.ColConflictType, odkdata.ColSavepointType),
			nullIfEmpty(rowETag), string(state), rowID)
		if err != nil {
			return storeErr("mark synced "+rowID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: expected one finalized row %s, updated %d", odkdata.ErrIntegrityFault, rowID, n)
		}
		return nil
	})
}
