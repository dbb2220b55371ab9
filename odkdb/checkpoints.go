// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/moychal/odkVaccine/odkdata"
)

// InsertCheckpointRowWithID appends a checkpoint to the row's chain. The new
// physical row starts as a copy of the newest existing version with values
// applied on top. A brand new row starts a chain in state new_row.
func (c *sqliteConn) InsertCheckpointRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, rowID string) error {
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
		if hasConflict(existing) {
			return fmt.Errorf("%w: %s", ErrPendingRowState, rowID)
		}

		next := odkdata.Values{}
		state := odkdata.SyncStateNewRow
		if len(existing) > 0 {
			base := existing[0].row
			next = base.Values.Clone()
			st, err := base.SyncState()
			if err != nil {
				return err
			}
			if st == odkdata.SyncStateDeleted {
				return fmt.Errorf("row %s is deleted", rowID)
			}
			if st != odkdata.SyncStateNewRow {
				state = odkdata.SyncStateChanged
			}
		}
		for k, v := range vals {
			next[k] = v
		}
		next[odkdata.ColID] = odkdata.Text(rowID)
		next[odkdata.ColSyncState] = odkdata.Text(string(state))
		next[odkdata.ColConflictType] = odkdata.Null()
		next[odkdata.ColSavepointType] = odkdata.Null()
		next[odkdata.ColSavepointTimestamp] = odkdata.Text(odkdata.NanoTimestamp())
		applyInsertDefaults(next)
		return insertPhysical(ctx, tx, tableID, next)
	})
}

func (c *sqliteConn) SaveAsIncompleteMostRecentCheckpointRowWithID(ctx context.Context, tableID, rowID string) error {
	return c.finalizeCheckpoint(ctx, tableID, rowID, odkdata.SavepointIncomplete)
}

func (c *sqliteConn) SaveAsCompleteMostRecentCheckpointRowWithID(ctx context.Context, tableID, rowID string) error {
	return c.finalizeCheckpoint(ctx, tableID, rowID, odkdata.SavepointComplete)
}

// finalizeCheckpoint promotes the newest checkpoint to a finalized save and
// drops every other physical row of the chain. Without checkpoints it is a no-op.
func (c *sqliteConn) finalizeCheckpoint(ctx context.Context, tableID, rowID string, kind odkdata.SavepointType) error {
	if err := validTableID(tableID); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		chain, err := loadChain(ctx, tx, tableID, rowID)
		if err != nil {
			return err
		}
		var newest int64 = -1
		for _, link := range chain {
			if link.conflict {
				return fmt.Errorf("%w: %s", ErrPendingRowState, rowID)
			}
			if link.checkpoint && newest < 0 {
				newest = link.rowid
			}
		}
		if newest < 0 {
			return nil
		}
		for _, link := range chain {
			if link.rowid == newest {
				continue
			}
			if err := deletePhysical(ctx, tx, tableID, link.rowid); err != nil {
				return err
			}
		}
		return updatePhysical(ctx, tx, tableID, newest, odkdata.Values{
			odkdata.ColSavepointType: odkdata.Text(string(kind)),
		})
	})
}

// DeleteAllCheckpointRowsWithID discards the chain, leaving the last finalized
// version (if any) untouched.
func (c *sqliteConn) DeleteAllCheckpointRowsWithID(ctx context.Context, tableID, rowID string) error {
	if err := validTableID(tableID); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IS NULL",
			quoteIdent(tableID), odkdata.ColID, odkdata.ColSavepointType), rowID)
		if err != nil {
			return storeErr("delete checkpoints "+rowID, err)
		}
		return nil
	})
}

func (c *sqliteConn) DeleteLastCheckpointRowWithID(ctx context.Context, tableID, rowID string) error {
	if err := validTableID(tableID); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		chain, err := loadChain(ctx, tx, tableID, rowID)
		if err != nil {
			return err
		}
		for _, link := range chain {
			if link.checkpoint {
				return deletePhysical(ctx, tx, tableID, link.rowid)
			}
		}
		return nil
	})
}

type chainLink struct {
	rowid      int64
	checkpoint bool
	conflict   bool
}

// loadChain reads only the metadata needed to walk a chain, newest first. It
// avoids loading column definitions so callers need only the ids.
func loadChain(ctx context.Context, q queryer, tableID, rowID string) ([]chainLink, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT rowid, %s IS NULL, %s IS NOT NULL FROM %s WHERE %s = ? ORDER BY %s DESC, rowid DESC",
		odkdata.ColSavepointType, odkdata.ColConflictType, quoteIdent(tableID),
		odkdata.ColID, odkdata.ColSavepointTimestamp), rowID)
	if err != nil {
		return nil, storeErr("load chain "+rowID, err)
	}
	defer rows.Close()

	var out []chainLink
	for rows.Next() {
		var l chainLink
		if err := rows.Scan(&l.rowid, &l.checkpoint, &l.conflict); err != nil {
			return nil, storeErr("scan chain", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
