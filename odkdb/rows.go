// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/moychal/odkVaccine/odkdata"
)

// ErrPendingRowState is returned when a row operation would run over an
// unresolved checkpoint chain or conflict pair.
var ErrPendingRowState = errors.New("row has checkpoint or conflict rows")

// physRow is a physical row with its SQLite rowid.
type physRow struct {
	rowid int64
	row   odkdata.Row
}

func selectColumns(cols *odkdata.OrderedColumns) []string {
	return append(odkdata.AdminColumns(), cols.RetentionColumnNames()...)
}

func (c *sqliteConn) Query(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, q Query) (*odkdata.Table, error) {
	if err := validTableID(tableID); err != nil {
		return nil, err
	}
	r, err := c.reader()
	if err != nil {
		return nil, err
	}

	keys := selectColumns(cols)
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = quoteIdent(k)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(quoted, ", "), quoteIdent(tableID))
	if q.Where != "" {
		sb.WriteString(" WHERE " + q.Where)
	}
	if len(q.GroupBy) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(q.GroupBy, ", "))
		if q.Having != "" {
			sb.WriteString(" HAVING " + q.Having)
		}
	}
	if q.OrderBy != "" {
		sb.WriteString(" ORDER BY " + q.OrderBy)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	rows, err := r.QueryContext(ctx, sb.String(), q.Args...)
	if err != nil {
		return nil, storeErr("query "+tableID, err)
	}
	defer rows.Close()

	table := &odkdata.Table{TableID: tableID, Columns: cols, ElementKeys: keys}
	for rows.Next() {
		row, err := scanRow(rows, cols, keys, false)
		if err != nil {
			return nil, err
		}
		table.Rows = append(table.Rows, row.row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate "+tableID, err)
	}
	return table, nil
}

// RawQuery runs arbitrary SQL and returns the column names and untyped values.
func (c *sqliteConn) RawQuery(ctx context.Context, sqlCommand string, args ...any) ([]string, [][]odkdata.Value, error) {
	r, err := c.reader()
	if err != nil {
		return nil, nil, err
	}
	rows, err := r.QueryContext(ctx, sqlCommand, args...)
	if err != nil {
		return nil, nil, storeErr("raw query", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, nil, storeErr("raw query columns", err)
	}
	var out [][]odkdata.Value
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, storeErr("raw query scan", err)
		}
		vals := make([]odkdata.Value, len(names))
		for i, v := range raw {
			vals[i] = odkdata.FromDB(v)
		}
		out = append(out, vals)
	}
	return names, out, rows.Err()
}

func scanRow(rows *sql.Rows, cols *odkdata.OrderedColumns, keys []string, withRowID bool) (physRow, error) {
	n := len(keys)
	if withRowID {
		n++
	}
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return physRow{}, storeErr("scan row", err)
	}

	var pr physRow
	offset := 0
	if withRowID {
		pr.rowid, _ = raw[0].(int64)
		offset = 1
	}
	values := make(odkdata.Values, len(keys))
	for i, key := range keys {
		v := odkdata.FromDB(raw[i+offset])
		if !odkdata.IsAdminColumn(key) {
			if def, err := cols.Find(key); err == nil {
				if cv, cerr := odkdata.CoerceValue(def.ElementType().DataType(), v); cerr == nil {
					v = cv
				}
			}
		}
		values[key] = v
	}
	pr.row = odkdata.Row{Values: values}
	return pr, nil
}

// loadPhysical returns every physical row with the id, newest savepoint first.
func loadPhysical(ctx context.Context, q queryer, tableID string, cols *odkdata.OrderedColumns, rowID string) ([]physRow, error) {
	keys := selectColumns(cols)
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = quoteIdent(k)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT rowid, %s FROM %s WHERE %s = ? ORDER BY %s DESC, rowid DESC",
		strings.Join(quoted, ", "), quoteIdent(tableID), odkdata.ColID, odkdata.ColSavepointTimestamp), rowID)
	if err != nil {
		return nil, storeErr("load rows "+rowID, err)
	}
	defer rows.Close()

	var out []physRow
	for rows.Next() {
		pr, err := scanRow(rows, cols, keys, true)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate rows "+rowID, err)
	}
	return out, nil
}

func (c *sqliteConn) GetRowsWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string) (*odkdata.Table, error) {
	return c.Query(ctx, tableID, cols, Query{
		Where:   quoteIdent(odkdata.ColID) + " = ?",
		Args:    []any{rowID},
		OrderBy: odkdata.ColSavepointTimestamp + " DESC",
	})
}

// GetMostRecentRowWithID returns the newest local version of the row, ignoring
// the server side of a conflict pair.
func (c *sqliteConn) GetMostRecentRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string) (*odkdata.Table, error) {
	return c.Query(ctx, tableID, cols, Query{
		Where: fmt.Sprintf("%s = ? AND (%s IS NULL OR %s IN (%d, %d))",
			odkdata.ColID, odkdata.ColConflictType, odkdata.ColConflictType,
			odkdata.LocalDeletedOldValues, odkdata.LocalUpdatedUpdatedValues),
		Args:    []any{rowID},
		OrderBy: odkdata.ColSavepointTimestamp + " DESC",
		Limit:   1,
	})
}

// normalizeValues coerces data values to their column types and rejects keys
// that are neither retained columns nor caller-settable metadata.
func normalizeValues(cols *odkdata.OrderedColumns, values odkdata.Values) (odkdata.Values, error) {
	out := make(odkdata.Values, len(values))
	for key, v := range values {
		switch key {
		case odkdata.ColID, odkdata.ColSyncState, odkdata.ColConflictType:
			continue
		}
		if odkdata.IsAdminColumn(key) {
			out[key] = v
			continue
		}
		def, err := cols.Find(key)
		if err != nil {
			return nil, err
		}
		if !def.IsUnitOfRetention() {
			return nil, fmt.Errorf("%w: %s is not a unit of retention", odkdata.ErrNotFound, key)
		}
		cv, err := odkdata.CoerceValue(def.ElementType().DataType(), v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", key, err)
		}
		out[key] = cv
	}
	return out, nil
}

func applyInsertDefaults(values odkdata.Values) {
	if values[odkdata.ColLocale].IsNull() {
		values[odkdata.ColLocale] = odkdata.Text(odkdata.DefaultLocale)
	}
	if values[odkdata.ColSavepointCreator].IsNull() {
		values[odkdata.ColSavepointCreator] = odkdata.Text(odkdata.DefaultCreator)
	}
	if values[odkdata.ColSavepointTimestamp].IsNull() {
		values[odkdata.ColSavepointTimestamp] = odkdata.Text(odkdata.NanoTimestamp())
	}
}

func insertPhysical(ctx context.Context, tx *sql.Tx, tableID string, values odkdata.Values) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	quoted := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		quoted[i] = quoteIdent(k)
		marks[i] = "?"
		args[i] = values[k].SQL()
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(tableID), strings.Join(quoted, ", "), strings.Join(marks, ", ")), args...)
	if err != nil {
		return storeErr("insert into "+tableID, err)
	}
	return nil
}

func updatePhysical(ctx context.Context, tx *sql.Tx, tableID string, rowid int64, values odkdata.Values) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = quoteIdent(k) + " = ?"
		args = append(args, values[k].SQL())
	}
	args = append(args, rowid)
	_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE rowid = ?",
		quoteIdent(tableID), strings.Join(sets, ", ")), args...)
	if err != nil {
		return storeErr("update "+tableID, err)
	}
	return nil
}

func deletePhysical(ctx context.Context, tx *sql.Tx, tableID string, rowid int64) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", quoteIdent(tableID)), rowid); err != nil {
		return storeErr("delete from "+tableID, err)
	}
	return nil
}

func deleteAllWithID(ctx context.Context, tx *sql.Tx, tableID, rowID string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(tableID), odkdata.ColID), rowID)
	if err != nil {
		return storeErr("delete rows "+rowID, err)
	}
	return nil
}

// committedRow returns the single finalized, non-conflict row or an error
// describing why the row cannot be edited directly.
func committedRow(rows []physRow, rowID string) (physRow, error) {
	if len(rows) == 0 {
		return physRow{}, fmt.Errorf("%w: row %s", odkdata.ErrNotFound, rowID)
	}
	if len(rows) > 1 {
		return physRow{}, fmt.Errorf("%w: %s", ErrPendingRowState, rowID)
	}
	pr := rows[0]
	if _, inConflict := pr.row.ConflictType(); inConflict || pr.row.IsCheckpoint() {
		return physRow{}, fmt.Errorf("%w: %s", ErrPendingRowState, rowID)
	}
	return pr, nil
}

func hasConflict(rows []physRow) bool {
	for _, pr := range rows {
		if _, ok := pr.row.ConflictType(); ok {
			return true
		}
	}
	return false
}

// InsertRowWithID adds a new finalized row in state new_row.
func (c *sqliteConn) InsertRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, rowID string) error {
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
		if len(existing) > 0 {
			return fmt.Errorf("row %s already exists in %s", rowID, tableID)
		}
		vals[odkdata.ColID] = odkdata.Text(rowID)
		vals[odkdata.ColSyncState] = odkdata.Text(string(odkdata.SyncStateNewRow))
		if vals[odkdata.ColSavepointType].IsNull() {
			vals[odkdata.ColSavepointType] = odkdata.Text(string(odkdata.SavepointComplete))
		}
		applyInsertDefaults(vals)
		return insertPhysical(ctx, tx, tableID, vals)
	})
}

// UpdateRowWithID edits the single finalized row. A synced row becomes changed.
func (c *sqliteConn) UpdateRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, values odkdata.Values, rowID string) error {
	vals, err := normalizeValues(cols, values)
	if err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadPhysical(ctx, tx, tableID, cols, rowID)
		if err != nil {
			return err
		}
		pr, err := committedRow(existing, rowID)
		if err != nil {
			return err
		}
		state, err := pr.row.SyncState()
		if err != nil {
			return err
		}
		switch state {
		case odkdata.SyncStateDeleted:
			return fmt.Errorf("row %s is deleted", rowID)
		case odkdata.SyncStateSynced, odkdata.SyncStateSyncedPendingFiles:
			vals[odkdata.ColSyncState] = odkdata.Text(string(odkdata.SyncStateChanged))
		}
		if vals[odkdata.ColSavepointType].IsNull() {
			vals[odkdata.ColSavepointType] = odkdata.Text(string(odkdata.SavepointComplete))
		}
		if vals[odkdata.ColSavepointTimestamp].IsNull() {
			vals[odkdata.ColSavepointTimestamp] = odkdata.Text(odkdata.NanoTimestamp())
		}
		return updatePhysical(ctx, tx, tableID, pr.rowid, vals)
	})
}

// DeleteRowWithID removes a never-synced row outright; a row the server knows
// is marked deleted so the deletion can be pushed. Checkpoints are discarded.
func (c *sqliteConn) DeleteRowWithID(ctx context.Context, tableID string, cols *odkdata.OrderedColumns, rowID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadPhysical(ctx, tx, tableID, cols, rowID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: row %s", odkdata.ErrNotFound, rowID)
		}
		if hasConflict(existing) {
			return fmt.Errorf("%w: %s", ErrPendingRowState, rowID)
		}

		var committed *physRow
		neverSynced := false
		for i := range existing {
			pr := &existing[i]
			st, err := pr.row.SyncState()
			if err != nil {
				return err
			}
			if st == odkdata.SyncStateNewRow {
				neverSynced = true
			}
			if !pr.row.IsCheckpoint() {
				committed = pr
			}
		}
		if neverSynced || committed == nil {
			return deleteAllWithID(ctx, tx, tableID, rowID)
		}

		for _, pr := range existing {
			if pr.row.IsCheckpoint() {
				if err := deletePhysical(ctx, tx, tableID, pr.rowid); err != nil {
					return err
				}
			}
		}
		return updatePhysical(ctx, tx, tableID, committed.rowid, odkdata.Values{
			odkdata.ColSyncState:          odkdata.Text(string(odkdata.SyncStateDeleted)),
			odkdata.ColSavepointType:      odkdata.Text(string(odkdata.SavepointComplete)),
			odkdata.ColSavepointTimestamp: odkdata.Text(odkdata.NanoTimestamp()),
		})
	})
}

// DeleteRowsWithIDHard removes every physical row with the id, without leaving a tombstone.
func (c *sqliteConn) DeleteRowsWithIDHard(ctx context.Context, tableID, rowID string) error {
	if err := validTableID(tableID); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return deleteAllWithID(ctx, tx, tableID, rowID)
	})
}
