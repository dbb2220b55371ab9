// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import (
	"fmt"
	"path"
	"strconv"
)

// Row is one physical row: administrative columns plus retained data columns.
type Row struct {
	Values Values
}

// RowID returns the logical row identity.
func (r Row) RowID() string { return r.Values.Text(ColID) }

// Get returns the value of a column, Null when absent.
func (r Row) Get(key string) Value { return r.Values[key] }

// Raw returns the raw text of a column and false for Null.
func (r Row) Raw(key string) (string, bool) { return r.Values[key].Raw() }

// RowETag returns the server version tag of the row.
func (r Row) RowETag() string { return r.Values.Text(ColRowETag) }

// SyncState returns the row's sync state. A missing or unknown state is an
// integrity fault.
func (r Row) SyncState() (SyncState, error) {
	raw, ok := r.Raw(ColSyncState)
	if !ok {
		return "", fmt.Errorf("%w: row %s has a null sync state", ErrIntegrityFault, r.RowID())
	}
	st, err := ParseSyncState(raw)
	if err != nil {
		return "", fmt.Errorf("%w: row %s: %v", ErrIntegrityFault, r.RowID(), err)
	}
	return st, nil
}

// ConflictType returns the conflict tag and false when the row is not in conflict.
func (r Row) ConflictType() (ConflictType, bool) {
	v := r.Values[ColConflictType]
	switch v.Kind() {
	case KindInt:
		return ConflictType(v.Int()), true
	case KindText:
		i, err := strconv.Atoi(v.Text())
		if err != nil {
			return 0, false
		}
		return ConflictType(i), true
	}
	return 0, false
}

// IsCheckpoint reports whether the row is an unfinalized save.
func (r Row) IsCheckpoint() bool { return r.Values[ColSavepointType].IsNull() }

// SavepointTimestamp returns the savepoint timestamp text.
func (r Row) SavepointTimestamp() string { return r.Values.Text(ColSavepointTimestamp) }

// DataValues returns only the retained data columns of the row.
func (r Row) DataValues(cols *OrderedColumns) Values {
	out := make(Values)
	for _, k := range cols.RetentionColumnNames() {
		out[k] = r.Values[k]
	}
	return out
}

// DisplayText renders a column value for a person. Paths show their final
// segment; everything else shows its raw form.
func (r Row) DisplayText(cols *OrderedColumns, key string) string {
	raw, ok := r.Raw(key)
	if !ok {
		return ""
	}
	if def, err := cols.Find(key); err == nil {
		switch def.ElementType().DataType() {
		case DataTypeRowPath, DataTypeConfigPath:
			return path.Base(raw)
		}
	}
	return raw
}

// Table is a materialized query result for one user table.
type Table struct {
	TableID     string
	Columns     *OrderedColumns
	ElementKeys []string // admin columns followed by retained data columns
	Rows        []Row
}

// Len returns the number of physical rows.
func (t *Table) Len() int { return len(t.Rows) }
