// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"fmt"

	"github.com/moychal/odkVaccine/odkdata"
)

// NewRowResource converts a finalized local row to its wire form. Rows in
// state deleted are sent as deletions.
func NewRowResource(row odkdata.Row, cols *odkdata.OrderedColumns) RowResource {
	st, _ := row.SyncState()
	r := RowResource{
		RowID:              row.RowID(),
		RowETag:            row.RowETag(),
		Deleted:            st == odkdata.SyncStateDeleted,
		FilterScope:        FilterScope{Type: row.Values.Text(odkdata.ColFilterType), Value: row.Values.Text(odkdata.ColFilterValue)},
		FormID:             row.Values.Text(odkdata.ColFormID),
		Locale:             row.Values.Text(odkdata.ColLocale),
		SavepointType:      row.Values.Text(odkdata.ColSavepointType),
		SavepointTimestamp: row.Values.Text(odkdata.ColSavepointTimestamp),
		SavepointCreator:   row.Values.Text(odkdata.ColSavepointCreator),
	}
	for _, key := range cols.RetentionColumnNames() {
		kv := DataKeyValue{Column: key}
		if raw, ok := row.Raw(key); ok {
			kv.Value = &raw
		}
		r.Values = append(r.Values, kv)
	}
	return r
}

// ToValues converts the wire row into local values: the admin columns the
// server owns plus every retained column coerced to its declared type.
// Columns the table does not retain fail with odkdata.ErrNotFound.
func (r RowResource) ToValues(cols *odkdata.OrderedColumns) (odkdata.Values, error) {
	vals := odkdata.Values{
		odkdata.ColID:                 odkdata.Text(r.RowID),
		odkdata.ColRowETag:            textOrNull(r.RowETag),
		odkdata.ColFilterType:         textOrNull(r.FilterScope.Type),
		odkdata.ColFilterValue:        textOrNull(r.FilterScope.Value),
		odkdata.ColFormID:             textOrNull(r.FormID),
		odkdata.ColLocale:             textOrNull(r.Locale),
		odkdata.ColSavepointType:      textOrNull(r.SavepointType),
		odkdata.ColSavepointTimestamp: textOrNull(r.SavepointTimestamp),
		odkdata.ColSavepointCreator:   textOrNull(r.SavepointCreator),
	}
	for _, kv := range r.Values {
		def, err := cols.Find(kv.Column)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", r.RowID, err)
		}
		if !def.IsUnitOfRetention() {
			return nil, fmt.Errorf("%w: row %s column %s is not retained", odkdata.ErrNotFound, r.RowID, kv.Column)
		}
		if kv.Value == nil {
			vals[kv.Column] = odkdata.Null()
			continue
		}
		v, err := odkdata.Coerce(def.ElementType().DataType(), *kv.Value)
		if err != nil {
			return nil, fmt.Errorf("row %s column %s: %w", r.RowID, kv.Column, err)
		}
		vals[kv.Column] = v
	}
	return vals, nil
}

// SameData reports whether the retained values of the two rows are equal.
func SameData(a odkdata.Values, b odkdata.Values, cols *odkdata.OrderedColumns) bool {
	for _, key := range cols.RetentionColumnNames() {
		if !a[key].Equal(b[key]) {
			return false
		}
	}
	return true
}

// ValueMap returns the row's column values keyed by element key.
func (r RowResource) ValueMap() map[string]*string {
	m := make(map[string]*string, len(r.Values))
	for _, kv := range r.Values {
		m[kv.Column] = kv.Value
	}
	return m
}

func textOrNull(s string) odkdata.Value {
	if s == "" {
		return odkdata.Null()
	}
	return odkdata.Text(s)
}
