// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package csvutil

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/moychal/odkVaccine/internal/appfs"
	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
)

const progressEvery = 5

type importOutcome int

const (
	rowInserted importOutcome = iota
	rowUpdated
	rowSkipped
)

// ImportSeparable loads config/assets/csv/<tableId>[.<qualifier>].csv into the
// table. A missing table is created from the bundle's definition and
// properties files when createIfNotPresent is set, falling back to the copies
// under tables/<tableId>/.
//
// Rows absent from the table are inserted. A row still in new_row is
// overwritten; a row with any sync history is left alone. Checkpoint or
// conflict rows for an imported id fail the import.
func (u *Util) ImportSeparable(ctx context.Context, listener ImportListener, tableID, qualifier string, createIfNotPresent bool) (err error) {
	if listener != nil {
		defer func() { listener.ImportComplete(err == nil) }()
	}
	if err := validateNames(tableID, qualifier); err != nil {
		return err
	}

	conn, err := u.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists, err := conn.TableExists(ctx, tableID)
	if err != nil {
		return err
	}
	if !exists {
		if !createIfNotPresent {
			return fmt.Errorf("%w: table %s", odkdata.ErrNotFound, tableID)
		}
		if err := u.createFromBundle(ctx, conn, tableID, qualifier); err != nil {
			return fmt.Errorf("create table %s: %w", tableID, err)
		}
	}

	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return err
	}

	name := dataFile(appfs.AssetsCSVDir, tableID, qualifier)
	var counts [3]int
	attachments := 0
	err = u.readCSVFile(name, func(header []string, r *csv.Reader) error {
		n := 0
		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			n++
			if listener != nil && n%progressEvery == 0 {
				listener.UpdateProgressDetail(fmt.Sprintf("Row %d", n))
			}
			if blankRecord(record) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rowID, found, values, err := u.parseRecord(cols, header, record)
			if err != nil {
				var ce *cellError
				if errors.As(err, &ce) {
					line, _ := r.FieldPos(ce.field)
					return fmt.Errorf("%s line %d: %w", name, line, err)
				}
				return err
			}
			outcome, err := importRow(ctx, conn, tableID, cols, rowID, found, values)
			if err != nil {
				return fmt.Errorf("row %d (%s): %w", n, rowID, err)
			}
			counts[outcome]++

			copiedFiles, err := appfs.CopyDir(u.fs, appfs.BundleInstanceDir(appfs.AssetsCSVDir, tableID, rowID), appfs.InstanceDir(tableID, rowID))
			if err != nil {
				return fmt.Errorf("copy attachments of row %s: %w", rowID, err)
			}
			attachments += copiedFiles
		}
	})
	if err != nil {
		return err
	}

	u.logger.Info("imported table", "table_id", tableID, "qualifier", qualifier,
		"inserted", counts[rowInserted], "updated", counts[rowUpdated], "skipped", counts[rowSkipped],
		"attachments", attachments)
	return nil
}

func (u *Util) createFromBundle(ctx context.Context, conn odkdb.Conn, tableID, qualifier string) error {
	defName := definitionFile(appfs.AssetsCSVDir, tableID, qualifier)
	propName := propertiesFile(appfs.AssetsCSVDir, tableID, qualifier)
	if _, err := u.fs.Stat(defName); isMissing(err) {
		defName, propName = tableDefinitionFile(tableID), tablePropertiesFile(tableID)
	}
	columns, entries, err := u.readTableProperties(ctx, conn, tableID, defName, propName)
	if err != nil {
		return err
	}
	_, err = conn.CreateOrOpenTable(ctx, tableID, columns, entries)
	if err == nil {
		u.logger.Info("created table from csv definition", "table_id", tableID, "definition", defName)
	}
	return err
}

// parseRecord maps a CSV record onto row values. Unset metadata takes the
// import defaults, a missing id gets a fresh one and columns that are not
// retained data columns are dropped. Empty cells are null, and a cell that
// does not fit its column type fails the record.
func (u *Util) parseRecord(cols *odkdata.OrderedColumns, header, record []string) (string, bool, odkdata.Values, error) {
	values := odkdata.Values{
		odkdata.ColFormID:             odkdata.Null(),
		odkdata.ColLocale:             odkdata.Text(odkdata.DefaultLocale),
		odkdata.ColSavepointType:      odkdata.Text(string(odkdata.SavepointComplete)),
		odkdata.ColSavepointCreator:   odkdata.Text(odkdata.DefaultCreator),
		odkdata.ColSavepointTimestamp: odkdata.Text(odkdata.NanoTimestampFromMillis(u.now().UnixMilli())),
		odkdata.ColRowETag:            odkdata.Null(),
		odkdata.ColFilterType:         odkdata.Null(),
		odkdata.ColFilterValue:        odkdata.Null(),
	}

	var rowID string
	for i, column := range header {
		if i >= len(record) {
			break
		}
		cell := record[i]
		switch {
		case column == odkdata.ColID:
			rowID = cell
		case column == odkdata.ColSyncState || column == odkdata.ColConflictType:
			// local bookkeeping, never imported
		case odkdata.IsAdminColumn(column):
			if cell != "" {
				values[column] = odkdata.Text(cell)
			}
		default:
			def, err := cols.Find(column)
			if err != nil || !def.IsUnitOfRetention() {
				continue
			}
			v, err := odkdata.Coerce(def.ElementType().DataType(), cell)
			if err != nil {
				return "", false, nil, &cellError{field: i, column: column, err: err}
			}
			values[column] = v
		}
	}

	if rowID == "" {
		return u.newID(), false, values, nil
	}
	return rowID, true, values, nil
}

// cellError is a data cell that does not fit its column type.
type cellError struct {
	field  int
	column string
	err    error
}

func (e *cellError) Error() string { return fmt.Sprintf("column %s: %v", e.column, e.err) }
func (e *cellError) Unwrap() error { return e.err }

func importRow(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, rowID string, found bool, values odkdata.Values) (importOutcome, error) {
	if found {
		existing, err := conn.GetRowsWithID(ctx, tableID, cols, rowID)
		if err != nil {
			return 0, err
		}
		switch existing.Len() {
		case 0:
		case 1:
			row := existing.Rows[0]
			if _, inConflict := row.ConflictType(); inConflict || row.IsCheckpoint() {
				return 0, fmt.Errorf("%w: checkpoint or conflict rows exist for %s", odkdb.ErrPendingRowState, rowID)
			}
			state, err := row.SyncState()
			if err != nil {
				return 0, err
			}
			if state != odkdata.SyncStateNewRow {
				return rowSkipped, nil
			}
			return rowUpdated, conn.UpdateRowWithID(ctx, tableID, cols, values, rowID)
		default:
			return 0, fmt.Errorf("%w: checkpoint or conflict rows exist for %s", odkdb.ErrPendingRowState, rowID)
		}
	}
	return rowInserted, conn.InsertRowWithID(ctx, tableID, cols, values, rowID)
}
