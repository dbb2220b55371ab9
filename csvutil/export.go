// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package csvutil

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"

	"github.com/moychal/odkVaccine/internal/appfs"
	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
)

// Finalized rows only. Of a conflict pair the local updated side is kept;
// a local deletion has nothing worth exporting.
var exportFilter = fmt.Sprintf("%s IS NOT NULL AND (%s IS NULL OR %s = %d)",
	odkdata.ColSavepointType, odkdata.ColConflictType, odkdata.ColConflictType,
	int(odkdata.LocalUpdatedUpdatedValues))

// ExportSeparable writes a table to output/csv as <tableId>[.<qualifier>].csv
// with the matching .definition.csv and .properties.csv files. The attachment
// folder of every exported row that holds files is copied beside them.
func (u *Util) ExportSeparable(ctx context.Context, listener ExportListener, tableID, qualifier string) (err error) {
	if listener != nil {
		defer func() { listener.ExportComplete(err == nil) }()
	}
	if err := validateNames(tableID, qualifier); err != nil {
		return err
	}

	conn, err := u.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return err
	}
	err = u.writeTableProperties(ctx, conn, tableID, cols,
		definitionFile(appfs.OutputCSVDir, tableID, qualifier),
		propertiesFile(appfs.OutputCSVDir, tableID, qualifier))
	if err != nil {
		return err
	}

	table, err := conn.Query(ctx, tableID, cols, odkdb.Query{
		Where:   exportFilter,
		OrderBy: odkdata.ColID,
	})
	if err != nil {
		return err
	}

	header := append(odkdata.ExportColumns(), cols.RetentionColumnNames()...)
	err = u.writeCSVFile(dataFile(appfs.OutputCSVDir, tableID, qualifier), func(w *csv.Writer) error {
		if err := w.Write(header); err != nil {
			return err
		}
		record := make([]string, len(header))
		for _, row := range table.Rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i, key := range header {
				record[i], _ = row.Raw(key)
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	copied := make(map[string]bool)
	attachments := 0
	for _, row := range table.Rows {
		rowID := row.RowID()
		if copied[rowID] {
			continue
		}
		copied[rowID] = true
		n, err := appfs.CopyDir(u.fs, appfs.InstanceDir(tableID, rowID), appfs.BundleInstanceDir(appfs.OutputCSVDir, tableID, rowID))
		if err != nil {
			return fmt.Errorf("copy attachments of row %s: %w", rowID, err)
		}
		attachments += n
	}

	u.logger.Info("exported table", "table_id", tableID, "qualifier", qualifier,
		"rows", table.Len(), "attachments", attachments)
	return nil
}

// ExportAllTables exports every table without a qualifier. A failing table
// does not stop the others; the failures are returned joined.
func (u *Util) ExportAllTables(ctx context.Context, listener ExportListener) (err error) {
	if listener != nil {
		defer func() { listener.ExportComplete(err == nil) }()
	}
	conn, err := u.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	tableIDs, err := conn.GetAllTableIDs(ctx)
	_ = conn.Close()
	if err != nil {
		return err
	}

	var errs []error
	for _, tableID := range tableIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.ExportSeparable(ctx, nil, tableID, ""); err != nil {
			u.logger.Error("export failed", "table_id", tableID, "error", err)
			errs = append(errs, fmt.Errorf("table %s: %w", tableID, err))
		}
	}
	return errors.Join(errs...)
}
