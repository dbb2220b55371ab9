// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moychal/odkVaccine/odkdata"
)

func (c *sqliteConn) GetAllTableIDs(ctx context.Context) ([]string, error) {
	q, err := c.reader()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT table_id FROM _table_definitions ORDER BY table_id`)
	if err != nil {
		return nil, storeErr("list tables", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan table id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *sqliteConn) TableExists(ctx context.Context, tableID string) (bool, error) {
	q, err := c.reader()
	if err != nil {
		return false, err
	}
	return tableExists(ctx, q, tableID)
}

func tableExists(ctx context.Context, q queryer, tableID string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM _table_definitions WHERE table_id = ?`, tableID).Scan(&n); err != nil {
		return false, storeErr("check table", err)
	}
	return n > 0, nil
}

// CreateOrOpenTable creates the user table for the given columns, or verifies
// that an existing table declares the same columns. Supplied KVS entries are
// merged into the table's metadata.
func (c *sqliteConn) CreateOrOpenTable(ctx context.Context, tableID string, columns []odkdata.Column, kvs []odkdata.KeyValueStoreEntry) (*odkdata.OrderedColumns, error) {
	if err := validTableID(tableID); err != nil {
		return nil, err
	}
	cols, err := odkdata.BuildColumnDefinitions(c.store.appName, tableID, columns)
	if err != nil {
		return nil, err
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := tableExists(ctx, tx, tableID)
		if err != nil {
			return err
		}
		if exists {
			current, err := loadColumns(ctx, tx, c.store.appName, tableID)
			if err != nil {
				return err
			}
			if !current.SameShape(cols) {
				return fmt.Errorf("%w: table %s already exists with a different column set", odkdata.ErrInvalidSchema, tableID)
			}
		} else {
			if err := createUserTable(ctx, tx, tableID, cols); err != nil {
				return err
			}
		}
		if len(kvs) > 0 {
			if err := replaceMetadata(ctx, tx, tableID, kvs, false); err != nil {
				return err
			}
		}
		return c.store.tableInfo.verifyLayout(ctx, tx, tableID, cols)
	})
	if err != nil {
		return nil, err
	}
	return cols, nil
}

func createUserTable(ctx context.Context, tx *sql.Tx, tableID string, cols *odkdata.OrderedColumns) error {
	defs := []string{
		odkdata.ColID + " TEXT NOT NULL",
		odkdata.ColRowETag + " TEXT NULL",
		odkdata.ColSyncState + " TEXT NOT NULL",
		odkdata.ColConflictType + " INTEGER NULL",
		odkdata.ColFilterType + " TEXT NULL",
		odkdata.ColFilterValue + " TEXT NULL",
		odkdata.ColFormID + " TEXT NULL",
		odkdata.ColLocale + " TEXT NULL",
		odkdata.ColSavepointType + " TEXT NULL",
		odkdata.ColSavepointTimestamp + " TEXT NOT NULL",
		odkdata.ColSavepointCreator + " TEXT NULL",
	}
	for _, def := range cols.Columns() {
		if !def.IsUnitOfRetention() {
			continue
		}
		defs = append(defs, quoteIdent(def.ElementKey())+" "+sqlAffinity(def.ElementType().DataType())+" NULL")
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tableID), strings.Join(defs, ", ")),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)", quoteIdent(tableID+"_id_idx"), quoteIdent(tableID), odkdata.ColID),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeErr("create table "+tableID, err)
		}
	}

	for _, col := range cols.Descriptors() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _column_definitions (table_id, element_key, element_name, element_type, list_child_element_keys)
			VALUES (?, ?, ?, ?, ?)`,
			tableID, col.ElementKey, col.ElementName, col.ElementType, nullIfEmpty(col.ListChildElementKeys)); err != nil {
			return storeErr("insert column definition", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO _table_definitions (table_id) VALUES (?)`, tableID); err != nil {
		return storeErr("insert table definition", err)
	}
	return nil
}

func (c *sqliteConn) GetUserDefinedColumns(ctx context.Context, tableID string) (*odkdata.OrderedColumns, error) {
	q, err := c.reader()
	if err != nil {
		return nil, err
	}
	exists, err := tableExists(ctx, q, tableID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: table %s", odkdata.ErrNotFound, tableID)
	}
	return loadColumns(ctx, q, c.store.appName, tableID)
}

func loadColumns(ctx context.Context, q queryer, appName, tableID string) (*odkdata.OrderedColumns, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT element_key, element_name, element_type, list_child_element_keys
		FROM _column_definitions WHERE table_id = ? ORDER BY element_key`, tableID)
	if err != nil {
		return nil, storeErr("load columns", err)
	}
	defer rows.Close()

	var columns []odkdata.Column
	for rows.Next() {
		var col odkdata.Column
		var children sql.NullString
		if err := rows.Scan(&col.ElementKey, &col.ElementName, &col.ElementType, &children); err != nil {
			return nil, storeErr("scan column", err)
		}
		col.ListChildElementKeys = children.String
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate columns", err)
	}
	return odkdata.BuildColumnDefinitions(appName, tableID, columns)
}

// DeleteTable drops the user table together with its definitions and metadata.
func (c *sqliteConn) DeleteTable(ctx context.Context, tableID string) error {
	if err := validTableID(tableID); err != nil {
		return err
	}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []struct {
			sql  string
			args []any
		}{
			{fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tableID)), nil},
			{`DELETE FROM _column_definitions WHERE table_id = ?`, []any{tableID}},
			{`DELETE FROM _key_value_store_active WHERE table_id = ?`, []any{tableID}},
			{`DELETE FROM _table_definitions WHERE table_id = ?`, []any{tableID}},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.sql, s.args...); err != nil {
				return storeErr("delete table "+tableID, err)
			}
		}
		return nil
	})
	c.store.tableInfo.Invalidate(tableID)
	return err
}

func (c *sqliteConn) GetTableDefinitionEntry(ctx context.Context, tableID string) (*TableDefinitionEntry, error) {
	q, err := c.reader()
	if err != nil {
		return nil, err
	}
	var schemaETag, dataETag, syncTime sql.NullString
	err = q.QueryRowContext(ctx, `
		SELECT schema_etag, last_data_etag, last_sync_time
		FROM _table_definitions WHERE table_id = ?`, tableID).Scan(&schemaETag, &dataETag, &syncTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %s", odkdata.ErrNotFound, tableID)
	}
	if err != nil {
		return nil, storeErr("get table definition", err)
	}
	entry := &TableDefinitionEntry{
		TableID:      tableID,
		SchemaETag:   schemaETag.String,
		LastDataETag: dataETag.String,
	}
	if syncTime.Valid && syncTime.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, syncTime.String); perr == nil {
			entry.LastSyncTime = t
		}
	}
	return entry, nil
}

func (c *sqliteConn) SetSchemaETag(ctx context.Context, tableID, etag string) error {
	return c.updateDefinition(ctx, tableID, "schema_etag", nullIfEmpty(etag))
}

func (c *sqliteConn) SetLastDataETag(ctx context.Context, tableID, etag string) error {
	return c.updateDefinition(ctx, tableID, "last_data_etag", nullIfEmpty(etag))
}

func (c *sqliteConn) SetLastSyncTime(ctx context.Context, tableID string, t time.Time) error {
	return c.updateDefinition(ctx, tableID, "last_sync_time", t.UTC().Format(time.RFC3339Nano))
}

func (c *sqliteConn) updateDefinition(ctx context.Context, tableID, column string, value any) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE _table_definitions SET %s = ? WHERE table_id = ?`, column), value, tableID)
		if err != nil {
			return storeErr("update "+column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: table %s", odkdata.ErrNotFound, tableID)
		}
		return nil
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
