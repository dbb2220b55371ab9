// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/moychal/odkVaccine/odkdata"
)

// GetTableMetadata returns KVS entries of a table. Empty partition, aspect or
// key act as wildcards.
func (c *sqliteConn) GetTableMetadata(ctx context.Context, tableID, partition, aspect, key string) ([]odkdata.KeyValueStoreEntry, error) {
	q, err := c.reader()
	if err != nil {
		return nil, err
	}

	where := []string{"table_id = ?"}
	args := []any{tableID}
	for _, f := range []struct{ col, val string }{{"partition", partition}, {"aspect", aspect}, {"key", key}} {
		if f.val != "" {
			where = append(where, f.col+" = ?")
			args = append(args, f.val)
		}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT table_id, partition, aspect, key, type, value FROM _key_value_store_active
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY partition, aspect, key`, args...)
	if err != nil {
		return nil, storeErr("get table metadata", err)
	}
	defer rows.Close()

	var entries []odkdata.KeyValueStoreEntry
	for rows.Next() {
		var e odkdata.KeyValueStoreEntry
		if err := rows.Scan(&e.TableID, &e.Partition, &e.Aspect, &e.Key, &e.Type, &e.Value); err != nil {
			return nil, storeErr("scan metadata", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplaceTableMetadata upserts entries; with clear it first drops every entry of the table.
func (c *sqliteConn) ReplaceTableMetadata(ctx context.Context, tableID string, entries []odkdata.KeyValueStoreEntry, clear bool) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return replaceMetadata(ctx, tx, tableID, entries, clear)
	})
}

func replaceMetadata(ctx context.Context, tx *sql.Tx, tableID string, entries []odkdata.KeyValueStoreEntry, clear bool) error {
	if clear {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _key_value_store_active WHERE table_id = ?`, tableID); err != nil {
			return storeErr("clear metadata", err)
		}
	}
	for _, e := range entries {
		if e.TableID != "" && e.TableID != tableID {
			return fmt.Errorf("metadata entry for table %s cannot be stored under %s", e.TableID, tableID)
		}
		if e.Partition == "" || e.Aspect == "" || e.Key == "" {
			return fmt.Errorf("metadata entry requires partition, aspect and key: %+v", e)
		}
		if e.Type == "" {
			e.Type = odkdata.KVSTypeString
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _key_value_store_active (table_id, partition, aspect, key, type, value)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(table_id, partition, aspect, key) DO UPDATE SET
				type = excluded.type,
				value = excluded.value`,
			tableID, e.Partition, e.Aspect, e.Key, e.Type, e.Value); err != nil {
			return storeErr("upsert metadata", err)
		}
	}
	return nil
}

func (c *sqliteConn) DeleteTableMetadata(ctx context.Context, tableID, partition, aspect, key string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM _key_value_store_active
			WHERE table_id = ? AND partition = ? AND aspect = ? AND key = ?`,
			tableID, partition, aspect, key)
		if err != nil {
			return storeErr("delete metadata", err)
		}
		return nil
	})
}

func (c *sqliteConn) GetChoiceList(ctx context.Context, choiceListID string) (string, error) {
	q, err := c.reader()
	if err != nil {
		return "", err
	}
	var js string
	err = q.QueryRowContext(ctx, `SELECT choice_list_json FROM _choice_lists WHERE choice_list_id = ?`, choiceListID).Scan(&js)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: choice list %s", odkdata.ErrNotFound, choiceListID)
	}
	if err != nil {
		return "", storeErr("get choice list", err)
	}
	return js, nil
}

// SetChoiceList interns a choice list and returns its id. Storing the same JSON
// twice yields the same id.
func (c *sqliteConn) SetChoiceList(ctx context.Context, choiceListJSON string) (string, error) {
	if strings.TrimSpace(choiceListJSON) == "" {
		return "", fmt.Errorf("choice list cannot be empty")
	}
	sum := md5.Sum([]byte(choiceListJSON))
	id := hex.EncodeToString(sum[:])
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _choice_lists (choice_list_id, choice_list_json) VALUES (?, ?)
			ON CONFLICT(choice_list_id) DO NOTHING`, id, choiceListJSON)
		if err != nil {
			return storeErr("set choice list", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ExpandChoiceLists replaces choice list ids in column display-choices
// entries with the choice list JSON, typed array. Other entries are copied.
func ExpandChoiceLists(ctx context.Context, conn Conn, entries []odkdata.KeyValueStoreEntry) ([]odkdata.KeyValueStoreEntry, error) {
	out := make([]odkdata.KeyValueStoreEntry, len(entries))
	for i, e := range entries {
		if isChoiceListEntry(e) && e.Value != "" {
			js, err := conn.GetChoiceList(ctx, e.Value)
			if err != nil {
				return nil, fmt.Errorf("expand choice list of %s: %w", e.Aspect, err)
			}
			e.Type = odkdata.KVSTypeArray
			e.Value = js
		}
		out[i] = e
	}
	return out, nil
}

// InternChoiceLists stores inline choice list JSON through SetChoiceList and
// rewrites the entries to carry the returned id, typed string.
func InternChoiceLists(ctx context.Context, conn Conn, entries []odkdata.KeyValueStoreEntry) ([]odkdata.KeyValueStoreEntry, error) {
	out := make([]odkdata.KeyValueStoreEntry, len(entries))
	for i, e := range entries {
		if isChoiceListEntry(e) && strings.TrimSpace(e.Value) != "" {
			id, err := conn.SetChoiceList(ctx, e.Value)
			if err != nil {
				return nil, fmt.Errorf("intern choice list of %s: %w", e.Aspect, err)
			}
			e.Type = odkdata.KVSTypeString
			e.Value = id
		}
		out[i] = e
	}
	return out, nil
}

func isChoiceListEntry(e odkdata.KeyValueStoreEntry) bool {
	return e.Partition == odkdata.PartitionColumn && e.Key == odkdata.KeyColumnDisplayChoices
}
