// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/moychal/odkVaccine/odkdata"
)

type tableDefinition struct {
	schemaETag string
	dataSeq    int64
	def        TableDefinitionResource
}

// dataETag renders a data sequence value as the opaque ETag clients store.
func dataETag(seq int64) string {
	if seq == 0 {
		return ""
	}
	return strconv.FormatInt(seq, 10)
}

// parseDataETag is the inverse of dataETag; the empty ETag is the start.
func parseDataETag(etag string) (int64, error) {
	if etag == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(etag, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed data etag %q", etag)
	}
	return seq, nil
}

func loadDefinition(ctx context.Context, q pgx.Tx, appName, tableID string, forUpdate bool) (*tableDefinition, error) {
	sql := `SELECT schema_etag, data_seq, definition FROM odk.table_definitions WHERE app_name = $1 AND table_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var td tableDefinition
	var raw []byte
	err := q.QueryRow(ctx, sql, appName, tableID).Scan(&td.schemaETag, &td.dataSeq, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition of %s: %w", tableID, err)
	}
	if err := json.Unmarshal(raw, &td.def); err != nil {
		return nil, fmt.Errorf("failed to decode definition of %s: %w", tableID, err)
	}
	td.def.SchemaETag = td.schemaETag
	return &td, nil
}

// ListTables returns every table of the application ordered by id.
func (s *SyncService) ListTables(ctx context.Context, appName string) (*TableResourceList, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT table_id, schema_etag, data_seq FROM odk.table_definitions
		WHERE app_name = $1 ORDER BY table_id`, appName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	list := &TableResourceList{Tables: []TableResource{}}
	for rows.Next() {
		var tr TableResource
		var seq int64
		if err := rows.Scan(&tr.TableID, &tr.SchemaETag, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tr.DataETag = dataETag(seq)
		list.Tables = append(list.Tables, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	manifest, err := s.FileManifest(ctx, appName, "", "")
	if err != nil {
		return nil, err
	}
	list.AppLevelManifestETag = manifestETag(manifest)
	return list, nil
}

// GetDefinition returns the stored definition of a table.
func (s *SyncService) GetDefinition(ctx context.Context, appName, tableID string) (*TableDefinitionResource, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var out *TableDefinitionResource
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		td, err := loadDefinition(ctx, tx, appName, tableID, false)
		if err != nil {
			return err
		}
		out = &td.def
		return nil
	})
	return out, err
}

// CreateTable registers a table definition. Creating an existing table with
// the same columns returns the existing resource; different columns fail
// with ErrDefinitionConflict. Properties of an existing table are replaced.
func (s *SyncService) CreateTable(ctx context.Context, appName string, def *TableDefinitionResource) (*TableResource, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !odkdata.IsValidUserDefinedDatabaseName(def.TableID) {
		return nil, fmt.Errorf("%w: invalid table id %q", odkdata.ErrInvalidSchema, def.TableID)
	}
	incoming, err := odkdata.BuildColumnDefinitions(appName, def.TableID, def.Columns)
	if err != nil {
		return nil, err
	}

	clock := s.startStage(MetricsOpSchema, MetricsStageTotal, appName, def.TableID)
	var out *TableResource
	err = s.inTx(ctx, "create_table", func(tx pgx.Tx) error {
		stored := *def
		stored.SchemaETag = ""
		stored.Columns = incoming.Descriptors()

		existing, err := loadDefinition(ctx, tx, appName, def.TableID, true)
		switch {
		case errors.Is(err, ErrTableNotFound):
			etag := uuid.NewString()
			payload, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO odk.table_definitions (app_name, table_id, schema_etag, definition)
				VALUES ($1, $2, $3, $4)`, appName, def.TableID, etag, payload); err != nil {
				return fmt.Errorf("failed to insert definition: %w", err)
			}
			out = &TableResource{TableID: def.TableID, SchemaETag: etag}
			return nil
		case err != nil:
			return err
		}

		current, err := odkdata.BuildColumnDefinitions(appName, def.TableID, existing.def.Columns)
		if err != nil {
			return err
		}
		if !current.SameShape(incoming) {
			return fmt.Errorf("%w: %s", ErrDefinitionConflict, def.TableID)
		}
		if def.Properties != nil {
			payload, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE odk.table_definitions SET definition = $3
				WHERE app_name = $1 AND table_id = $2`, appName, def.TableID, payload); err != nil {
				return fmt.Errorf("failed to update definition: %w", err)
			}
		}
		out = &TableResource{TableID: def.TableID, SchemaETag: existing.schemaETag, DataETag: dataETag(existing.dataSeq)}
		return nil
	})
	s.observe(ctx, clock, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Table registered", "app", appName, "table_id", out.TableID, "schema_etag", out.SchemaETag)
	return out, nil
}

// DeleteTable removes a table with its rows and attachments.
func (s *SyncService) DeleteTable(ctx context.Context, appName, tableID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.inTx(ctx, "delete_table", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM odk.table_definitions WHERE app_name = $1 AND table_id = $2`, appName, tableID)
		if err != nil {
			return fmt.Errorf("failed to delete table: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
		}
		_, err = tx.Exec(ctx, `DELETE FROM odk.files WHERE app_name = $1 AND table_id = $2`, appName, tableID)
		return err
	})
}
