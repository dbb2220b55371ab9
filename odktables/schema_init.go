// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the server tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS odk`,

		// Every row change draws the next value; a table's data ETag is the
		// last value drawn for it.
		/*language=postgresql*/ `CREATE SEQUENCE IF NOT EXISTS odk.data_seq`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS odk.table_definitions (
			app_name     TEXT        NOT NULL,
			table_id     TEXT        NOT NULL,
			schema_etag  TEXT        NOT NULL,
			definition   JSONB       NOT NULL,
			data_seq     BIGINT      NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (app_name, table_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS odk.table_rows (
			app_name         TEXT        NOT NULL,
			table_id         TEXT        NOT NULL,
			row_id           TEXT        NOT NULL,
			row_etag         TEXT        NOT NULL,
			data_seq         BIGINT      NOT NULL,
			deleted          BOOLEAN     NOT NULL DEFAULT FALSE,
			create_user      TEXT        NULL,
			last_update_user TEXT        NULL,
			payload          JSONB       NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (app_name, table_id, row_id),
			FOREIGN KEY (app_name, table_id) REFERENCES odk.table_definitions (app_name, table_id) ON DELETE CASCADE
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS table_rows_seq_idx ON odk.table_rows (app_name, table_id, data_seq)`,

		// table_id and row_id are empty for app-level files.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS odk.files (
			app_name   TEXT        NOT NULL,
			table_id   TEXT        NOT NULL DEFAULT '',
			row_id     TEXT        NOT NULL DEFAULT '',
			filename   TEXT        NOT NULL,
			md5_hash   TEXT        NOT NULL,
			content    BYTEA       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (app_name, table_id, row_id, filename)
		)`,
	}

	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
