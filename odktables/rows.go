// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/moychal/odkVaccine/odkdata"
)

// PullRequest selects one page of rows changed after SinceETag.
type PullRequest struct {
	TableID    string
	SchemaETag string
	SinceETag  string // empty pulls every row
	Cursor     string // resume cursor of the previous page
	Limit      int
}

// GetRowsSince returns rows whose last change is newer than req.SinceETag,
// oldest change first. Deleted rows are included as tombstones.
func (s *SyncService) GetRowsSince(ctx context.Context, appName string, req PullRequest) (*RowResourceList, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	after, err := parseDataETag(req.SinceETag)
	if err != nil {
		return nil, err
	}
	if req.Cursor != "" {
		c, err := parseDataETag(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor %q", req.Cursor)
		}
		if c > after {
			after = c
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > s.config.MaxFetchLimit {
		limit = s.config.MaxFetchLimit
	}

	clock := s.startStage(MetricsOpPull, MetricsStagePullFetch, appName, req.TableID)
	var out *RowResourceList
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		td, err := loadDefinition(ctx, tx, appName, req.TableID, false)
		if err != nil {
			return err
		}
		if req.SchemaETag != td.schemaETag {
			return fmt.Errorf("%w: %s has %s", ErrSchemaMismatch, req.TableID, td.schemaETag)
		}

		rows, err := tx.Query(ctx, `
			SELECT row_etag, data_seq, deleted, COALESCE(create_user, ''), COALESCE(last_update_user, ''), payload
			FROM odk.table_rows
			WHERE app_name = $1 AND table_id = $2 AND data_seq > $3
			ORDER BY data_seq
			LIMIT $4`, appName, req.TableID, after, limit+1)
		if err != nil {
			return fmt.Errorf("failed to query rows: %w", err)
		}
		defer rows.Close()

		out = &RowResourceList{
			TableID:    req.TableID,
			SchemaETag: td.schemaETag,
			DataETag:   dataETag(td.dataSeq),
			Rows:       []RowResource{},
		}
		var lastSeq int64
		for rows.Next() {
			if len(out.Rows) == limit {
				out.HasMoreResults = true
				break
			}
			r, seq, err := scanRowResource(rows)
			if err != nil {
				return err
			}
			lastSeq = seq
			out.Rows = append(out.Rows, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if out.HasMoreResults {
			out.WebSafeResumeCursor = dataETag(lastSeq)
		}
		return nil
	})
	if clock != nil {
		clock.timing.Rows = rowCount(out)
	}
	s.observe(ctx, clock, err)
	return out, err
}

func rowCount(l *RowResourceList) int {
	if l == nil {
		return 0
	}
	return len(l.Rows)
}

func conflictCount(l *RowOutcomeList) int {
	if l == nil {
		return 0
	}
	n := 0
	for _, r := range l.Rows {
		if r.Outcome == OutcomeInConflict {
			n++
		}
	}
	return n
}

func scanRowResource(rows pgx.Rows) (RowResource, int64, error) {
	var (
		r       RowResource
		etag    string
		seq     int64
		deleted bool
		cu, lu  string
		payload []byte
	)
	if err := rows.Scan(&etag, &seq, &deleted, &cu, &lu, &payload); err != nil {
		return r, 0, fmt.Errorf("failed to scan row: %w", err)
	}
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, 0, fmt.Errorf("failed to decode row payload: %w", err)
	}
	r.RowETag = etag
	r.DataETagAtModification = dataETag(seq)
	r.Deleted = deleted
	r.CreateUser = cu
	r.LastUpdateUser = lu
	return r, seq, nil
}

// ApplyRows applies a pushed batch in one transaction. Each row must carry
// the server's current row ETag (none for a new row); otherwise the outcome
// is IN_CONFLICT with the server version attached. Every accepted change is
// given a fresh row ETag and advances the table's data ETag.
func (s *SyncService) ApplyRows(ctx context.Context, appName, tableID, schemaETag, userID string, list *RowList) (*RowOutcomeList, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if s.config.MaxPushRows > 0 && len(list.Rows) > s.config.MaxPushRows {
		return nil, fmt.Errorf("batch too large: rows=%d limit=%d", len(list.Rows), s.config.MaxPushRows)
	}

	clock := s.startStage(MetricsOpPush, MetricsStagePushApply, appName, tableID)
	attempt := 0
	var out *RowOutcomeList
	err := s.inTx(ctx, "apply_rows", func(tx pgx.Tx) error {
		attempt++
		td, err := loadDefinition(ctx, tx, appName, tableID, true)
		if err != nil {
			return err
		}
		if schemaETag != td.schemaETag {
			return fmt.Errorf("%w: %s has %s", ErrSchemaMismatch, tableID, td.schemaETag)
		}
		cols, err := odkdata.BuildColumnDefinitions(appName, tableID, td.def.Columns)
		if err != nil {
			return err
		}

		out = &RowOutcomeList{Rows: make([]RowOutcome, 0, len(list.Rows))}
		seq := td.dataSeq
		for _, in := range list.Rows {
			outcome, newSeq, err := s.applyRow(ctx, tx, appName, tableID, userID, cols, in)
			if err != nil {
				return err
			}
			if newSeq > 0 {
				seq = newSeq
			}
			out.Rows = append(out.Rows, outcome)
		}
		if seq != td.dataSeq {
			if _, err := tx.Exec(ctx, `
				UPDATE odk.table_definitions SET data_seq = $3 WHERE app_name = $1 AND table_id = $2`,
				appName, tableID, seq); err != nil {
				return fmt.Errorf("failed to advance data etag: %w", err)
			}
		}
		out.DataETag = dataETag(seq)
		return nil
	})
	if clock != nil {
		clock.timing.Rows, clock.timing.Attempt = len(list.Rows), attempt
		clock.timing.Conflicts = conflictCount(out)
	}
	s.observe(ctx, clock, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyRow returns the outcome and the data sequence drawn for an accepted
// change (0 when nothing was written).
func (s *SyncService) applyRow(ctx context.Context, tx pgx.Tx, appName, tableID, userID string, cols *odkdata.OrderedColumns, in RowResource) (RowOutcome, int64, error) {
	if in.RowID == "" {
		return rowDenied(in, "row id is required"), 0, nil
	}
	if _, err := in.ToValues(cols); err != nil {
		return rowFailed(in, err), 0, nil
	}

	var current RowResource
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT row_etag, data_seq, deleted, COALESCE(create_user, ''), COALESCE(last_update_user, ''), payload
		FROM odk.table_rows WHERE app_name = $1 AND table_id = $2 AND row_id = $3 FOR UPDATE`,
		appName, tableID, in.RowID)
	var (
		etag    string
		seq     int64
		deleted bool
		cu, lu  string
		payload []byte
	)
	switch err := row.Scan(&etag, &seq, &deleted, &cu, &lu, &payload); {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return RowOutcome{}, 0, fmt.Errorf("failed to read row %s: %w", in.RowID, err)
	default:
		exists = true
		if err := json.Unmarshal(payload, &current); err != nil {
			return RowOutcome{}, 0, fmt.Errorf("failed to decode row %s: %w", in.RowID, err)
		}
		current.RowETag, current.Deleted = etag, deleted
		current.DataETagAtModification = dataETag(seq)
		current.CreateUser, current.LastUpdateUser = cu, lu
	}

	if exists && in.RowETag != current.RowETag {
		s.logger.Debug("Row etag mismatch", "table_id", tableID, "row_id", in.RowID,
			"client_etag", in.RowETag, "server_etag", current.RowETag)
		return rowConflict(current), 0, nil
	}
	if !exists && in.Deleted {
		// Nothing to delete; the client may forget the row.
		return rowSuccess(in, "", ""), 0, nil
	}

	newETag := uuid.NewString()
	var newSeq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('odk.data_seq')`).Scan(&newSeq); err != nil {
		return RowOutcome{}, 0, fmt.Errorf("failed to draw data sequence: %w", err)
	}
	stored := in
	stored.RowETag, stored.DataETagAtModification, stored.CreateUser, stored.LastUpdateUser = "", "", "", ""
	body, err := json.Marshal(stored)
	if err != nil {
		return RowOutcome{}, 0, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO odk.table_rows
			(app_name, table_id, row_id, row_etag, data_seq, deleted, create_user, last_update_user, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, now())
		ON CONFLICT (app_name, table_id, row_id) DO UPDATE SET
			row_etag = EXCLUDED.row_etag,
			data_seq = EXCLUDED.data_seq,
			deleted = EXCLUDED.deleted,
			last_update_user = EXCLUDED.last_update_user,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		appName, tableID, in.RowID, newETag, newSeq, in.Deleted, userID, body); err != nil {
		return RowOutcome{}, 0, fmt.Errorf("failed to write row %s: %w", in.RowID, err)
	}
	return rowSuccess(in, newETag, dataETag(newSeq)), newSeq, nil
}
