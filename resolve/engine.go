// Package resolve compares and collapses the multi-row states a logical row
// can be in: conflict pairs left by sync and checkpoint chains left by
// incomplete saves.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
)

// Engine runs resolution against one application's store.
type Engine struct {
	opener odkdb.Opener
	logger *slog.Logger
}

func NewEngine(opener odkdb.Opener, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opener: opener, logger: logger}
}

// ConflictFieldDiff loads the conflict pair of rowID and classifies every
// retained column. It returns nil when the row has no conflict rows (it was
// resolved or removed meanwhile) and odkdata.ErrIntegrityFault when the pair
// is malformed.
func (e *Engine) ConflictFieldDiff(ctx context.Context, conn odkdb.Conn, tableID, rowID string) (*ResolveActionList, error) {
	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	local, server, found, err := e.loadConflictPair(ctx, conn, tableID, cols, rowID)
	if err != nil || !found {
		return nil, err
	}
	names, err := columnDisplayNames(ctx, conn, tableID, cols)
	if err != nil {
		return nil, err
	}

	localType, _ := local.ConflictType()
	serverType, _ := server.ConflictType()
	list := &ResolveActionList{LocalConflictType: localType, ServerConflictType: serverType}
	asymmetric := localType == odkdata.LocalDeletedOldValues || serverType == odkdata.ServerDeletedOldValues
	classify(list, cols, names, local, server, asymmetric)
	return list, nil
}

// loadConflictPair returns the local and server rows of a conflict, ordered by
// conflict type so the local row always comes first.
func (e *Engine) loadConflictPair(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, rowID string) (local, server odkdata.Row, found bool, err error) {
	table, err := conn.Query(ctx, tableID, cols, odkdb.Query{
		Where:   odkdata.ColID + " = ? AND " + odkdata.ColConflictType + " IS NOT NULL",
		Args:    []any{rowID},
		OrderBy: odkdata.ColConflictType + " ASC",
	})
	if err != nil {
		return local, server, false, err
	}
	switch table.Len() {
	case 0:
		e.logger.Warn("no conflict rows found", "table_id", tableID, "row_id", rowID)
		return local, server, false, nil
	case 2:
	default:
		err := fmt.Errorf("%w: row %s has %d conflict rows, expected 2", odkdata.ErrIntegrityFault, rowID, table.Len())
		e.logger.Error("malformed conflict", "table_id", tableID, "row_id", rowID, "error", err)
		return local, server, false, err
	}

	local, server = table.Rows[0], table.Rows[1]
	for _, r := range table.Rows {
		if _, err := r.SyncState(); err != nil {
			e.logger.Error("conflict row without sync state", "table_id", tableID, "row_id", rowID, "error", err)
			return local, server, false, err
		}
	}
	lt, _ := local.ConflictType()
	st, _ := server.ConflictType()
	if !lt.IsLocal() || st.IsLocal() {
		err := fmt.Errorf("%w: row %s has conflict types %s/%s", odkdata.ErrIntegrityFault, rowID, lt, st)
		e.logger.Error("malformed conflict", "table_id", tableID, "row_id", rowID, "error", err)
		return local, server, false, err
	}
	return local, server, true, nil
}

// CheckpointFieldDiff compares the committed version of rowID with its newest
// checkpoint. A row that was never committed is compared with an empty row, so
// any value entered counts as a change. It returns nil when the row has no
// checkpoints.
func (e *Engine) CheckpointFieldDiff(ctx context.Context, conn odkdb.Conn, tableID, rowID string) (*ResolveActionList, error) {
	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	table, err := conn.GetRowsWithID(ctx, tableID, cols, rowID)
	if err != nil {
		return nil, err
	}
	if table.Len() == 0 || !table.Rows[0].IsCheckpoint() {
		return nil, nil
	}
	for _, r := range table.Rows {
		if _, inConflict := r.ConflictType(); inConflict {
			return nil, fmt.Errorf("%w: row %s has both checkpoints and conflicts", odkdata.ErrIntegrityFault, rowID)
		}
	}
	names, err := columnDisplayNames(ctx, conn, tableID, cols)
	if err != nil {
		return nil, err
	}

	// Rows are newest first.
	newest := table.Rows[0]
	oldest := table.Rows[table.Len()-1]
	if oldest.IsCheckpoint() {
		oldest = odkdata.Row{Values: odkdata.Values{odkdata.ColID: odkdata.Text(rowID)}}
	}
	list := &ResolveActionList{Checkpoint: true}
	classify(list, cols, names, newest, oldest, false)
	return list, nil
}

func classify(list *ResolveActionList, cols *odkdata.OrderedColumns, names map[string]string, local, server odkdata.Row, asymmetric bool) {
	pos := 0
	for _, def := range cols.Columns() {
		if !def.IsUnitOfRetention() {
			continue
		}
		key := def.ElementKey()
		name, ok := names[key]
		if !ok {
			name = odkdata.ConstructSimpleDisplayName(key)
		}
		lv, sv := local.Get(key), server.Get(key)
		if asymmetric || lv.Equal(sv) {
			list.Concordant = append(list.Concordant, ConcordantColumn{
				Position:     pos,
				DisplayName:  name,
				ElementKey:   key,
				DisplayValue: local.DisplayText(cols, key),
			})
		} else {
			list.Conflicts = append(list.Conflicts, ConflictColumn{
				Position:      pos,
				DisplayName:   name,
				ElementKey:    key,
				LocalValue:    lv,
				LocalDisplay:  local.DisplayText(cols, key),
				ServerValue:   sv,
				ServerDisplay: server.DisplayText(cols, key),
			})
		}
		pos++
	}
}

// columnDisplayNames reads the persisted column display names, skipping
// entries for columns the table does not define.
func columnDisplayNames(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns) (map[string]string, error) {
	entries, err := conn.GetTableMetadata(ctx, tableID, odkdata.PartitionColumn, "", odkdata.KeyColumnDisplayName)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(entries))
	for _, en := range entries {
		if _, err := cols.Find(en.Aspect); err != nil {
			continue
		}
		names[en.Aspect] = odkdata.LocalizedDisplayName(en.Value)
	}
	return names, nil
}

// rowLabeler builds the human label of a row: the table display name and the
// value of the table's instance-name column.
type rowLabeler struct {
	tableName    string
	instanceName string
}

func newRowLabeler(ctx context.Context, conn odkdb.Conn, tableID string) (*rowLabeler, error) {
	entries, err := conn.GetTableMetadata(ctx, tableID, odkdata.PartitionTable, odkdata.AspectDefault, "")
	if err != nil {
		return nil, err
	}
	l := &rowLabeler{
		tableName:    odkdata.ConstructSimpleDisplayName(tableID),
		instanceName: odkdata.ColSavepointTimestamp,
	}
	if en, ok := odkdata.FindEntry(entries, odkdata.PartitionTable, odkdata.AspectDefault, odkdata.KeyTableDisplayName); ok && en.Value != "" {
		l.tableName = odkdata.LocalizedDisplayName(en.Value)
	}
	if en, ok := odkdata.FindEntry(entries, odkdata.PartitionTable, odkdata.AspectDefault, odkdata.KeyTableInstanceName); ok {
		if name := strings.Trim(en.Value, `"`); name != "" {
			l.instanceName = name
		}
	}
	return l, nil
}

func (l *rowLabeler) label(row odkdata.Row) string {
	return l.tableName + ": " + row.Values.Text(l.instanceName)
}

// ListCheckpointRows lists the rows of tableID that have checkpoint chains.
// Unless alreadyAutoResolved is set, chains whose retained values never
// changed are discarded first and the list is re-read.
func (e *Engine) ListCheckpointRows(ctx context.Context, tableID string, alreadyAutoResolved bool) ([]ResolveRowEntry, error) {
	conn, err := e.opener.OpenConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	q := odkdb.Query{
		Where:   odkdata.ColSavepointType + " IS NULL",
		GroupBy: []string{odkdata.ColID},
		OrderBy: odkdata.ColSavepointTimestamp + " DESC",
	}
	table, err := conn.Query(ctx, tableID, cols, q)
	if err != nil {
		return nil, err
	}

	if !alreadyAutoResolved {
		changed := false
		for _, row := range table.Rows {
			rowID := row.RowID()
			diff, err := e.CheckpointFieldDiff(ctx, conn, tableID, rowID)
			if err != nil {
				e.logger.Error("checkpoint diff failed", "table_id", tableID, "row_id", rowID, "error", err)
				continue
			}
			if diff == nil || !diff.NoChangesInUserDefinedFieldValues() {
				continue
			}
			if err := conn.DeleteAllCheckpointRowsWithID(ctx, tableID, rowID); err != nil {
				return nil, fmt.Errorf("auto-resolve checkpoints of %s: %w", rowID, err)
			}
			e.logger.Info("discarded unchanged checkpoints", "table_id", tableID, "row_id", rowID)
			changed = true
		}
		if changed {
			if table, err = conn.Query(ctx, tableID, cols, q); err != nil {
				return nil, err
			}
		}
	}

	return e.entries(ctx, conn, tableID, table)
}

// ListConflictRows lists the rows of tableID that are in conflict. Pairs that
// differ only in metadata and involve no delete are first resolved by taking
// the server version.
func (e *Engine) ListConflictRows(ctx context.Context, tableID string) ([]ResolveRowEntry, error) {
	conn, err := e.opener.OpenConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	q := odkdb.Query{
		Where:   odkdata.ColConflictType + " IS NOT NULL",
		GroupBy: []string{odkdata.ColID},
		OrderBy: odkdata.ColSavepointTimestamp + " DESC",
	}
	table, err := conn.Query(ctx, tableID, cols, q)
	if err != nil {
		return nil, err
	}

	changed := false
	for _, row := range table.Rows {
		rowID := row.RowID()
		diff, err := e.ConflictFieldDiff(ctx, conn, tableID, rowID)
		if err != nil {
			e.logger.Error("conflict diff failed", "table_id", tableID, "row_id", rowID, "error", err)
			continue
		}
		if diff == nil || diff.IsDeleteConflict() || !diff.NoChangesInUserDefinedFieldValues() {
			continue
		}
		if err := e.resolveConflict(ctx, conn, tableID, cols, rowID, TakeServer()); err != nil {
			return nil, fmt.Errorf("auto-resolve conflict of %s: %w", rowID, err)
		}
		e.logger.Info("auto-resolved conflict with server values", "table_id", tableID, "row_id", rowID)
		changed = true
	}
	if changed {
		if table, err = conn.Query(ctx, tableID, cols, q); err != nil {
			return nil, err
		}
	}

	return e.entries(ctx, conn, tableID, table)
}

func (e *Engine) entries(ctx context.Context, conn odkdb.Conn, tableID string, table *odkdata.Table) ([]ResolveRowEntry, error) {
	labeler, err := newRowLabeler(ctx, conn, tableID)
	if err != nil {
		return nil, err
	}
	out := make([]ResolveRowEntry, 0, table.Len())
	for _, row := range table.Rows {
		out = append(out, ResolveRowEntry{RowID: row.RowID(), Label: labeler.label(row)})
	}
	return out, nil
}

// ResolveConflict collapses rowID's conflict pair according to res.
func (e *Engine) ResolveConflict(ctx context.Context, tableID, rowID string, res Resolution) error {
	conn, err := e.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return err
	}
	return e.resolveConflict(ctx, conn, tableID, cols, rowID, res)
}

func (e *Engine) resolveConflict(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, rowID string, res Resolution) error {
	local, server, found, err := e.loadConflictPair(ctx, conn, tableID, cols, rowID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no conflict for row %s", odkdata.ErrNotFound, rowID)
	}
	localType, _ := local.ConflictType()
	serverType, _ := server.ConflictType()
	serverETag := server.Get(odkdata.ColRowETag)

	e.logger.Debug("resolving conflict", "table_id", tableID, "row_id", rowID,
		"resolution", res.String(), "local", localType.String(), "server", serverType.String())

	switch res.mode {
	case modeTakeServer:
		if serverType == odkdata.ServerDeletedOldValues {
			return conn.DeleteRowsWithIDHard(ctx, tableID, rowID)
		}
		return conn.ResolveConflictWithValues(ctx, tableID, cols, rowID, server.Values.Clone(), odkdata.SyncStateSynced)

	case modeTakeLocal:
		vals := local.Values.Clone()
		vals[odkdata.ColRowETag] = serverETag
		state := odkdata.SyncStateChanged
		if localType == odkdata.LocalDeletedOldValues {
			state = odkdata.SyncStateDeleted
		}
		return conn.ResolveConflictWithValues(ctx, tableID, cols, rowID, vals, state)

	case modeMerge:
		if localType.IsDelete() || serverType.IsDelete() {
			return fmt.Errorf("row %s: a delete conflict can only be resolved by taking one side", rowID)
		}
		vals := local.Values.Clone()
		vals[odkdata.ColRowETag] = serverETag
		for key, side := range res.choices {
			def, err := cols.Find(key)
			if err != nil || !def.IsUnitOfRetention() {
				return fmt.Errorf("%w: column %s", odkdata.ErrNotFound, key)
			}
			if side == SideServer {
				vals[key] = server.Get(key)
			}
		}
		return conn.ResolveConflictWithValues(ctx, tableID, cols, rowID, vals, odkdata.SyncStateChanged)
	}
	return fmt.Errorf("unknown resolution %d", res.mode)
}

// ResolveCheckpoint either promotes the newest checkpoint of rowID to a
// complete save (takeNewest) or discards the chain, keeping the last
// committed version.
func (e *Engine) ResolveCheckpoint(ctx context.Context, tableID, rowID string, takeNewest bool) error {
	conn, err := e.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return resolveCheckpoint(ctx, conn, tableID, rowID, takeNewest)
}

func resolveCheckpoint(ctx context.Context, conn odkdb.Conn, tableID, rowID string, takeNewest bool) error {
	if takeNewest {
		return conn.SaveAsCompleteMostRecentCheckpointRowWithID(ctx, tableID, rowID)
	}
	return conn.DeleteAllCheckpointRowsWithID(ctx, tableID, rowID)
}
