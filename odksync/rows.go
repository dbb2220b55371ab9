// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/moychal/odkVaccine/internal/appfs"
	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
	"github.com/moychal/odkVaccine/odktables"
)

// rowDataProcessor synchronizes the rows and attachments of the working tables.
type rowDataProcessor struct {
	ec *ExecutionContext
}

// Run processes every table in order. A table's problems are recorded in its
// own result and never stop the other tables.
func (p *rowDataProcessor) Run(ctx context.Context, tables []workingTable, deferAttachments bool) {
	ec := p.ec
	for i, wt := range tables {
		if ec.IsCancelled(ctx) {
			ec.Result.table(wt.TableID).setStatus(StatusException, ctx.Err().Error())
			continue
		}
		if i > 0 {
			ec.IncMajorSyncStep()
		}
		tr := ec.Result.table(wt.TableID)
		start := time.Now()
		err := p.syncTable(ctx, wt, tr, deferAttachments)
		tr.Elapsed = time.Since(start)
		if err != nil {
			ec.logger.Error("Table sync failed", "table_id", wt.TableID, "error", err)
			tr.setStatus(statusFromError(err), err.Error())
			continue
		}
		ec.logger.Info("Table synchronized", "table_id", wt.TableID, "status", tr.Status,
			"pulled", tr.Pulled, "pushed", tr.Pushed, "conflicts", tr.Conflicts,
			"attachments", tr.Attachments, "elapsed", tr.Elapsed)
	}
}

func (p *rowDataProcessor) syncTable(ctx context.Context, wt workingTable, tr *TableResult, deferAttachments bool) error {
	ec := p.ec
	conn, err := ec.AcquireConn(ctx)
	if err != nil {
		return err
	}
	defer ec.ReleaseConn()

	cols, err := conn.GetUserDefinedColumns(ctx, wt.TableID)
	if err != nil {
		return err
	}

	if n, err := conn.CountCheckpointRows(ctx, wt.TableID); err != nil {
		return err
	} else if n > 0 {
		tr.setStatus(StatusTableContainsCheckpoints, fmt.Sprintf("%d checkpoint rows must be resolved first", n))
		return nil
	}
	if n, err := conn.CountConflictRows(ctx, wt.TableID); err != nil {
		return err
	} else if n > 0 {
		tr.setStatus(StatusTableContainsConflicts, fmt.Sprintf("%d conflict rows must be resolved first", n/2))
		return nil
	}

	ec.UpdateProgress(ProgressRows, "pulling rows of "+wt.TableID, 0)
	if err := p.pull(ctx, conn, wt, cols, tr); err != nil {
		return err
	}
	if tr.Conflicts > 0 {
		tr.setStatus(StatusTableContainsConflicts, fmt.Sprintf("%d rows placed into conflict", tr.Conflicts))
		return conn.SetLastSyncTime(ctx, wt.TableID, time.Now())
	}

	ec.UpdateProgress(ProgressRows, "pushing rows of "+wt.TableID, 40)
	if err := p.push(ctx, conn, wt, cols, tr); err != nil {
		return err
	}

	ec.UpdateProgress(ProgressAttachments, "synchronizing attachments of "+wt.TableID, 70)
	if err := p.syncAttachments(ctx, conn, wt, cols, tr, deferAttachments); err != nil {
		return err
	}

	ec.UpdateProgress(ProgressRows, "finished "+wt.TableID, 100)
	return conn.SetLastSyncTime(ctx, wt.TableID, time.Now())
}

// pull applies every server change since the table's last data ETag. The new
// data ETag is stored only after the final page has been applied.
func (p *rowDataProcessor) pull(ctx context.Context, conn odkdb.Conn, wt workingTable, cols *odkdata.OrderedColumns, tr *TableResult) error {
	ec := p.ec
	entry, err := conn.GetTableDefinitionEntry(ctx, wt.TableID)
	if err != nil {
		return err
	}
	cursor := ""
	dataETag := entry.LastDataETag
	for {
		page, err := callRemote(ctx, ec, "pull_rows", func(ctx context.Context) (*odktables.RowResourceList, error) {
			return ec.Remote.PullRows(ctx, wt.TableID, wt.SchemaETag, entry.LastDataETag, cursor, ec.config.PullFetchLimit)
		})
		if err != nil {
			return fmt.Errorf("failed to pull rows: %w", err)
		}
		for _, rr := range page.Rows {
			if ec.IsCancelled(ctx) {
				return ctx.Err()
			}
			if err := p.applyServerRow(ctx, conn, wt.TableID, cols, rr, tr); err != nil {
				return err
			}
		}
		dataETag = page.DataETag
		ec.logger.Debug("Pulled page", "table_id", wt.TableID, "rows", len(page.Rows), "has_more", page.HasMoreResults)
		if !page.HasMoreResults || page.WebSafeResumeCursor == "" {
			break
		}
		cursor = page.WebSafeResumeCursor
	}
	if dataETag != entry.LastDataETag {
		return conn.SetLastDataETag(ctx, wt.TableID, dataETag)
	}
	return nil
}

func (p *rowDataProcessor) applyServerRow(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, rr odktables.RowResource, tr *TableResult) error {
	server, err := rr.ToValues(cols)
	if err != nil {
		return err
	}
	local, err := conn.GetRowsWithID(ctx, tableID, cols, rr.RowID)
	if err != nil {
		return err
	}

	if local.Len() == 0 {
		if rr.Deleted {
			return nil
		}
		tr.Pulled++
		return conn.PrivilegedUpsertRow(ctx, tableID, cols, server, odkdata.SyncStateSyncedPendingFiles)
	}
	if local.Len() > 1 {
		// A row can only reach this state by appearing twice in one pull.
		p.ec.logger.Warn("Skipping server row with multiple local rows", "table_id", tableID, "row_id", rr.RowID)
		return nil
	}

	row := local.Rows[0]
	state, err := row.SyncState()
	if err != nil {
		return err
	}
	switch {
	case state.IsSynced():
		if rr.Deleted {
			tr.Pulled++
			return conn.DeleteRowsWithIDHard(ctx, tableID, rr.RowID)
		}
		if state == odkdata.SyncStateSynced && row.RowETag() == rr.RowETag {
			return nil
		}
		tr.Pulled++
		return conn.PrivilegedUpsertRow(ctx, tableID, cols, server, odkdata.SyncStateSyncedPendingFiles)
	case row.RowETag() == rr.RowETag && !rr.Deleted:
		// Local edit of the current server version; the push sends it.
		return nil
	case state == odkdata.SyncStateDeleted && rr.Deleted:
		tr.Pulled++
		return conn.DeleteRowsWithIDHard(ctx, tableID, rr.RowID)
	case state != odkdata.SyncStateDeleted && !rr.Deleted && odktables.SameData(row.Values, server, cols):
		tr.Pulled++
		return conn.PrivilegedUpsertRow(ctx, tableID, cols, server, odkdata.SyncStateSyncedPendingFiles)
	}

	tr.Conflicts++
	return conn.PlaceRowIntoConflict(ctx, tableID, cols, rr.RowID, localConflictType(state), server, serverConflictType(rr.Deleted))
}

// push sends locally changed rows in batches and applies each row's outcome.
func (p *rowDataProcessor) push(ctx context.Context, conn odkdb.Conn, wt workingTable, cols *odkdata.OrderedColumns, tr *TableResult) error {
	ec := p.ec
	pending, err := conn.GetRowsInState(ctx, wt.TableID, cols,
		odkdata.SyncStateNewRow, odkdata.SyncStateChanged, odkdata.SyncStateDeleted)
	if err != nil {
		return err
	}
	if pending.Len() == 0 {
		return nil
	}
	byID := make(map[string]odkdata.Row, pending.Len())
	for _, r := range pending.Rows {
		byID[r.RowID()] = r
	}

	batchSize := ec.config.PushBatchSize
	for start := 0; start < len(pending.Rows); start += batchSize {
		if ec.IsCancelled(ctx) {
			return ctx.Err()
		}
		end := min(start+batchSize, len(pending.Rows))
		list := &odktables.RowList{Rows: make([]odktables.RowResource, 0, end-start)}
		for _, r := range pending.Rows[start:end] {
			list.Rows = append(list.Rows, odktables.NewRowResource(r, cols))
		}
		outcomes, err := callRemote(ctx, ec, "push_rows", func(ctx context.Context) (*odktables.RowOutcomeList, error) {
			return ec.Remote.PushRows(ctx, wt.TableID, wt.SchemaETag, list)
		})
		if err != nil {
			return fmt.Errorf("failed to push rows: %w", err)
		}
		for _, out := range outcomes.Rows {
			local, ok := byID[out.RowID]
			if !ok {
				ec.logger.Warn("Push outcome for unknown row", "table_id", wt.TableID, "row_id", out.RowID)
				continue
			}
			if err := p.applyOutcome(ctx, conn, wt.TableID, cols, local, out, tr); err != nil {
				return err
			}
		}
		ec.UpdateProgress(ProgressRows, "pushed rows of "+wt.TableID, 40+30*float64(end)/float64(len(pending.Rows)))
	}
	if tr.Conflicts > 0 {
		tr.setStatus(StatusTableContainsConflicts, fmt.Sprintf("%d rows placed into conflict", tr.Conflicts))
	}
	return nil
}

func (p *rowDataProcessor) applyOutcome(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, local odkdata.Row, out odktables.RowOutcome, tr *TableResult) error {
	state, err := local.SyncState()
	if err != nil {
		return err
	}
	switch out.Outcome {
	case odktables.OutcomeSuccess:
		tr.Pushed++
		if state == odkdata.SyncStateDeleted {
			return conn.DeleteRowsWithIDHard(ctx, tableID, out.RowID)
		}
		return conn.MarkRowSynced(ctx, tableID, out.RowID, out.RowETag, odkdata.SyncStateSyncedPendingFiles)
	case odktables.OutcomeInConflict:
		server, err := out.RowResource.ToValues(cols)
		if err != nil {
			return err
		}
		tr.Conflicts++
		return conn.PlaceRowIntoConflict(ctx, tableID, cols, out.RowID, localConflictType(state), server, serverConflictType(out.Deleted))
	default:
		p.ec.logger.Warn("Row rejected by server", "table_id", tableID, "row_id", out.RowID,
			"outcome", out.Outcome, "message", out.Message)
		tr.setStatus(StatusFailure, fmt.Sprintf("row %s: %s %s", out.RowID, out.Outcome, out.Message))
		return nil
	}
}

// syncAttachments reconciles the instance folder of every row waiting for
// files. Server content wins for files present on both sides.
func (p *rowDataProcessor) syncAttachments(ctx context.Context, conn odkdb.Conn, wt workingTable, cols *odkdata.OrderedColumns, tr *TableResult, deferAttachments bool) error {
	ec := p.ec
	waiting, err := conn.GetRowsInState(ctx, wt.TableID, cols, odkdata.SyncStateSyncedPendingFiles)
	if err != nil {
		return err
	}
	if waiting.Len() == 0 {
		return nil
	}
	if deferAttachments || ec.FS == nil {
		tr.setStatus(StatusTablePendingAttachments, fmt.Sprintf("%d rows have deferred attachments", waiting.Len()))
		return nil
	}

	failed := 0
	for i, row := range waiting.Rows {
		if ec.IsCancelled(ctx) {
			return ctx.Err()
		}
		n, err := p.syncRowFiles(ctx, wt.TableID, row.RowID())
		if err != nil {
			// Auth problems affect every row; stop and report them as such.
			if statusFromError(err) == StatusAuthException {
				return err
			}
			ec.logger.Warn("Attachment sync failed", "table_id", wt.TableID, "row_id", row.RowID(), "error", err)
			failed++
			continue
		}
		tr.Attachments += n
		if err := conn.MarkRowSynced(ctx, wt.TableID, row.RowID(), row.RowETag(), odkdata.SyncStateSynced); err != nil {
			return err
		}
		ec.UpdateProgress(ProgressAttachments, "attachments of "+wt.TableID, 70+30*float64(i+1)/float64(waiting.Len()))
	}
	if failed > 0 {
		tr.setStatus(StatusTablePendingAttachments, fmt.Sprintf("%d rows have pending attachments", failed))
	}
	return nil
}

// syncRowFiles returns the number of files transferred.
func (p *rowDataProcessor) syncRowFiles(ctx context.Context, tableID, rowID string) (int, error) {
	ec := p.ec
	manifest, err := callRemote(ctx, ec, "get_row_manifest", func(ctx context.Context) (*odktables.FileManifest, error) {
		return ec.Remote.GetRowManifest(ctx, tableID, rowID)
	})
	if err != nil {
		return 0, err
	}
	dir := appfs.InstanceDir(tableID, rowID)
	localFiles, err := appfs.ListFiles(ec.FS, dir)
	if err != nil {
		return 0, err
	}
	local := make(map[string]bool, len(localFiles))
	for _, f := range localFiles {
		local[f] = true
	}

	targets := make(map[string]string, len(manifest.Files))
	for _, f := range manifest.Files {
		name, err := appfs.JoinWithin(dir, f.Filename)
		if err != nil {
			return 0, fmt.Errorf("server manifest of row %s: %w", rowID, err)
		}
		targets[f.Filename] = name
	}

	transferred := 0
	server := make(map[string]bool, len(manifest.Files))
	for _, f := range manifest.Files {
		server[f.Filename] = true
		name := targets[f.Filename]
		if local[f.Filename] {
			content, err := appfs.ReadFile(ec.FS, name)
			if err != nil {
				return transferred, err
			}
			if appfs.MD5Hash(content) == f.MD5Hash {
				continue
			}
		}
		content, err := callRemote(ctx, ec, "get_row_file", func(ctx context.Context) ([]byte, error) {
			return ec.Remote.GetRowFile(ctx, tableID, rowID, f.Filename)
		})
		if err != nil {
			return transferred, err
		}
		if err := appfs.WriteFile(ec.FS, name, content); err != nil {
			return transferred, err
		}
		transferred++
	}

	for _, f := range localFiles {
		if server[f] {
			continue
		}
		content, err := appfs.ReadFile(ec.FS, path.Join(dir, f))
		if err != nil {
			return transferred, err
		}
		if err := callRemoteErr(ctx, ec, "put_row_file", func(ctx context.Context) error {
			return ec.Remote.PutRowFile(ctx, tableID, rowID, f, content)
		}); err != nil {
			return transferred, err
		}
		transferred++
	}
	return transferred, nil
}

func localConflictType(state odkdata.SyncState) odkdata.ConflictType {
	if state == odkdata.SyncStateDeleted {
		return odkdata.LocalDeletedOldValues
	}
	return odkdata.LocalUpdatedUpdatedValues
}

func serverConflictType(deleted bool) odkdata.ConflictType {
	if deleted {
		return odkdata.ServerDeletedOldValues
	}
	return odkdata.ServerUpdatedUpdatedValues
}
