// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/moychal/odkVaccine/odkdb"
)

// ResolveAllCheckpoints applies the same checkpoint decision to every entry.
// See runBatch for how row failures are reported.
func (e *Engine) ResolveAllCheckpoints(ctx context.Context, tableID string, entries []ResolveRowEntry, takeNewest bool, progress ProgressFunc) (string, error) {
	return e.runBatch(ctx, tableID, entries, progress, func(conn odkdb.Conn, rowID string) error {
		return resolveCheckpoint(ctx, conn, tableID, rowID, takeNewest)
	})
}

// ResolveAllConflicts takes the local or the server side of every entry.
func (e *Engine) ResolveAllConflicts(ctx context.Context, tableID string, entries []ResolveRowEntry, takeLocal bool, progress ProgressFunc) (string, error) {
	res := TakeServer()
	if takeLocal {
		res = TakeLocal()
	}
	return e.runBatch(ctx, tableID, entries, progress, func(conn odkdb.Conn, rowID string) error {
		cols, err := conn.GetUserDefinedColumns(ctx, tableID)
		if err != nil {
			return err
		}
		return e.resolveConflict(ctx, conn, tableID, cols, rowID, res)
	})
}

// runBatch applies fn to every entry on one store handle. A failing row does
// not stop the batch: its message is collected, the handle is replaced with a
// fresh one and the next row is processed. The collected messages are
// returned joined by newlines. The error is non-nil only when no handle could
// be opened or ctx was cancelled.
func (e *Engine) runBatch(ctx context.Context, tableID string, entries []ResolveRowEntry, progress ProgressFunc, fn func(conn odkdb.Conn, rowID string) error) (string, error) {
	if progress == nil {
		progress = func(string) {}
	}
	conn, err := e.opener.OpenConn(ctx)
	if err != nil {
		return "", fmt.Errorf("open store handle: %w", err)
	}
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	var failures []string
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return strings.Join(failures, "\n"), err
		}
		progress(fmt.Sprintf("resolving row %d of %d", i+1, len(entries)))

		if err := fn(conn, entry.RowID); err != nil {
			msg := fmt.Sprintf("row %s: %v", entry.RowID, err)
			e.logger.Error("row resolution failed", "table_id", tableID, "row_id", entry.RowID,
				"handle", conn.Name(), "error", err)
			failures = append(failures, msg)

			old := conn
			conn = nil
			_ = old.Close()
			fresh, err := e.opener.OpenConn(ctx)
			if err != nil {
				return strings.Join(failures, "\n"), fmt.Errorf("reopen store handle: %w", err)
			}
			conn = fresh
			e.logger.Warn("replaced store handle", "table_id", tableID, "old", old.Name(), "new", conn.Name())
		}
	}
	progress("done resolving rows")
	return strings.Join(failures, "\n"), nil
}
