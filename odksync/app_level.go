// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/moychal/odkVaccine/internal/appfs"
	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
	"github.com/moychal/odkVaccine/odktables"
)

// workingTable is a table cleared for row-data sync.
type workingTable struct {
	TableID    string
	SchemaETag string
}

// appAndTableLevelProcessor reconciles app-level files and table schemas.
type appAndTableLevelProcessor struct {
	ec *ExecutionContext
}

// Run performs the app-level phase. Failures of the phase as a whole land in
// the app-level status; failures of one table land in its table result and
// drop it from the returned working list.
func (p *appAndTableLevelProcessor) Run(ctx context.Context, push bool) []workingTable {
	ec := p.ec
	ec.UpdateProgress(ProgressAppFiles, "synchronizing app-level files", 0)
	if err := p.syncAppFiles(ctx, push); err != nil {
		ec.logger.Error("App-level file sync failed", "app", ec.AppName, "error", err)
		ec.Result.setAppLevelStatus(statusFromError(err), err.Error())
		return nil
	}
	if ec.IsCancelled(ctx) {
		ec.Result.setAppLevelStatus(StatusException, ctx.Err().Error())
		return nil
	}

	ec.UpdateProgress(ProgressTableSchema, "synchronizing table schemas", 50)
	tables, err := p.syncTables(ctx, push)
	if err != nil {
		ec.logger.Error("Table-level sync failed", "app", ec.AppName, "error", err)
		ec.Result.setAppLevelStatus(statusFromError(err), err.Error())
		return nil
	}
	ec.UpdateProgress(ProgressTableSchema, "table schemas synchronized", 100)
	return tables
}

// syncAppFiles brings files under config/ in line with the server manifest.
// Server files missing or different locally are downloaded unless push is
// set, in which case local content wins and is uploaded instead.
func (p *appAndTableLevelProcessor) syncAppFiles(ctx context.Context, push bool) error {
	ec := p.ec
	if ec.FS == nil {
		return nil
	}
	manifest, err := callRemote(ctx, ec, "get_app_manifest", ec.Remote.GetAppManifest)
	if err != nil {
		return fmt.Errorf("failed to get app manifest: %w", err)
	}
	server := make(map[string]odktables.FileEntry, len(manifest.Files))
	for _, f := range manifest.Files {
		server[f.Filename] = f
	}

	localFiles, err := appfs.ListFiles(ec.FS, appfs.ConfigDir)
	if err != nil {
		return fmt.Errorf("failed to list local app files: %w", err)
	}
	local := make(map[string]string, len(localFiles))
	for _, rel := range localFiles {
		name := path.Join(appfs.ConfigDir, rel)
		content, err := appfs.ReadFile(ec.FS, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		local[name] = appfs.MD5Hash(content)
	}

	names := make([]string, 0, len(server))
	for name := range server {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !isAppFilePath(name) {
			ec.logger.Warn("Ignoring server file outside the config folder", "file", name)
			continue
		}
		hash, ok := local[name]
		if ok && hash == server[name].MD5Hash {
			continue
		}
		if ok && push {
			continue
		}
		content, err := callRemote(ctx, ec, "get_app_file", func(ctx context.Context) ([]byte, error) {
			return ec.Remote.GetAppFile(ctx, name)
		})
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
		if err := appfs.WriteFile(ec.FS, name, content); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		ec.logger.Debug("App file downloaded", "file", name)
	}

	if !push {
		return nil
	}
	for _, rel := range localFiles {
		name := path.Join(appfs.ConfigDir, rel)
		if f, ok := server[name]; ok && f.MD5Hash == local[name] {
			continue
		}
		content, err := appfs.ReadFile(ec.FS, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := callRemoteErr(ctx, ec, "put_app_file", func(ctx context.Context) error {
			return ec.Remote.PutAppFile(ctx, name, content)
		}); err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
		ec.logger.Debug("App file uploaded", "file", name)
	}
	return nil
}

func isAppFilePath(name string) bool {
	cleaned := path.Clean(name)
	return cleaned == name && strings.HasPrefix(cleaned, appfs.ConfigDir+"/")
}

// syncTables reconciles the local and server table sets and returns the
// tables whose schemas agree.
func (p *appAndTableLevelProcessor) syncTables(ctx context.Context, push bool) ([]workingTable, error) {
	ec := p.ec
	list, err := callRemote(ctx, ec, "list_tables", ec.Remote.ListTables)
	if err != nil {
		return nil, fmt.Errorf("failed to list server tables: %w", err)
	}

	conn, err := ec.AcquireConn(ctx)
	if err != nil {
		return nil, err
	}
	defer ec.ReleaseConn()

	localIDs, err := conn.GetAllTableIDs(ctx)
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		local[id] = true
	}
	remote := make(map[string]odktables.TableResource, len(list.Tables))
	for _, tr := range list.Tables {
		remote[tr.TableID] = tr
	}

	all := make([]string, 0, len(local)+len(remote))
	for id := range local {
		all = append(all, id)
	}
	for id := range remote {
		if !local[id] {
			all = append(all, id)
		}
	}
	sort.Strings(all)

	var working []workingTable
	for i, tableID := range all {
		if ec.IsCancelled(ctx) {
			return nil, ctx.Err()
		}
		tr := ec.Result.table(tableID)
		var wt *workingTable
		var err error
		switch res, onServer := remote[tableID]; {
		case onServer && !local[tableID]:
			wt, err = p.createLocalTable(ctx, conn, res)
		case !onServer:
			wt, err = p.pushLocalTable(ctx, conn, tableID, push)
		default:
			wt, err = p.matchTable(ctx, conn, res)
		}
		switch {
		case errors.Is(err, errSchemaDiverged):
			tr.setStatus(StatusTableRequiresAppLevelSync, err.Error())
		case errors.Is(err, errNotOnServer):
			tr.setStatus(StatusTableDoesNotExistOnServer, err.Error())
		case err != nil:
			ec.logger.Error("Table schema sync failed", "table_id", tableID, "error", err)
			tr.setStatus(statusFromError(err), err.Error())
		case wt != nil:
			working = append(working, *wt)
		}
		ec.UpdateProgress(ProgressTableSchema, "synchronized schema of "+tableID, 50+50*float64(i+1)/float64(len(all)))
	}
	return working, nil
}

var (
	errSchemaDiverged = errors.New("local and server column definitions differ")
	errNotOnServer    = errors.New("table does not exist on the server")
)

func (p *appAndTableLevelProcessor) createLocalTable(ctx context.Context, conn odkdb.Conn, res odktables.TableResource) (*workingTable, error) {
	def, err := callRemote(ctx, p.ec, "pull_schema", func(ctx context.Context) (*odktables.TableDefinitionResource, error) {
		return p.ec.Remote.PullSchema(ctx, res.TableID)
	})
	if err != nil {
		return nil, err
	}
	props, err := odkdb.InternChoiceLists(ctx, conn, withTableID(def.Properties, res.TableID))
	if err != nil {
		return nil, err
	}
	if _, err := conn.CreateOrOpenTable(ctx, res.TableID, def.Columns, props); err != nil {
		return nil, err
	}
	if err := conn.SetSchemaETag(ctx, res.TableID, def.SchemaETag); err != nil {
		return nil, err
	}
	p.ec.logger.Info("Table created from server schema", "table_id", res.TableID, "schema_etag", def.SchemaETag)
	return &workingTable{TableID: res.TableID, SchemaETag: def.SchemaETag}, nil
}

func (p *appAndTableLevelProcessor) pushLocalTable(ctx context.Context, conn odkdb.Conn, tableID string, push bool) (*workingTable, error) {
	if !push {
		return nil, fmt.Errorf("%w: %s", errNotOnServer, tableID)
	}
	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	entries, err := conn.GetTableMetadata(ctx, tableID, "", "", "")
	if err != nil {
		return nil, err
	}
	props, err := odkdb.ExpandChoiceLists(ctx, conn, entries)
	if err != nil {
		return nil, err
	}
	def := &odktables.TableDefinitionResource{TableID: tableID, Columns: cols.Descriptors(), Properties: props}
	res, err := callRemote(ctx, p.ec, "push_schema", func(ctx context.Context) (*odktables.TableResource, error) {
		return p.ec.Remote.PushSchema(ctx, def)
	})
	if err != nil {
		return nil, err
	}
	if err := p.adoptSchemaETag(ctx, conn, tableID, res.SchemaETag); err != nil {
		return nil, err
	}
	p.ec.logger.Info("Table schema pushed", "table_id", tableID, "schema_etag", res.SchemaETag)
	return &workingTable{TableID: tableID, SchemaETag: res.SchemaETag}, nil
}

func (p *appAndTableLevelProcessor) matchTable(ctx context.Context, conn odkdb.Conn, res odktables.TableResource) (*workingTable, error) {
	def, err := callRemote(ctx, p.ec, "pull_schema", func(ctx context.Context) (*odktables.TableDefinitionResource, error) {
		return p.ec.Remote.PullSchema(ctx, res.TableID)
	})
	if err != nil {
		return nil, err
	}
	localCols, err := conn.GetUserDefinedColumns(ctx, res.TableID)
	if err != nil {
		return nil, err
	}
	serverCols, err := odkdata.BuildColumnDefinitions(p.ec.AppName, res.TableID, def.Columns)
	if err != nil {
		return nil, err
	}
	if !localCols.SameShape(serverCols) {
		return nil, fmt.Errorf("%w: %s", errSchemaDiverged, res.TableID)
	}
	if err := p.adoptSchemaETag(ctx, conn, res.TableID, def.SchemaETag); err != nil {
		return nil, err
	}
	return &workingTable{TableID: res.TableID, SchemaETag: def.SchemaETag}, nil
}

// adoptSchemaETag stores the server's schema ETag. A changed ETag means the
// server table was recreated, so the data ETag is reset to pull everything.
func (p *appAndTableLevelProcessor) adoptSchemaETag(ctx context.Context, conn odkdb.Conn, tableID, etag string) error {
	entry, err := conn.GetTableDefinitionEntry(ctx, tableID)
	if err != nil {
		return err
	}
	if entry.SchemaETag == etag {
		return nil
	}
	if entry.SchemaETag != "" {
		p.ec.logger.Info("Server schema etag changed, resetting data etag", "table_id", tableID,
			"old", entry.SchemaETag, "new", etag)
		if err := conn.SetLastDataETag(ctx, tableID, ""); err != nil {
			return err
		}
	}
	return conn.SetSchemaETag(ctx, tableID, etag)
}

func withTableID(entries []odkdata.KeyValueStoreEntry, tableID string) []odkdata.KeyValueStoreEntry {
	out := make([]odkdata.KeyValueStoreEntry, len(entries))
	for i, e := range entries {
		e.TableID = tableID
		out[i] = e
	}
	return out
}
