package odksync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/moychal/odkVaccine/internal/appfs"
	"github.com/moychal/odkVaccine/odktables"
)

type fakeRow struct {
	res odktables.RowResource
	seq int64
}

type fakeTable struct {
	def  odktables.TableDefinitionResource
	rows map[string]fakeRow
}

// fakeRemote is an in-memory sync server with optional fault injection.
type fakeRemote struct {
	mu       sync.Mutex
	tables   map[string]*fakeTable
	appFiles map[string][]byte
	rowFiles map[string][]byte // table/row/name
	seq      int64
	nextETag int

	listErr      error
	listFailures int             // network failures before ListTables succeeds
	rowFileErr   error           // returned by GetRowManifest
	denied       map[string]bool // row ids pushed back as DENIED
	block        chan struct{}   // ListTables waits on it when set
	entered      chan struct{}   // closed when ListTables is first called
	hidden       map[string]bool // row ids left out of pulls
	lastSince    string

	listCalls, pullCalls, pushCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables:   map[string]*fakeTable{},
		appFiles: map[string][]byte{},
		rowFiles: map[string][]byte{},
		denied:   map[string]bool{},
		hidden:   map[string]bool{},
	}
}

func (f *fakeRemote) addTable(def odktables.TableDefinitionResource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if def.SchemaETag == "" {
		def.SchemaETag = "schema-" + def.TableID
	}
	f.tables[def.TableID] = &fakeTable{def: def, rows: map[string]fakeRow{}}
}

// putRow stores a row as if another device had pushed it.
func (f *fakeRemote) putRow(tableID string, r odktables.RowResource) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeRow(f.tables[tableID], r)
}

func (f *fakeRemote) storeRow(t *fakeTable, r odktables.RowResource) string {
	f.seq++
	f.nextETag++
	r.RowETag = fmt.Sprintf("etag-%d", f.nextETag)
	t.rows[r.RowID] = fakeRow{res: r, seq: f.seq}
	return r.RowETag
}

func (f *fakeRemote) setSchemaETag(tableID, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableID].def.SchemaETag = etag
}

func (f *fakeRemote) row(tableID, rowID string) (odktables.RowResource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tables[tableID].rows[rowID]
	return r.res, ok
}

func (f *fakeRemote) ListTables(ctx context.Context) (*odktables.TableResourceList, error) {
	f.mu.Lock()
	f.listCalls++
	block, entered := f.block, f.entered
	if entered != nil && f.listCalls == 1 {
		close(entered)
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listFailures > 0 {
		f.listFailures--
		return nil, fmt.Errorf("%w: connection reset", ErrNetworkFailure)
	}
	out := &odktables.TableResourceList{}
	for id, t := range f.tables {
		out.Tables = append(out.Tables, odktables.TableResource{TableID: id, SchemaETag: t.def.SchemaETag})
	}
	sort.Slice(out.Tables, func(i, j int) bool { return out.Tables[i].TableID < out.Tables[j].TableID })
	return out, nil
}

func (f *fakeRemote) PullSchema(_ context.Context, tableID string) (*odktables.TableDefinitionResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableID]
	if !ok {
		return nil, odktables.ErrTableNotFound
	}
	def := t.def
	return &def, nil
}

func (f *fakeRemote) PushSchema(_ context.Context, def *odktables.TableDefinitionResource) (*odktables.TableResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[def.TableID]; !ok {
		d := *def
		d.SchemaETag = "schema-" + def.TableID
		f.tables[def.TableID] = &fakeTable{def: d, rows: map[string]fakeRow{}}
	}
	return &odktables.TableResource{TableID: def.TableID, SchemaETag: f.tables[def.TableID].def.SchemaETag}, nil
}

func (f *fakeRemote) PullRows(_ context.Context, tableID, schemaETag, sinceETag, cursor string, limit int) (*odktables.RowResourceList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	t, ok := f.tables[tableID]
	if !ok {
		return nil, odktables.ErrTableNotFound
	}
	if t.def.SchemaETag != schemaETag {
		return nil, odktables.ErrSchemaMismatch
	}
	f.lastSince = sinceETag
	after := parseSeq(sinceETag)
	if c := parseSeq(cursor); c > after {
		after = c
	}
	var changed []fakeRow
	for _, r := range t.rows {
		if r.seq > after && !f.hidden[r.res.RowID] {
			changed = append(changed, r)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	out := &odktables.RowResourceList{TableID: tableID, SchemaETag: schemaETag, DataETag: strconv.FormatInt(f.seq, 10)}
	for i, r := range changed {
		if i == limit {
			out.HasMoreResults = true
			out.WebSafeResumeCursor = strconv.FormatInt(changed[i-1].seq, 10)
			break
		}
		out.Rows = append(out.Rows, r.res)
	}
	return out, nil
}

func parseSeq(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (f *fakeRemote) PushRows(_ context.Context, tableID, schemaETag string, rows *odktables.RowList) (*odktables.RowOutcomeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	t, ok := f.tables[tableID]
	if !ok {
		return nil, odktables.ErrTableNotFound
	}
	if t.def.SchemaETag != schemaETag {
		return nil, odktables.ErrSchemaMismatch
	}
	out := &odktables.RowOutcomeList{}
	for _, in := range rows.Rows {
		current, exists := t.rows[in.RowID]
		switch {
		case f.denied[in.RowID]:
			out.Rows = append(out.Rows, odktables.RowOutcome{RowResource: in, Outcome: odktables.OutcomeDenied, Message: "filter scope"})
		case exists && current.res.RowETag != in.RowETag:
			out.Rows = append(out.Rows, odktables.RowOutcome{RowResource: current.res, Outcome: odktables.OutcomeInConflict})
		case !exists && in.Deleted:
			out.Rows = append(out.Rows, odktables.RowOutcome{RowResource: in, Outcome: odktables.OutcomeSuccess})
		default:
			etag := f.storeRow(t, in)
			res := in
			res.RowETag = etag
			out.Rows = append(out.Rows, odktables.RowOutcome{RowResource: res, Outcome: odktables.OutcomeSuccess})
		}
	}
	out.DataETag = strconv.FormatInt(f.seq, 10)
	return out, nil
}

func (f *fakeRemote) GetAppManifest(context.Context) (*odktables.FileManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return manifestOf(f.appFiles, ""), nil
}

func (f *fakeRemote) GetAppFile(_ context.Context, filename string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.appFiles[filename]
	if !ok {
		return nil, odktables.ErrFileNotFound
	}
	return b, nil
}

func (f *fakeRemote) PutAppFile(_ context.Context, filename string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appFiles[filename] = content
	return nil
}

func (f *fakeRemote) GetRowManifest(_ context.Context, tableID, rowID string) (*odktables.FileManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rowFileErr != nil {
		return nil, f.rowFileErr
	}
	return manifestOf(f.rowFiles, tableID+"/"+rowID+"/"), nil
}

func (f *fakeRemote) GetRowFile(_ context.Context, tableID, rowID, filename string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rowFiles[tableID+"/"+rowID+"/"+filename]
	if !ok {
		return nil, odktables.ErrFileNotFound
	}
	return b, nil
}

func (f *fakeRemote) PutRowFile(_ context.Context, tableID, rowID, filename string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowFiles[tableID+"/"+rowID+"/"+filename] = content
	return nil
}

func manifestOf(files map[string][]byte, prefix string) *odktables.FileManifest {
	m := &odktables.FileManifest{Files: []odktables.FileEntry{}}
	for name, content := range files {
		rel, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		m.Files = append(m.Files, odktables.FileEntry{Filename: rel, MD5Hash: appfs.MD5Hash(content), ContentLength: int64(len(content))})
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Filename < m.Files[j].Filename })
	return m
}

type fakeCredentials struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *fakeCredentials) InvalidateAuthToken(appName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, appName)
}
