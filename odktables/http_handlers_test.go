package odktables

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/stretchr/testify/require"
)

// fakeService is an in-memory TableService.
type fakeService struct {
	defs     map[string]*TableDefinitionResource
	pulls    []PullRequest
	pushUser string
	files    map[string][]byte
}

func newFakeService() *fakeService {
	return &fakeService{defs: map[string]*TableDefinitionResource{}, files: map[string][]byte{}}
}

func (f *fakeService) ListTables(_ context.Context, app string) (*TableResourceList, error) {
	out := &TableResourceList{Tables: []TableResource{}}
	for id, d := range f.defs {
		out.Tables = append(out.Tables, TableResource{TableID: id, SchemaETag: d.SchemaETag})
	}
	return out, nil
}

func (f *fakeService) GetDefinition(_ context.Context, _, tableID string) (*TableDefinitionResource, error) {
	d, ok := f.defs[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
	}
	return d, nil
}

func (f *fakeService) CreateTable(_ context.Context, _ string, def *TableDefinitionResource) (*TableResource, error) {
	if _, ok := f.defs[def.TableID]; ok {
		return nil, ErrDefinitionConflict
	}
	def.SchemaETag = "s1"
	f.defs[def.TableID] = def
	return &TableResource{TableID: def.TableID, SchemaETag: "s1"}, nil
}

func (f *fakeService) GetRowsSince(_ context.Context, _ string, req PullRequest) (*RowResourceList, error) {
	f.pulls = append(f.pulls, req)
	if req.SchemaETag != "s1" {
		return nil, ErrSchemaMismatch
	}
	return &RowResourceList{TableID: req.TableID, SchemaETag: "s1", DataETag: "7", Rows: []RowResource{{RowID: "r1"}}}, nil
}

func (f *fakeService) ApplyRows(_ context.Context, _, _, _, userID string, list *RowList) (*RowOutcomeList, error) {
	f.pushUser = userID
	out := &RowOutcomeList{DataETag: "8"}
	for _, r := range list.Rows {
		out.Rows = append(out.Rows, rowSuccess(r, "new-etag", "8"))
	}
	return out, nil
}

func (f *fakeService) FileManifest(_ context.Context, _, tableID, rowID string) (*FileManifest, error) {
	m := &FileManifest{Files: []FileEntry{}}
	prefix := tableID + "/" + rowID + "/"
	for k, v := range f.files {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			m.Files = append(m.Files, FileEntry{Filename: name, MD5Hash: MD5Hash(v), ContentLength: int64(len(v))})
		}
	}
	return m, nil
}

func (f *fakeService) GetFile(_ context.Context, _, tableID, rowID, name string) ([]byte, *FileEntry, error) {
	v, ok := f.files[tableID+"/"+rowID+"/"+name]
	if !ok {
		return nil, nil, ErrFileNotFound
	}
	return v, &FileEntry{Filename: name, MD5Hash: MD5Hash(v), ContentLength: int64(len(v))}, nil
}

func (f *fakeService) PutFile(_ context.Context, _, tableID, rowID, name string, content []byte) (*FileEntry, error) {
	f.files[tableID+"/"+rowID+"/"+name] = content
	return &FileEntry{Filename: name, MD5Hash: MD5Hash(content), ContentLength: int64(len(content))}, nil
}

type handlerHarness struct {
	t       *testing.T
	svc     *fakeService
	server  *httptest.Server
	jwtAuth *JWTAuth
	token   string
}

func newHandlerHarness(t *testing.T, tokenApp string) *handlerHarness {
	svc := newFakeService()
	jwtAuth := NewJWTAuth("handler-secret")
	mux := http.NewServeMux()
	NewHTTPSyncHandlers(svc, nil).Register(mux, jwtAuth.Middleware)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	token, err := jwtAuth.GenerateToken("nurse", "tablet", tokenApp, time.Hour)
	require.NoError(t, err)
	return &handlerHarness{t: t, svc: svc, server: server, jwtAuth: jwtAuth, token: token}
}

func (h *handlerHarness) do(method, path string, body []byte) *http.Response {
	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(body))
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandlers_TableLifecycle(t *testing.T) {
	h := newHandlerHarness(t, "")

	def := TableDefinitionResource{Columns: []odkdata.Column{{ElementKey: "name", ElementName: "name", ElementType: "string"}}}
	body, _ := json.Marshal(def)
	resp := h.do(http.MethodPut, "/odktables/default/tables/people", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tr := decodeBody[TableResource](t, resp)
	require.Equal(t, "people", tr.TableID)
	require.Equal(t, "s1", tr.SchemaETag)

	resp = h.do(http.MethodPut, "/odktables/default/tables/people", body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, CodeDefinitionConflict, decodeBody[ErrorResponse](t, resp).Error)

	resp = h.do(http.MethodGet, "/odktables/default/tables", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[TableResourceList](t, resp).Tables, 1)

	resp = h.do(http.MethodGet, "/odktables/default/tables/people", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "name", decodeBody[TableDefinitionResource](t, resp).Columns[0].ElementKey)

	resp = h.do(http.MethodGet, "/odktables/default/tables/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, CodeTableNotFound, decodeBody[ErrorResponse](t, resp).Error)

	mismatched, _ := json.Marshal(TableDefinitionResource{TableID: "other"})
	resp = h.do(http.MethodPut, "/odktables/default/tables/people", mismatched)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_Rows(t *testing.T) {
	h := newHandlerHarness(t, "")

	resp := h.do(http.MethodGet, "/odktables/default/tables/people/ref/s1/rows?data_etag=3&cursor=5&fetchLimit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeBody[RowResourceList](t, resp)
	require.Equal(t, "7", page.DataETag)
	require.Equal(t, PullRequest{TableID: "people", SchemaETag: "s1", SinceETag: "3", Cursor: "5", Limit: 10}, h.svc.pulls[0])

	resp = h.do(http.MethodGet, "/odktables/default/tables/people/ref/stale/rows", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, CodeSchemaMismatch, decodeBody[ErrorResponse](t, resp).Error)

	resp = h.do(http.MethodGet, "/odktables/default/tables/people/ref/s1/rows?fetchLimit=zero", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := json.Marshal(RowList{Rows: []RowResource{{RowID: "r1"}, {RowID: "r2"}}})
	resp = h.do(http.MethodPut, "/odktables/default/tables/people/ref/s1/rows", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcomes := decodeBody[RowOutcomeList](t, resp)
	require.Len(t, outcomes.Rows, 2)
	require.Equal(t, OutcomeSuccess, outcomes.Rows[1].Outcome)
	require.Equal(t, "new-etag", outcomes.Rows[1].RowETag)
	require.Equal(t, "nurse", h.svc.pushUser)

	resp = h.do(http.MethodPut, "/odktables/default/tables/people/ref/s1/rows", []byte("{"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_Files(t *testing.T) {
	h := newHandlerHarness(t, "")

	resp := h.do(http.MethodPut, "/odktables/default/files/config/assets/index.html", []byte("<html/>"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, MD5Hash([]byte("<html/>")), decodeBody[FileEntry](t, resp).MD5Hash)

	resp = h.do(http.MethodGet, "/odktables/default/files/config/assets/index.html", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, MD5Hash([]byte("<html/>")), resp.Header.Get("ETag"))

	resp = h.do(http.MethodGet, "/odktables/default/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeBody[FileManifest](t, resp)
	require.Len(t, m.Files, 1)
	require.Equal(t, "config/assets/index.html", m.Files[0].Filename)

	resp = h.do(http.MethodPut, "/odktables/default/tables/people/attachments/r1/file/photo.jpg", []byte{1, 2, 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodGet, "/odktables/default/tables/people/attachments/r1/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "photo.jpg", decodeBody[FileManifest](t, resp).Files[0].Filename)

	resp = h.do(http.MethodGet, "/odktables/default/tables/people/attachments/r1/file/none.jpg", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, CodeFileNotFound, decodeBody[ErrorResponse](t, resp).Error)
}

func TestHandlers_AppBoundToken(t *testing.T) {
	h := newHandlerHarness(t, "vaccines")

	resp := h.do(http.MethodGet, "/odktables/vaccines/tables", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodGet, "/odktables/default/tables", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.token = "garbage"
	resp = h.do(http.MethodGet, "/odktables/vaccines/tables", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
