package aggregate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odksync"
	"github.com/moychal/odkVaccine/odktables"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// stubService is an in-memory odktables.TableService.
type stubService struct {
	mu       sync.Mutex
	defs     map[string]*odktables.TableDefinitionResource
	files    map[string][]byte
	pulls    []odktables.PullRequest
	pushUser string
	failWith error
}

func newStubService() *stubService {
	return &stubService{defs: map[string]*odktables.TableDefinitionResource{}, files: map[string][]byte{}}
}

func (s *stubService) ListTables(context.Context, string) (*odktables.TableResourceList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := &odktables.TableResourceList{Tables: []odktables.TableResource{}}
	for id, d := range s.defs {
		out.Tables = append(out.Tables, odktables.TableResource{TableID: id, SchemaETag: d.SchemaETag})
	}
	return out, nil
}

func (s *stubService) GetDefinition(_ context.Context, _, tableID string) (*odktables.TableDefinitionResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", odktables.ErrTableNotFound, tableID)
	}
	return d, nil
}

func (s *stubService) CreateTable(_ context.Context, _ string, def *odktables.TableDefinitionResource) (*odktables.TableResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def.SchemaETag = "s1"
	s.defs[def.TableID] = def
	return &odktables.TableResource{TableID: def.TableID, SchemaETag: "s1"}, nil
}

func (s *stubService) GetRowsSince(_ context.Context, _ string, req odktables.PullRequest) (*odktables.RowResourceList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls = append(s.pulls, req)
	if _, ok := s.defs[req.TableID]; !ok {
		return nil, odktables.ErrTableNotFound
	}
	if req.SchemaETag != "s1" {
		return nil, odktables.ErrSchemaMismatch
	}
	return &odktables.RowResourceList{TableID: req.TableID, SchemaETag: "s1", DataETag: "7", Rows: []odktables.RowResource{{RowID: "r1"}}}, nil
}

func (s *stubService) ApplyRows(_ context.Context, _, _, _, userID string, list *odktables.RowList) (*odktables.RowOutcomeList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushUser = userID
	out := &odktables.RowOutcomeList{DataETag: "8"}
	for _, r := range list.Rows {
		r.RowETag = "e-" + r.RowID
		out.Rows = append(out.Rows, odktables.RowOutcome{RowResource: r, Outcome: odktables.OutcomeSuccess})
	}
	return out, nil
}

func fileKey(tableID, rowID, name string) string {
	return tableID + "/" + rowID + "/" + name
}

func (s *stubService) FileManifest(_ context.Context, _, tableID, rowID string) (*odktables.FileManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &odktables.FileManifest{Files: []odktables.FileEntry{}}
	prefix := fileKey(tableID, rowID, "")
	for k, v := range s.files {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			m.Files = append(m.Files, odktables.FileEntry{Filename: name, MD5Hash: odktables.MD5Hash(v), ContentLength: int64(len(v))})
		}
	}
	return m, nil
}

func (s *stubService) GetFile(_ context.Context, _, tableID, rowID, filename string) ([]byte, *odktables.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.files[fileKey(tableID, rowID, filename)]
	if !ok {
		return nil, nil, odktables.ErrFileNotFound
	}
	return v, &odktables.FileEntry{Filename: filename, MD5Hash: odktables.MD5Hash(v), ContentLength: int64(len(v))}, nil
}

func (s *stubService) PutFile(_ context.Context, _, tableID, rowID, filename string, content []byte) (*odktables.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileKey(tableID, rowID, filename)] = content
	return &odktables.FileEntry{Filename: filename, MD5Hash: odktables.MD5Hash(content), ContentLength: int64(len(content))}, nil
}

type clientHarness struct {
	service *stubService
	server  *httptest.Server
	tokens  *JWTTokenSource
	client  *Client
}

func newClientHarness(t *testing.T) *clientHarness {
	t.Helper()
	service := newStubService()
	mux := http.NewServeMux()
	odktables.NewHTTPSyncHandlers(service, nil).Register(mux, odktables.NewJWTAuth(testSecret).Middleware)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	tokens, err := NewJWTTokenSource(testSecret, "user-1", "device-1", "app1", time.Hour)
	require.NoError(t, err)
	client, err := NewClient(&Config{BaseURL: server.URL + "/", AppName: "app1"}, tokens.Token, nil)
	require.NoError(t, err)
	return &clientHarness{service: service, server: server, tokens: tokens, client: client}
}

func (h *clientHarness) clientWith(t *testing.T, token func(context.Context) (string, error)) *Client {
	t.Helper()
	c, err := NewClient(&Config{BaseURL: h.server.URL, AppName: "app1"}, token, nil)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	tok := StaticToken("x")
	_, err := NewClient(nil, tok, nil)
	require.Error(t, err)
	_, err = NewClient(&Config{AppName: "a"}, tok, nil)
	require.Error(t, err)
	_, err = NewClient(&Config{BaseURL: "http://x"}, tok, nil)
	require.Error(t, err)
	_, err = NewClient(&Config{BaseURL: "http://x", AppName: "a"}, nil, nil)
	require.Error(t, err)

	c, err := NewClient(&Config{BaseURL: "http://x/", AppName: "a"}, tok, nil)
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, c.HTTP.Timeout)
	require.Equal(t, "http://x/odktables/a/tables/t%201", c.appURL("tables", "t 1"))
}

func TestClient_TablesAndRows(t *testing.T) {
	ctx := context.Background()
	h := newClientHarness(t)

	res, err := h.client.PushSchema(ctx, &odktables.TableDefinitionResource{
		TableID: "people",
		Columns: []odkdata.Column{{ElementKey: "name", ElementName: "name", ElementType: "string"}},
	})
	require.NoError(t, err)
	require.Equal(t, "s1", res.SchemaETag)

	list, err := h.client.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, list.Tables, 1)
	require.Equal(t, "people", list.Tables[0].TableID)

	def, err := h.client.PullSchema(ctx, "people")
	require.NoError(t, err)
	require.Len(t, def.Columns, 1)

	page, err := h.client.PullRows(ctx, "people", "s1", "3", "5", 50)
	require.NoError(t, err)
	require.Equal(t, "7", page.DataETag)
	require.Len(t, page.Rows, 1)
	require.Equal(t, odktables.PullRequest{TableID: "people", SchemaETag: "s1", SinceETag: "3", Cursor: "5", Limit: 50}, h.service.pulls[0])

	name := "Ann"
	outcomes, err := h.client.PushRows(ctx, "people", "s1", &odktables.RowList{Rows: []odktables.RowResource{
		{RowID: "r1", Values: []odktables.DataKeyValue{{Column: "name", Value: &name}}},
	}})
	require.NoError(t, err)
	require.Len(t, outcomes.Rows, 1)
	require.Equal(t, odktables.OutcomeSuccess, outcomes.Rows[0].Outcome)
	require.Equal(t, "e-r1", outcomes.Rows[0].RowETag)
	require.Equal(t, "user-1", h.service.pushUser)
}

func TestClient_Files(t *testing.T) {
	ctx := context.Background()
	h := newClientHarness(t)

	require.NoError(t, h.client.PutAppFile(ctx, "config/assets/read me.txt", []byte("hello")))
	got, err := h.client.GetAppFile(ctx, "config/assets/read me.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	m, err := h.client.GetAppManifest(ctx)
	require.NoError(t, err)
	require.Equal(t, []odktables.FileEntry{{Filename: "config/assets/read me.txt", MD5Hash: odktables.MD5Hash([]byte("hello")), ContentLength: 5}}, m.Files)

	require.NoError(t, h.client.PutRowFile(ctx, "people", "uuid:1", "photo.jpg", []byte("jpeg")))
	m, err = h.client.GetRowManifest(ctx, "people", "uuid:1")
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
	require.Equal(t, "photo.jpg", m.Files[0].Filename)
	got, err = h.client.GetRowFile(ctx, "people", "uuid:1", "photo.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg"), got)
}

func TestClient_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	h := newClientHarness(t)
	_, err := h.client.PushSchema(ctx, &odktables.TableDefinitionResource{
		TableID: "people",
		Columns: []odkdata.Column{{ElementKey: "name", ElementName: "name", ElementType: "string"}},
	})
	require.NoError(t, err)

	otherApp, err := NewJWTTokenSource(testSecret, "user-1", "device-1", "app2", time.Hour)
	require.NoError(t, err)
	forged, err := NewJWTTokenSource("wrong-secret", "user-1", "device-1", "app1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		call   func() error
		want   error
		status int
	}{
		{
			name:   "unknown table",
			call:   func() error { _, err := h.client.PullSchema(ctx, "nope"); return err },
			want:   odktables.ErrTableNotFound,
			status: http.StatusNotFound,
		},
		{
			name:   "stale schema etag",
			call:   func() error { _, err := h.client.PullRows(ctx, "people", "s0", "", "", 0); return err },
			want:   odktables.ErrSchemaMismatch,
			status: http.StatusConflict,
		},
		{
			name:   "missing file",
			call:   func() error { _, err := h.client.GetAppFile(ctx, "config/none.txt"); return err },
			want:   odktables.ErrFileNotFound,
			status: http.StatusNotFound,
		},
		{
			name:   "forged token",
			call:   func() error { _, err := h.clientWith(t, forged.Token).ListTables(ctx); return err },
			want:   odksync.ErrAuthFailure,
			status: http.StatusUnauthorized,
		},
		{
			name:   "token of another app",
			call:   func() error { _, err := h.clientWith(t, otherApp.Token).ListTables(ctx); return err },
			want:   odksync.ErrAuthFailure,
			status: http.StatusForbidden,
		},
		{
			name: "server fault",
			call: func() error {
				h.service.mu.Lock()
				h.service.failWith = errors.New("disk full")
				h.service.mu.Unlock()
				defer func() {
					h.service.mu.Lock()
					h.service.failWith = nil
					h.service.mu.Unlock()
				}()
				_, err := h.client.ListTables(ctx)
				return err
			},
			want:   odksync.ErrNetworkFailure,
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.ErrorIs(t, err, tt.want)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestClient_TransportAndTokenFailures(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c, err := NewClient(&Config{BaseURL: url, AppName: "app1", Timeout: time.Second}, StaticToken("x"), nil)
	require.NoError(t, err)
	_, err = c.ListTables(ctx)
	require.ErrorIs(t, err, odksync.ErrNetworkFailure)

	c, err = NewClient(&Config{BaseURL: url, AppName: "app1"}, func(context.Context) (string, error) {
		return "", errors.New("no account")
	}, nil)
	require.NoError(t, err)
	_, err = c.ListTables(ctx)
	require.True(t, IsAuthError(err))
}

func TestClient_RejectsCorruptDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", odktables.MD5Hash([]byte("expected")))
		_, _ = w.Write([]byte("truncated"))
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(&Config{BaseURL: server.URL, AppName: "app1"}, StaticToken("x"), nil)
	require.NoError(t, err)
	_, err = c.GetRowFile(context.Background(), "people", "r1", "photo.jpg")
	require.ErrorIs(t, err, odksync.ErrNetworkFailure)
}

func TestJWTTokenSource(t *testing.T) {
	ctx := context.Background()
	_, err := NewJWTTokenSource("", "u", "d", "", 0)
	require.Error(t, err)
	_, err = NewJWTTokenSource("s", "", "d", "", 0)
	require.Error(t, err)

	src, err := NewJWTTokenSource(testSecret, "user-1", "device-1", "app1", time.Hour)
	require.NoError(t, err)

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	claims, err := odktables.NewJWTAuth(testSecret).ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)
	require.Equal(t, "app1", claims.AppName)

	again, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, tok, again)

	src.InvalidateAuthToken("other-app")
	require.NotEmpty(t, src.token)
	src.InvalidateAuthToken("app1")
	require.Empty(t, src.token)

	_, err = src.Token(ctx)
	require.NoError(t, err)
	src.now = func() time.Time { return time.Now().Add(59 * time.Minute) }
	prev := src.expiry
	_, err = src.Token(ctx)
	require.NoError(t, err)
	require.False(t, src.expiry.Before(prev), "near-expiry token is re-minted")
}
