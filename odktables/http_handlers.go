// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/moychal/odkVaccine/internal/auth"
	"github.com/moychal/odkVaccine/odkdata"
)

// maxFileBytes bounds uploaded file bodies.
const maxFileBytes = 64 << 20

// TableService is what the HTTP handlers serve. *SyncService implements it.
type TableService interface {
	ListTables(ctx context.Context, appName string) (*TableResourceList, error)
	GetDefinition(ctx context.Context, appName, tableID string) (*TableDefinitionResource, error)
	CreateTable(ctx context.Context, appName string, def *TableDefinitionResource) (*TableResource, error)
	GetRowsSince(ctx context.Context, appName string, req PullRequest) (*RowResourceList, error)
	ApplyRows(ctx context.Context, appName, tableID, schemaETag, userID string, list *RowList) (*RowOutcomeList, error)
	FileManifest(ctx context.Context, appName, tableID, rowID string) (*FileManifest, error)
	GetFile(ctx context.Context, appName, tableID, rowID, filename string) ([]byte, *FileEntry, error)
	PutFile(ctx context.Context, appName, tableID, rowID, filename string, content []byte) (*FileEntry, error)
}

// HTTPSyncHandlers provides HTTP handlers for the table sync API
type HTTPSyncHandlers struct {
	service TableService
	logger  *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service TableService, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{service: service, logger: logger}
}

// Register mounts every route on mux, each wrapped by mw (typically
// JWTAuth.Middleware). A nil mw mounts the handlers unwrapped.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	if mw == nil {
		mw = func(next http.Handler) http.Handler { return next }
	}
	routes := map[string]http.HandlerFunc{
		"GET /odktables/{app}/tables":                                          h.HandleListTables,
		"GET /odktables/{app}/tables/{table}":                                  h.HandleGetDefinition,
		"PUT /odktables/{app}/tables/{table}":                                  h.HandleCreateTable,
		"GET /odktables/{app}/tables/{table}/ref/{schemaETag}/rows":            h.HandlePullRows,
		"PUT /odktables/{app}/tables/{table}/ref/{schemaETag}/rows":            h.HandlePushRows,
		"GET /odktables/{app}/manifest":                                        h.HandleManifest,
		"GET /odktables/{app}/files/{path...}":                                 h.HandleGetFile,
		"PUT /odktables/{app}/files/{path...}":                                 h.HandlePutFile,
		"GET /odktables/{app}/tables/{table}/attachments/{row}/manifest":       h.HandleManifest,
		"GET /odktables/{app}/tables/{table}/attachments/{row}/file/{path...}": h.HandleGetFile,
		"PUT /odktables/{app}/tables/{table}/attachments/{row}/file/{path...}": h.HandlePutFile,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, mw(fn))
	}
}

// appName returns the {app} path value, or writes 403 when the caller's
// token is bound to a different application.
func (h *HTTPSyncHandlers) appName(w http.ResponseWriter, r *http.Request) (string, bool) {
	app := r.PathValue("app")
	if bound, ok := auth.GetAppName(r.Context()); ok && bound != "" && bound != app {
		h.writeError(w, http.StatusForbidden, CodeAuthenticationFailed, "token is not valid for app "+app)
		return "", false
	}
	return app, true
}

// HandleListTables lists the application's tables.
func (h *HTTPSyncHandlers) HandleListTables(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	list, err := h.service.ListTables(r.Context(), app)
	if err != nil {
		h.writeServiceError(w, "list_tables", err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleGetDefinition returns a table definition.
func (h *HTTPSyncHandlers) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	def, err := h.service.GetDefinition(r.Context(), app, r.PathValue("table"))
	if err != nil {
		h.writeServiceError(w, "get_definition", err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

// HandleCreateTable registers a table definition.
func (h *HTTPSyncHandlers) HandleCreateTable(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	var def TableDefinitionResource
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse table definition")
		return
	}
	if def.TableID == "" {
		def.TableID = r.PathValue("table")
	}
	if def.TableID != r.PathValue("table") {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "tableId does not match the path")
		return
	}
	res, err := h.service.CreateTable(r.Context(), app, &def)
	if err != nil {
		h.writeServiceError(w, "create_table", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandlePullRows returns one page of rows changed since data_etag.
func (h *HTTPSyncHandlers) HandlePullRows(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := PullRequest{
		TableID:    r.PathValue("table"),
		SchemaETag: r.PathValue("schemaETag"),
		SinceETag:  q.Get("data_etag"),
		Cursor:     q.Get("cursor"),
	}
	if ls := q.Get("fetchLimit"); ls != "" {
		limit, err := strconv.Atoi(ls)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "fetchLimit must be a positive integer")
			return
		}
		req.Limit = limit
	}
	list, err := h.service.GetRowsSince(r.Context(), app, req)
	if err != nil {
		h.writeServiceError(w, "pull_rows", err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandlePushRows applies a batch of row changes.
func (h *HTTPSyncHandlers) HandlePushRows(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	userID, _ := auth.GetUserID(r.Context())
	var list RowList
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse row list")
		return
	}
	res, err := h.service.ApplyRows(r.Context(), app, r.PathValue("table"), r.PathValue("schemaETag"), userID, &list)
	if err != nil {
		h.writeServiceError(w, "push_rows", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandleManifest lists app-level files, or a row's attachments when the
// route carries {table} and {row}.
func (h *HTTPSyncHandlers) HandleManifest(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	m, err := h.service.FileManifest(r.Context(), app, r.PathValue("table"), r.PathValue("row"))
	if err != nil {
		h.writeServiceError(w, "manifest", err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// HandleGetFile streams a stored file.
func (h *HTTPSyncHandlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	content, fe, err := h.service.GetFile(r.Context(), app, r.PathValue("table"), r.PathValue("row"), r.PathValue("path"))
	if err != nil {
		h.writeServiceError(w, "get_file", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", fe.MD5Hash)
	w.Header().Set("Content-Length", strconv.FormatInt(fe.ContentLength, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		h.logger.Error("Failed to write file", "error", err, "file", fe.Filename)
	}
}

// HandlePutFile stores the request body as a file.
func (h *HTTPSyncHandlers) HandlePutFile(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appName(w, r)
	if !ok {
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "file body too large or unreadable")
		return
	}
	fe, err := h.service.PutFile(r.Context(), app, r.PathValue("table"), r.PathValue("row"), r.PathValue("path"), content)
	if err != nil {
		h.writeServiceError(w, "put_file", err)
		return
	}
	h.writeJSON(w, http.StatusOK, fe)
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeServiceError maps service errors to HTTP statuses.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrTableNotFound):
		h.writeError(w, http.StatusNotFound, CodeTableNotFound, err.Error())
	case errors.Is(err, ErrFileNotFound):
		h.writeError(w, http.StatusNotFound, CodeFileNotFound, err.Error())
	case errors.Is(err, ErrSchemaMismatch):
		h.writeError(w, http.StatusConflict, CodeSchemaMismatch, err.Error())
	case errors.Is(err, ErrDefinitionConflict):
		h.writeError(w, http.StatusConflict, CodeDefinitionConflict, err.Error())
	case errors.Is(err, odkdata.ErrInvalidSchema), errors.Is(err, odkdata.ErrNotFound):
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		h.logger.Error("Request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
