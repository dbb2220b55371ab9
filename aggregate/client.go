// Package aggregate is the HTTP client of the table sync REST API. Client
// implements odksync.Remote.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odksync"
	"github.com/moychal/odkVaccine/odktables"
)

var _ odksync.Remote = (*Client)(nil)

// Config holds configuration for the HTTP client
type Config struct {
	BaseURL string        // e.g., "https://sync.example.org"
	AppName string        // application the client syncs
	Timeout time.Duration // per request; 0 = 60s
}

// Client talks to one application on a table sync server.
type Client struct {
	HTTP   *http.Client
	Token  func(context.Context) (string, error) // returns JWT
	config *Config
	logger *slog.Logger
}

// APIError is a non-success response of the server. It unwraps to the
// odksync or odktables sentinel the status maps to, if any.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// NewClient creates a client. token is called before every request.
func NewClient(config *Config, token func(context.Context) (string, error), logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("config.BaseURL must be provided")
	}
	if config.AppName == "" {
		return nil, fmt.Errorf("config.AppName must be provided")
	}
	if token == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := *config
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		HTTP:   &http.Client{Timeout: cfg.Timeout},
		Token:  token,
		config: &cfg,
		logger: logger,
	}, nil
}

func (c *Client) ListTables(ctx context.Context) (*odktables.TableResourceList, error) {
	var out odktables.TableResourceList
	if err := c.doJSON(ctx, http.MethodGet, c.appURL("tables"), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return &out, nil
}

func (c *Client) PullSchema(ctx context.Context, tableID string) (*odktables.TableDefinitionResource, error) {
	var out odktables.TableDefinitionResource
	if err := c.doJSON(ctx, http.MethodGet, c.appURL("tables", tableID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get definition of %s: %w", tableID, err)
	}
	return &out, nil
}

func (c *Client) PushSchema(ctx context.Context, def *odktables.TableDefinitionResource) (*odktables.TableResource, error) {
	var out odktables.TableResource
	if err := c.doJSON(ctx, http.MethodPut, c.appURL("tables", def.TableID), nil, def, &out); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", def.TableID, err)
	}
	return &out, nil
}

func (c *Client) PullRows(ctx context.Context, tableID, schemaETag, sinceETag, cursor string, limit int) (*odktables.RowResourceList, error) {
	q := url.Values{}
	if sinceETag != "" {
		q.Set("data_etag", sinceETag)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("fetchLimit", strconv.Itoa(limit))
	}
	var out odktables.RowResourceList
	if err := c.doJSON(ctx, http.MethodGet, c.appURL("tables", tableID, "ref", schemaETag, "rows"), q, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to pull rows of %s: %w", tableID, err)
	}
	return &out, nil
}

func (c *Client) PushRows(ctx context.Context, tableID, schemaETag string, rows *odktables.RowList) (*odktables.RowOutcomeList, error) {
	var out odktables.RowOutcomeList
	if err := c.doJSON(ctx, http.MethodPut, c.appURL("tables", tableID, "ref", schemaETag, "rows"), nil, rows, &out); err != nil {
		return nil, fmt.Errorf("failed to push %d rows of %s: %w", len(rows.Rows), tableID, err)
	}
	if len(out.Rows) != len(rows.Rows) {
		c.logger.Warn("Push outcome count differs from batch size", "table_id", tableID,
			"sent", len(rows.Rows), "outcomes", len(out.Rows))
	}
	return &out, nil
}

func (c *Client) GetAppManifest(ctx context.Context) (*odktables.FileManifest, error) {
	var out odktables.FileManifest
	if err := c.doJSON(ctx, http.MethodGet, c.appURL("manifest"), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get app manifest: %w", err)
	}
	return &out, nil
}

func (c *Client) GetAppFile(ctx context.Context, filename string) ([]byte, error) {
	return c.getFile(ctx, c.appURL("files")+"/"+escapePath(filename))
}

func (c *Client) PutAppFile(ctx context.Context, filename string, content []byte) error {
	return c.putFile(ctx, c.appURL("files")+"/"+escapePath(filename), content)
}

func (c *Client) GetRowManifest(ctx context.Context, tableID, rowID string) (*odktables.FileManifest, error) {
	var out odktables.FileManifest
	if err := c.doJSON(ctx, http.MethodGet, c.appURL("tables", tableID, "attachments", rowID, "manifest"), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get attachment manifest of %s/%s: %w", tableID, rowID, err)
	}
	return &out, nil
}

func (c *Client) GetRowFile(ctx context.Context, tableID, rowID, filename string) ([]byte, error) {
	return c.getFile(ctx, c.appURL("tables", tableID, "attachments", rowID, "file")+"/"+escapePath(filename))
}

func (c *Client) PutRowFile(ctx context.Context, tableID, rowID, filename string, content []byte) error {
	return c.putFile(ctx, c.appURL("tables", tableID, "attachments", rowID, "file")+"/"+escapePath(filename), content)
}

func (c *Client) getFile(ctx context.Context, u string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", u, err)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", odksync.ErrNetworkFailure, u, err)
	}
	if etag := resp.Header.Get("ETag"); etag != "" && etag != odktables.MD5Hash(content) {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", odksync.ErrNetworkFailure, u)
	}
	return content, nil
}

func (c *Client) putFile(ctx context.Context, u string, content []byte) error {
	resp, err := c.do(ctx, http.MethodPut, u, bytes.NewReader(content), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", u, err)
	}
	defer resp.Body.Close()
	var fe odktables.FileEntry
	if err := json.NewDecoder(resp.Body).Decode(&fe); err != nil {
		return fmt.Errorf("failed to decode upload response: %w", err)
	}
	if fe.MD5Hash != "" && fe.MD5Hash != odktables.MD5Hash(content) {
		return fmt.Errorf("%w: server stored different content for %s", odksync.ErrNetworkFailure, u)
	}
	return nil
}

// appURL joins escaped path segments under /odktables/{app}.
func (c *Client) appURL(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.config.BaseURL)
	b.WriteString("/odktables/")
	b.WriteString(url.PathEscape(c.config.AppName))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func (c *Client) doJSON(ctx context.Context, method, u string, query url.Values, in, out any) error {
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	contentType := ""
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, u, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends the request and returns the response for 2xx statuses. Failures
// are classified for odksync: rejected credentials as ErrAuthFailure,
// transport errors and server faults as ErrNetworkFailure.
func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Get JWT token
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get JWT token: %v", odksync.ErrAuthFailure, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to send HTTP request: %v", odksync.ErrNetworkFailure, err)
	}
	c.logger.Debug("HTTP request", "method", method, "url", u, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, newAPIError(resp)
}

func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var er odktables.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		apiErr.Code, apiErr.Message = er.Error, er.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		apiErr.kind = odksync.ErrAuthFailure
	case apiErr.Code == odktables.CodeTableNotFound:
		apiErr.kind = odktables.ErrTableNotFound
	case apiErr.Code == odktables.CodeFileNotFound:
		apiErr.kind = odktables.ErrFileNotFound
	case apiErr.Code == odktables.CodeSchemaMismatch:
		apiErr.kind = odktables.ErrSchemaMismatch
	case apiErr.Code == odktables.CodeDefinitionConflict:
		apiErr.kind = odktables.ErrDefinitionConflict
	case resp.StatusCode == http.StatusNotFound:
		apiErr.kind = odkdata.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		apiErr.kind = odksync.ErrNetworkFailure
	}
	return apiErr
}

// IsAuthError reports whether err means the server rejected the credentials.
func IsAuthError(err error) bool {
	return errors.Is(err, odksync.ErrAuthFailure)
}
