// Package odktables holds the REST wire models of the table sync API and a
// reference server implementing it on PostgreSQL.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"github.com/moychal/odkVaccine/odkdata"
)

// REST/JSON models for HTTP API requests and responses

// TableResource describes one table known to the server.
type TableResource struct {
	TableID    string `json:"tableId"`
	SchemaETag string `json:"schemaETag"`
	DataETag   string `json:"dataETag,omitempty"` // empty until the first row change
}

// TableResourceList is the response to a table listing.
type TableResourceList struct {
	Tables               []TableResource `json:"tables"`
	AppLevelManifestETag string          `json:"appLevelManifestETag,omitempty"`
}

// TableDefinitionResource is a table's column forest and properties.
type TableDefinitionResource struct {
	TableID    string                       `json:"tableId"`
	SchemaETag string                       `json:"schemaETag,omitempty"` // assigned by the server
	Columns    []odkdata.Column             `json:"orderedColumns"`
	Properties []odkdata.KeyValueStoreEntry `json:"properties,omitempty"`
}

// DataKeyValue is one retained column value; a nil Value is SQL NULL.
type DataKeyValue struct {
	Column string  `json:"column"`
	Value  *string `json:"value"`
}

// FilterScope is the row-level access filter carried with every row.
type FilterScope struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// RowResource is the wire form of one logical row.
type RowResource struct {
	RowID                  string         `json:"id"`
	RowETag                string         `json:"rowETag,omitempty"`
	DataETagAtModification string         `json:"dataETagAtModification,omitempty"`
	Deleted                bool           `json:"deleted"`
	CreateUser             string         `json:"createUser,omitempty"`
	LastUpdateUser         string         `json:"lastUpdateUser,omitempty"`
	FilterScope            FilterScope    `json:"filterScope"`
	FormID                 string         `json:"formId,omitempty"`
	Locale                 string         `json:"locale,omitempty"`
	SavepointType          string         `json:"savepointType,omitempty"`
	SavepointTimestamp     string         `json:"savepointTimestamp,omitempty"`
	SavepointCreator       string         `json:"savepointCreator,omitempty"`
	Values                 []DataKeyValue `json:"orderedColumns"`
}

// RowResourceList is one page of changed rows.
type RowResourceList struct {
	TableID             string        `json:"tableId"`
	SchemaETag          string        `json:"schemaETag"`
	DataETag            string        `json:"dataETag"`
	Rows                []RowResource `json:"rows"`
	WebSafeResumeCursor string        `json:"webSafeResumeCursor,omitempty"`
	HasMoreResults      bool          `json:"hasMoreResults"`
}

// RowList is a batch of row changes pushed by a client.
type RowList struct {
	DataETag string        `json:"dataETag,omitempty"`
	Rows     []RowResource `json:"rows"`
}

// RowOutcome is the server's verdict on one pushed row. For IN_CONFLICT the
// embedded row is the server's current version.
type RowOutcome struct {
	RowResource
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// RowOutcomeList is the response to a row push.
type RowOutcomeList struct {
	DataETag string       `json:"dataETag"`
	Rows     []RowOutcome `json:"rows"`
}

// FileEntry describes one stored file.
type FileEntry struct {
	Filename      string `json:"filename"`
	MD5Hash       string `json:"md5hash"`
	ContentLength int64  `json:"contentLength"`
}

// FileManifest lists files of the app, or of one row's attachments.
type FileManifest struct {
	Files []FileEntry `json:"files"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
