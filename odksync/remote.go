// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"context"

	"github.com/moychal/odkVaccine/odktables"
)

// Remote is the table sync service a run talks to. Implementations wrap
// rejected credentials in ErrAuthFailure and transport errors or server
// faults in ErrNetworkFailure; a table the server does not know is
// odktables.ErrTableNotFound.
type Remote interface {
	ListTables(ctx context.Context) (*odktables.TableResourceList, error)
	PullSchema(ctx context.Context, tableID string) (*odktables.TableDefinitionResource, error)
	PushSchema(ctx context.Context, def *odktables.TableDefinitionResource) (*odktables.TableResource, error)

	PullRows(ctx context.Context, tableID, schemaETag, sinceETag, cursor string, limit int) (*odktables.RowResourceList, error)
	PushRows(ctx context.Context, tableID, schemaETag string, rows *odktables.RowList) (*odktables.RowOutcomeList, error)

	GetAppManifest(ctx context.Context) (*odktables.FileManifest, error)
	GetAppFile(ctx context.Context, filename string) ([]byte, error)
	PutAppFile(ctx context.Context, filename string, content []byte) error

	GetRowManifest(ctx context.Context, tableID, rowID string) (*odktables.FileManifest, error)
	GetRowFile(ctx context.Context, tableID, rowID, filename string) ([]byte, error)
	PutRowFile(ctx context.Context, tableID, rowID, filename string, content []byte) error
}

// Notifier receives progress of a run. Percent never decreases within a run.
type Notifier interface {
	UpdateProgress(state ProgressState, message string, percent float64)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(state ProgressState, message string, percent float64)

func (f NotifierFunc) UpdateProgress(state ProgressState, message string, percent float64) {
	f(state, message, percent)
}

// Credentials is told when the server rejected the cached credential.
type Credentials interface {
	InvalidateAuthToken(appName string)
}
