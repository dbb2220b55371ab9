// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import (
	"fmt"
	"sync"
	"time"
)

// Administrative columns present on every user table.
const (
	ColID                 = "_id"
	ColRowETag            = "_row_etag"
	ColSyncState          = "_sync_state"
	ColConflictType       = "_conflict_type"
	ColFilterType         = "_filter_type"
	ColFilterValue        = "_filter_value"
	ColFormID             = "_form_id"
	ColLocale             = "_locale"
	ColSavepointType      = "_savepoint_type"
	ColSavepointTimestamp = "_savepoint_timestamp"
	ColSavepointCreator   = "_savepoint_creator"
)

// Defaults applied to rows that arrive without the corresponding metadata.
const (
	DefaultLocale  = "default"
	DefaultCreator = "anonymous"
)

var adminColumns = []string{
	ColID,
	ColRowETag,
	ColSyncState,
	ColConflictType,
	ColFilterType,
	ColFilterValue,
	ColFormID,
	ColLocale,
	ColSavepointType,
	ColSavepointTimestamp,
	ColSavepointCreator,
}

var exportColumns = []string{
	ColID,
	ColFormID,
	ColLocale,
	ColSavepointType,
	ColSavepointTimestamp,
	ColSavepointCreator,
	ColRowETag,
	ColFilterType,
	ColFilterValue,
}

var adminColumnSet = func() map[string]bool {
	m := make(map[string]bool, len(adminColumns))
	for _, c := range adminColumns {
		m[c] = true
	}
	return m
}()

// AdminColumns returns every administrative column in physical order.
func AdminColumns() []string {
	out := make([]string, len(adminColumns))
	copy(out, adminColumns)
	return out
}

// ExportColumns returns the administrative columns written to CSV, in file order.
// Sync state and conflict type are local bookkeeping and are never exported.
func ExportColumns() []string {
	out := make([]string, len(exportColumns))
	copy(out, exportColumns)
	return out
}

// IsAdminColumn reports whether name is an administrative column.
func IsAdminColumn(name string) bool {
	return adminColumnSet[name]
}

// SyncState tracks a physical row's position in the sync lifecycle.
type SyncState string

const (
	SyncStateNewRow             SyncState = "new_row"
	SyncStateChanged            SyncState = "changed"
	SyncStateSynced             SyncState = "synced"
	SyncStateSyncedPendingFiles SyncState = "synced_pending_files"
	SyncStateInConflict         SyncState = "in_conflict"
	SyncStateDeleted            SyncState = "deleted"
)

// ParseSyncState validates s.
func ParseSyncState(s string) (SyncState, error) {
	switch st := SyncState(s); st {
	case SyncStateNewRow, SyncStateChanged, SyncStateSynced,
		SyncStateSyncedPendingFiles, SyncStateInConflict, SyncStateDeleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown sync state %q", s)
}

// IsSynced reports whether the row matches the server copy (files may still be pending).
func (s SyncState) IsSynced() bool {
	return s == SyncStateSynced || s == SyncStateSyncedPendingFiles
}

// NeedsPush reports whether the row carries local changes the server has not seen.
func (s SyncState) NeedsPush() bool {
	return s == SyncStateNewRow || s == SyncStateChanged || s == SyncStateDeleted
}

// ConflictType tags the two physical rows of a conflict pair. Local values sort
// before server values so ordering by type yields (local, server).
type ConflictType int

const (
	LocalDeletedOldValues      ConflictType = 0
	LocalUpdatedUpdatedValues  ConflictType = 1
	ServerDeletedOldValues     ConflictType = 2
	ServerUpdatedUpdatedValues ConflictType = 3
)

// IsLocal reports whether the tag marks the locally edited side.
func (c ConflictType) IsLocal() bool {
	return c == LocalDeletedOldValues || c == LocalUpdatedUpdatedValues
}

// IsDelete reports whether this side of the pair is a deletion.
func (c ConflictType) IsDelete() bool {
	return c == LocalDeletedOldValues || c == ServerDeletedOldValues
}

func (c ConflictType) String() string {
	switch c {
	case LocalDeletedOldValues:
		return "LOCAL_DELETED_OLD_VALUES"
	case LocalUpdatedUpdatedValues:
		return "LOCAL_UPDATED_UPDATED_VALUES"
	case ServerDeletedOldValues:
		return "SERVER_DELETED_OLD_VALUES"
	case ServerUpdatedUpdatedValues:
		return "SERVER_UPDATED_UPDATED_VALUES"
	}
	return fmt.Sprintf("ConflictType(%d)", int(c))
}

// SavepointType marks a finalized save. A row whose savepoint type is NULL is a checkpoint.
type SavepointType string

const (
	SavepointComplete   SavepointType = "COMPLETE"
	SavepointIncomplete SavepointType = "INCOMPLETE"
)

const nanoTimestampLayout = "2006-01-02T15:04:05.000000000"

var (
	tsMu   sync.Mutex
	tsLast time.Time
)

// NanoTimestamp returns a savepoint timestamp for the current instant. Values
// are strictly increasing within the process so checkpoints order deterministically.
func NanoTimestamp() string {
	tsMu.Lock()
	defer tsMu.Unlock()
	now := time.Now().UTC()
	if !now.After(tsLast) {
		now = tsLast.Add(time.Nanosecond)
	}
	tsLast = now
	return now.Format(nanoTimestampLayout)
}

// NanoTimestampFromMillis formats a millisecond epoch as a savepoint timestamp.
func NanoTimestampFromMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(nanoTimestampLayout)
}

// ParseNanoTimestamp parses a savepoint timestamp.
func ParseNanoTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(nanoTimestampLayout, s, time.UTC)
}
