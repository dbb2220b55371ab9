// Package odksync drives one synchronization run of an application against a
// remote table sync service: app-level files and table schemas first, then
// row data and attachments per table.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"context"
	"errors"
	"fmt"

	"github.com/moychal/odkVaccine/odktables"
)

var (
	// ErrAuthFailure is returned by a Remote when the credentials are rejected.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrNetworkFailure is returned by a Remote for transport errors and server faults.
	ErrNetworkFailure = errors.New("network failure")
	// ErrSyncInProgress is returned when a run is already active for the app.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Status is the outcome of the app-level phase or of one table.
type Status string

const (
	StatusSuccess                   Status = "SUCCESS"
	StatusFailure                   Status = "FAILURE"
	StatusException                 Status = "EXCEPTION"
	StatusNetworkException          Status = "NETWORK_EXCEPTION"
	StatusAuthException             Status = "AUTH_EXCEPTION"
	StatusRequestException          Status = "REQUEST_EXCEPTION"
	StatusServerInternalError       Status = "SERVER_INTERNAL_ERROR"
	StatusTableDoesNotExistOnServer Status = "TABLE_DOES_NOT_EXIST_ON_SERVER"
	StatusTableContainsCheckpoints  Status = "TABLE_CONTAINS_CHECKPOINTS"
	StatusTableContainsConflicts    Status = "TABLE_CONTAINS_CONFLICTS"
	StatusTablePendingAttachments   Status = "TABLE_PENDING_ATTACHMENTS"
	StatusTableRequiresAppLevelSync Status = "TABLE_REQUIRES_APP_LEVEL_SYNC"
)

// needsUserAction reports whether the status asks for conflict or checkpoint
// resolution rather than signalling a failure.
func (s Status) needsUserAction() bool {
	switch s {
	case StatusTableContainsCheckpoints, StatusTableContainsConflicts, StatusTableRequiresAppLevelSync:
		return true
	}
	return false
}

// SyncOverallStatus is the terminal state of a run as surfaced to the user.
type SyncOverallStatus string

const (
	SyncInit                       SyncOverallStatus = "INIT"
	SyncSyncing                    SyncOverallStatus = "SYNCING"
	SyncNetworkError               SyncOverallStatus = "NETWORK_ERROR"
	SyncAuthResolution             SyncOverallStatus = "AUTH_RESOLUTION"
	SyncConflictResolution         SyncOverallStatus = "CONFLICT_RESOLUTION"
	SyncComplete                   SyncOverallStatus = "SYNC_COMPLETE"
	SyncCompletePendingAttachments SyncOverallStatus = "SYNC_COMPLETE_PENDING_ATTACHMENTS"
)

// ProgressState is the phase reported with each progress notification.
type ProgressState string

const (
	ProgressStarting    ProgressState = "STARTING"
	ProgressAppFiles    ProgressState = "APP_FILES"
	ProgressTableSchema ProgressState = "TABLE_SCHEMA"
	ProgressRows        ProgressState = "ROWS"
	ProgressAttachments ProgressState = "ATTACHMENTS"
	ProgressFinished    ProgressState = "FINISHED"
	ProgressError       ProgressState = "ERROR"
)

// statusFromError classifies a failed remote or store operation.
func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrAuthFailure):
		return StatusAuthException
	case errors.Is(err, ErrNetworkFailure), errors.Is(err, context.DeadlineExceeded):
		return StatusNetworkException
	case errors.Is(err, odktables.ErrTableNotFound):
		return StatusTableDoesNotExistOnServer
	case errors.Is(err, odktables.ErrSchemaMismatch):
		return StatusTableRequiresAppLevelSync
	}
	return StatusException
}

// aggregate folds the app-level and table statuses into the overall status.
// Authentication problems win, then failures, then pending user action,
// then pending attachments.
func aggregate(result *SynchronizationResult) (SyncOverallStatus, string) {
	if result.AppLevelStatus != StatusSuccess {
		if result.AppLevelStatus == StatusAuthException {
			return SyncAuthResolution, "app-level sync: " + result.AppLevelMessage
		}
		return SyncNetworkError, "app-level sync: " + result.AppLevelMessage
	}

	var (
		auth, failed, userAction bool
		pendingAttachments       int
		reason                   string
	)
	for _, tr := range result.Tables() {
		switch {
		case tr.Status == StatusSuccess:
		case tr.Status == StatusAuthException:
			auth = true
		case tr.Status == StatusTablePendingAttachments:
			pendingAttachments++
		case tr.Status.needsUserAction():
			userAction = true
		default:
			failed = true
			if reason == "" {
				reason = fmt.Sprintf("table %s: %s", tr.TableID, tr.Status)
			}
		}
	}
	switch {
	case auth:
		return SyncAuthResolution, "account re-authorization required"
	case failed:
		return SyncNetworkError, reason
	case userAction:
		return SyncConflictResolution, "conflicts exist, please resolve"
	case pendingAttachments > 0:
		return SyncCompletePendingAttachments, fmt.Sprintf("%d table(s) have pending attachments", pendingAttachments)
	}
	return SyncComplete, ""
}
