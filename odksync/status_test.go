package odksync

import (
	"context"
	"fmt"
	"testing"

	"github.com/moychal/odkVaccine/odktables"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		appLevel Status
		tables   map[string]Status
		want     SyncOverallStatus
	}{
		{name: "empty", appLevel: StatusSuccess, want: SyncComplete},
		{name: "all success", appLevel: StatusSuccess, tables: map[string]Status{"a": StatusSuccess, "b": StatusSuccess}, want: SyncComplete},
		{name: "app auth", appLevel: StatusAuthException, want: SyncAuthResolution},
		{name: "app network", appLevel: StatusNetworkException, want: SyncNetworkError},
		{name: "app exception", appLevel: StatusException, want: SyncNetworkError},
		{name: "checkpoints", appLevel: StatusSuccess, tables: map[string]Status{"a": StatusTableContainsCheckpoints}, want: SyncConflictResolution},
		{name: "conflicts", appLevel: StatusSuccess, tables: map[string]Status{"a": StatusTableContainsConflicts}, want: SyncConflictResolution},
		{name: "schema", appLevel: StatusSuccess, tables: map[string]Status{"a": StatusTableRequiresAppLevelSync}, want: SyncConflictResolution},
		{name: "attachments", appLevel: StatusSuccess, tables: map[string]Status{"a": StatusTablePendingAttachments}, want: SyncCompletePendingAttachments},
		{
			name:     "auth beats failures",
			appLevel: StatusSuccess,
			tables:   map[string]Status{"a": StatusFailure, "b": StatusAuthException, "c": StatusTableContainsConflicts},
			want:     SyncAuthResolution,
		},
		{
			name:     "failure beats conflicts",
			appLevel: StatusSuccess,
			tables:   map[string]Status{"a": StatusTableContainsConflicts, "b": StatusNetworkException},
			want:     SyncNetworkError,
		},
		{
			name:     "conflicts beat attachments",
			appLevel: StatusSuccess,
			tables:   map[string]Status{"a": StatusTablePendingAttachments, "b": StatusTableContainsCheckpoints},
			want:     SyncConflictResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newSynchronizationResult()
			r.setAppLevelStatus(tt.appLevel, "app level")
			for id, st := range tt.tables {
				r.table(id).setStatus(st, "msg")
			}
			got, _ := aggregate(r)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusSuccess},
		{fmt.Errorf("x: %w", ErrAuthFailure), StatusAuthException},
		{fmt.Errorf("x: %w", ErrNetworkFailure), StatusNetworkException},
		{context.DeadlineExceeded, StatusNetworkException},
		{fmt.Errorf("x: %w", odktables.ErrTableNotFound), StatusTableDoesNotExistOnServer},
		{odktables.ErrSchemaMismatch, StatusTableRequiresAppLevelSync},
		{fmt.Errorf("disk full"), StatusException},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFromError(tt.err), "%v", tt.err)
	}
}

func TestTableResult_FirstFailureWins(t *testing.T) {
	r := newSynchronizationResult()
	tr := r.table("a")
	tr.setStatus(StatusTableContainsConflicts, "first")
	tr.setStatus(StatusFailure, "second")

	got, ok := r.Table("a")
	require.True(t, ok)
	require.Equal(t, StatusTableContainsConflicts, got.Status)
	require.Equal(t, "first", got.Message)

	r.setAppLevelStatus(StatusNetworkException, "down")
	r.setAppLevelStatus(StatusAuthException, "later")
	require.Equal(t, StatusNetworkException, r.AppLevelStatus)
}

func TestExecutionContext_Progress(t *testing.T) {
	rec := &progressRecorder{}
	ec := newExecutionContext("default", nil, nil, nil, rec, DefaultConfig(), nil)

	ec.ResetMajorSyncSteps(4)
	ec.UpdateProgress(ProgressRows, "", 50)
	ec.IncMajorSyncStep()
	ec.UpdateProgress(ProgressRows, "", 0)
	ec.UpdateProgress(ProgressRows, "", 10)
	// The rest of the bar is split in two; the position does not move back.
	ec.ResetMajorSyncSteps(2)
	ec.UpdateProgress(ProgressRows, "", 0)
	ec.UpdateProgress(ProgressRows, "", 100)
	ec.finishProgress(ProgressFinished, "")

	require.InDelta(t, 12.5, rec.percent[0], 0.001)
	require.InDelta(t, 25.0, rec.percent[1], 0.001)
	require.InDelta(t, 27.5, rec.percent[2], 0.001)
	require.InDelta(t, 27.5, rec.percent[3], 0.001)
	require.InDelta(t, 63.75, rec.percent[4], 0.001)
	require.Equal(t, 100.0, rec.percent[5])
}
