// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"time"
)

// Operations and stages reported to a StageMetricsRecorder.
const (
	MetricsOpPull   = "pull"
	MetricsOpPush   = "push"
	MetricsOpSchema = "schema"
	MetricsOpFiles  = "files"

	MetricsStageTotal     = "total"
	MetricsStagePullFetch = "fetch"
	MetricsStagePushApply = "apply"
)

// StageTiming is one timed stage of a request against one table. TableID is
// empty for app-level files.
type StageTiming struct {
	Operation string
	Stage     string
	AppName   string
	TableID   string
	Duration  time.Duration
	Rows      int // rows fetched or pushed; 1 for schema and file operations
	Conflicts int // pushed rows that came back IN_CONFLICT
	Attempt   int // transaction attempt that finished the stage
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

type stageClock struct {
	timing StageTiming
	start  time.Time
}

// startStage starts timing a stage. The clock is nil, and reports nothing,
// unless a recorder or timing logs are configured.
func (s *SyncService) startStage(op, stage, appName, tableID string) *stageClock {
	if s == nil || s.config == nil || (s.config.StageMetrics == nil && !s.config.LogStageTimings) {
		return nil
	}
	return &stageClock{
		timing: StageTiming{Operation: op, Stage: stage, AppName: appName, TableID: tableID, Rows: 1, Attempt: 1},
		start:  time.Now(),
	}
}

// observe stops the clock and reports the stage.
func (s *SyncService) observe(ctx context.Context, clock *stageClock, err error) {
	if clock == nil {
		return
	}
	timing := clock.timing
	timing.Duration = time.Since(clock.start)
	timing.Error = err != nil

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"app", timing.AppName,
			"table_id", timing.TableID,
			"duration", timing.Duration,
			"rows", timing.Rows,
			"conflicts", timing.Conflicts,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
