// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/moychal/odkVaccine/odkdb"
)

// appLevelShare is the number of major steps of the bar that the whole
// progress is first divided into; the app-level phase owns the first one.
const appLevelShare = 10

// Options configures an AppSynchronizer.
type Options struct {
	Opener      odkdb.Opener
	Remote      Remote
	Credentials Credentials      // optional
	Notifier    Notifier         // optional
	FS          billy.Filesystem // app folder; nil skips app files and attachments
	Config      *Config          // nil uses DefaultConfig
	Logger      *slog.Logger     // nil uses slog.Default
}

// AppSynchronizer runs synchronizations of one application, at most one at a
// time.
type AppSynchronizer struct {
	opts   Options
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	status  SyncOverallStatus
	message string
	result  *SynchronizationResult
}

// NewAppSynchronizer creates a synchronizer for the app the opener serves.
func NewAppSynchronizer(opts Options) (*AppSynchronizer, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("opener cannot be nil")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &AppSynchronizer{
		opts:   opts,
		config: opts.Config.withDefaults(),
		logger: logger.With("app", opts.Opener.AppName()),
		done:   done,
		status: SyncInit,
	}, nil
}

// Synchronize starts a run in the background. It returns false, and starts
// nothing, when a run is already active.
func (s *AppSynchronizer) Synchronize(ctx context.Context, push, deferAttachments bool) bool {
	if !s.begin() {
		return false
	}
	go s.run(ctx, push, deferAttachments)
	return true
}

// Run performs a run and waits for it. It fails with ErrSyncInProgress when
// another run is active.
func (s *AppSynchronizer) Run(ctx context.Context, push, deferAttachments bool) (*SynchronizationResult, error) {
	if !s.begin() {
		return nil, ErrSyncInProgress
	}
	return s.run(ctx, push, deferAttachments), nil
}

// Wait blocks until the active run, if any, has finished.
func (s *AppSynchronizer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
}

// Status returns the overall status and its message. It is SYNCING while a
// run is active and the outcome of the last run otherwise.
func (s *AppSynchronizer) Status() (SyncOverallStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.message
}

// Result returns the result of the last finished run, or nil before any.
func (s *AppSynchronizer) Result() *SynchronizationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *AppSynchronizer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.done = make(chan struct{})
	s.status, s.message = SyncSyncing, ""
	return true
}

func (s *AppSynchronizer) run(ctx context.Context, push, deferAttachments bool) *SynchronizationResult {
	appName := s.opts.Opener.AppName()
	ec := newExecutionContext(appName, s.opts.Opener, s.opts.Remote, s.opts.FS, s.opts.Notifier, s.config, s.logger)
	s.logger.Info("Synchronization started", "push", push, "defer_attachments", deferAttachments)
	ec.UpdateProgress(ProgressStarting, "starting synchronization", 0)

	// Holding a reference for the whole run keeps one store handle open
	// across both phases.
	if _, err := ec.AcquireConn(ctx); err != nil {
		ec.Result.setAppLevelStatus(statusFromError(err), err.Error())
	} else {
		ec.ResetMajorSyncSteps(appLevelShare)
		tables := (&appAndTableLevelProcessor{ec: ec}).Run(ctx, push)
		if ec.Result.AppLevelStatus == StatusSuccess && len(tables) > 0 {
			ec.IncMajorSyncStep()
			ec.ResetMajorSyncSteps(len(tables))
			(&rowDataProcessor{ec: ec}).Run(ctx, tables, deferAttachments)
		}
		ec.ReleaseConn()
	}

	status, message := aggregate(ec.Result)
	if status == SyncAuthResolution && s.opts.Credentials != nil {
		s.logger.Warn("Server rejected credentials, invalidating token")
		s.opts.Credentials.InvalidateAuthToken(appName)
	}
	if status == SyncComplete || status == SyncCompletePendingAttachments {
		ec.finishProgress(ProgressFinished, "synchronization complete")
	} else {
		ec.finishProgress(ProgressError, message)
	}
	s.logger.Info("Synchronization finished", "status", status, "message", message)

	s.mu.Lock()
	s.running = false
	s.status, s.message = status, message
	s.result = ec.Result
	close(s.done)
	s.mu.Unlock()
	return ec.Result
}
