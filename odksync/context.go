// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/moychal/odkVaccine/odkdb"
)

// OverallProgressBarLength is the resolution of the progress bar. It divides
// evenly by every step count a run is likely to use.
const OverallProgressBarLength = 6350400

// ExecutionContext is the state shared by the phases of one run: the store
// handle, the remote, the result being built and the progress position.
type ExecutionContext struct {
	AppName  string
	Remote   Remote
	FS       billy.Filesystem
	Result   *SynchronizationResult
	config   *Config
	logger   *slog.Logger
	opener   odkdb.Opener
	notifier Notifier

	connMu   sync.Mutex
	conn     odkdb.Conn
	refCount int

	progressMu    sync.Mutex
	stepBase      int
	nMajorSteps   int
	iMajorStep    int
	grainsPerStep int
	lastPosition  int
}

func newExecutionContext(appName string, opener odkdb.Opener, remote Remote, fs billy.Filesystem, notifier Notifier, config *Config, logger *slog.Logger) *ExecutionContext {
	ec := &ExecutionContext{
		AppName:  appName,
		Remote:   remote,
		FS:       fs,
		Result:   newSynchronizationResult(),
		config:   config,
		logger:   logger,
		opener:   opener,
		notifier: notifier,
	}
	ec.ResetMajorSyncSteps(1)
	return ec
}

// AcquireConn returns the shared store handle, opening it on first use.
// Every call must be paired with ReleaseConn.
func (ec *ExecutionContext) AcquireConn(ctx context.Context) (odkdb.Conn, error) {
	ec.connMu.Lock()
	defer ec.connMu.Unlock()
	if ec.conn == nil {
		conn, err := ec.opener.OpenConn(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open store handle: %w", err)
		}
		ec.conn = conn
		ec.logger.Debug("Store handle opened", "handle", conn.Name())
	}
	ec.refCount++
	return ec.conn, nil
}

// ReleaseConn drops one reference; the handle is closed with the last one.
func (ec *ExecutionContext) ReleaseConn() {
	ec.connMu.Lock()
	defer ec.connMu.Unlock()
	if ec.refCount == 0 {
		return
	}
	ec.refCount--
	if ec.refCount == 0 && ec.conn != nil {
		if err := ec.conn.Close(); err != nil {
			ec.logger.Warn("Failed to close store handle", "handle", ec.conn.Name(), "error", err)
		}
		ec.conn = nil
	}
}

// IsCancelled reports whether the run should stop.
func (ec *ExecutionContext) IsCancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// ResetMajorSyncSteps splits the part of the progress bar not yet reported
// into n major steps and makes the first of them current.
func (ec *ExecutionContext) ResetMajorSyncSteps(n int) {
	if n < 1 {
		n = 1
	}
	ec.progressMu.Lock()
	defer ec.progressMu.Unlock()
	ec.stepBase = ec.lastPosition
	ec.nMajorSteps = n
	ec.iMajorStep = 0
	ec.grainsPerStep = (OverallProgressBarLength - ec.stepBase) / n
}

// IncMajorSyncStep advances to the next major step, never past the last.
func (ec *ExecutionContext) IncMajorSyncStep() {
	ec.progressMu.Lock()
	defer ec.progressMu.Unlock()
	ec.iMajorStep++
	if ec.iMajorStep >= ec.nMajorSteps {
		ec.iMajorStep = ec.nMajorSteps - 1
	}
}

// UpdateProgress reports percentWithinStep of the current major step. The
// reported overall percent never moves backwards.
func (ec *ExecutionContext) UpdateProgress(state ProgressState, message string, percentWithinStep float64) {
	ec.progressMu.Lock()
	pos := ec.stepBase + ec.iMajorStep*ec.grainsPerStep + int(percentWithinStep*float64(ec.grainsPerStep)/100.0)
	if pos > OverallProgressBarLength {
		pos = OverallProgressBarLength
	}
	if pos < ec.lastPosition {
		pos = ec.lastPosition
	}
	ec.lastPosition = pos
	ec.progressMu.Unlock()

	if ec.notifier != nil {
		ec.notifier.UpdateProgress(state, message, float64(pos)*100.0/OverallProgressBarLength)
	}
}

// finishProgress moves the bar to 100%.
func (ec *ExecutionContext) finishProgress(state ProgressState, message string) {
	ec.progressMu.Lock()
	ec.lastPosition = OverallProgressBarLength
	ec.progressMu.Unlock()
	if ec.notifier != nil {
		ec.notifier.UpdateProgress(state, message, 100)
	}
}

// callRemote runs fn, retrying network failures with a doubling backoff.
func callRemote[T any](ctx context.Context, ec *ExecutionContext, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ec.config.BackoffMin
	b.MaxInterval = ec.config.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(ec.config.MaxRemoteAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		out, err := fn(ctx)
		if err != nil && !errors.Is(err, ErrNetworkFailure) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, policy, func(err error, wait time.Duration) {
		ec.logger.Warn("Remote call failed, retrying", "op", op, "attempt", attempt, "backoff", wait, "error", err)
	})
}

// callRemoteErr is callRemote for calls without a result.
func callRemoteErr(ctx context.Context, ec *ExecutionContext, op string, fn func(context.Context) error) error {
	_, err := callRemote(ctx, ec, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
