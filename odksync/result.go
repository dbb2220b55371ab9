// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"sort"
	"sync"
	"time"
)

// TableResult accumulates the outcome of one table during a run.
type TableResult struct {
	TableID     string
	Status      Status
	Message     string
	Pulled      int
	Pushed      int
	Conflicts   int
	Attachments int
	Elapsed     time.Duration
}

// setStatus records the first non-success status; later ones keep the
// original cause.
func (tr *TableResult) setStatus(st Status, msg string) {
	if tr.Status != StatusSuccess && tr.Status != "" {
		return
	}
	tr.Status = st
	tr.Message = msg
}

// SynchronizationResult is the outcome of one run. It is created at the start
// of the run and safe to read from another goroutine.
type SynchronizationResult struct {
	AppLevelStatus  Status
	AppLevelMessage string

	mu     sync.Mutex
	tables map[string]*TableResult
}

func newSynchronizationResult() *SynchronizationResult {
	return &SynchronizationResult{AppLevelStatus: StatusSuccess, tables: map[string]*TableResult{}}
}

func (r *SynchronizationResult) setAppLevelStatus(st Status, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AppLevelStatus != StatusSuccess {
		return
	}
	r.AppLevelStatus = st
	r.AppLevelMessage = msg
}

// table returns the result of tableID, creating it with status SUCCESS.
func (r *SynchronizationResult) table(tableID string) *TableResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.tables[tableID]
	if !ok {
		tr = &TableResult{TableID: tableID, Status: StatusSuccess}
		r.tables[tableID] = tr
	}
	return tr
}

// Tables returns copies of the table results ordered by table id.
func (r *SynchronizationResult) Tables() []TableResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TableResult, 0, len(r.tables))
	for _, tr := range r.tables {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}

// Table returns a copy of one table's result.
func (r *SynchronizationResult) Table(tableID string) (TableResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.tables[tableID]
	if !ok {
		return TableResult{}, false
	}
	return *tr, true
}
