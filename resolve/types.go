// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"github.com/moychal/odkVaccine/odkdata"
)

// ConcordantColumn is a retained column whose two versions need no decision.
type ConcordantColumn struct {
	Position     int
	DisplayName  string
	ElementKey   string
	DisplayValue string
}

// ConflictColumn is a retained column whose two versions differ. For a
// checkpoint diff, Local is the newest checkpoint and Server the oldest
// version of the chain.
type ConflictColumn struct {
	Position      int
	DisplayName   string
	ElementKey    string
	LocalValue    odkdata.Value
	LocalDisplay  string
	ServerValue   odkdata.Value
	ServerDisplay string
}

// ResolveActionList is the column-by-column comparison of two versions of a row.
type ResolveActionList struct {
	// LocalConflictType and ServerConflictType are set for conflict diffs only.
	LocalConflictType  odkdata.ConflictType
	ServerConflictType odkdata.ConflictType
	Checkpoint         bool

	Concordant []ConcordantColumn
	Conflicts  []ConflictColumn
}

// NoChangesInUserDefinedFieldValues reports whether every retained column agrees.
func (l *ResolveActionList) NoChangesInUserDefinedFieldValues() bool {
	return len(l.Conflicts) == 0
}

// IsDeleteConflict reports whether either side of a conflict pair is a delete.
func (l *ResolveActionList) IsDeleteConflict() bool {
	return !l.Checkpoint && (l.LocalConflictType.IsDelete() || l.ServerConflictType.IsDelete())
}

// ResolveRowEntry is one row offered for resolution.
type ResolveRowEntry struct {
	RowID string
	Label string
}

// Side selects one version of a conflicting row.
type Side int

const (
	SideLocal Side = iota
	SideServer
)

type resolutionMode int

const (
	modeTakeLocal resolutionMode = iota
	modeTakeServer
	modeMerge
)

// Resolution is how a conflict pair collapses into a single row.
type Resolution struct {
	mode    resolutionMode
	choices map[string]Side
}

func TakeLocal() Resolution  { return Resolution{mode: modeTakeLocal} }
func TakeServer() Resolution { return Resolution{mode: modeTakeServer} }

// Merge starts from the local version and takes the chosen side for every
// listed element key. Conflicting columns not listed keep the local value.
func Merge(choices map[string]Side) Resolution {
	c := make(map[string]Side, len(choices))
	for k, v := range choices {
		c[k] = v
	}
	return Resolution{mode: modeMerge, choices: c}
}

func (r Resolution) String() string {
	switch r.mode {
	case modeTakeLocal:
		return "take_local"
	case modeTakeServer:
		return "take_server"
	default:
		return "merge"
	}
}

// ProgressFunc receives human-readable progress of batch operations.
type ProgressFunc func(message string)
