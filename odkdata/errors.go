// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import "errors"

var (
	// ErrInvalidSchema marks a malformed column graph. Table creation must abort.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrNotFound is returned when an element key, table or row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIntegrityFault marks persisted state that violates the row model
	// (wrong conflict row count, missing sync state). It is never auto-repaired.
	ErrIntegrityFault = errors.New("data integrity fault")
	// ErrStore wraps failures of the local store that require replacing the handle.
	ErrStore = errors.New("store failure")
)
