// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

// Outcome constants for pushed rows
const (
	OutcomeSuccess    = "SUCCESS"
	OutcomeInConflict = "IN_CONFLICT"
	OutcomeDenied     = "DENIED"
	OutcomeFailed     = "FAILED"
)

// Error codes written in ErrorResponse.Error
const (
	CodeInvalidRequest       = "invalid_request"
	CodeAuthenticationFailed = "authentication_failed"
	CodeTableNotFound        = "table_not_found"
	CodeFileNotFound         = "file_not_found"
	CodeSchemaMismatch       = "schema_mismatch"
	CodeDefinitionConflict   = "definition_conflict"
	CodeInternal             = "internal_error"
)

// Default paging limits
const (
	DefaultFetchLimit = 1000
	MaxFetchLimit     = 2000
)
