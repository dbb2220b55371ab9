// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

// rowSuccess echoes the pushed row with the ETags it was stored under.
func rowSuccess(in RowResource, rowETag, dataETag string) RowOutcome {
	in.RowETag = rowETag
	in.DataETagAtModification = dataETag
	return RowOutcome{RowResource: in, Outcome: OutcomeSuccess}
}

// rowConflict carries the server's current version of the row.
func rowConflict(server RowResource) RowOutcome {
	return RowOutcome{RowResource: server, Outcome: OutcomeInConflict}
}

// rowDenied rejects a row the caller may not write.
func rowDenied(in RowResource, reason string) RowOutcome {
	return RowOutcome{RowResource: in, Outcome: OutcomeDenied, Message: reason}
}

// rowFailed rejects a malformed row.
func rowFailed(in RowResource, err error) RowOutcome {
	return RowOutcome{RowResource: in, Outcome: OutcomeFailed, Message: err.Error()}
}
