// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

// statusAccepted creates a per-item status for an applied write
func statusAccepted(id string) HighlightUploadStatus {
	return HighlightUploadStatus{
		ID:      id,
		Status:  StAccepted,
		Applied: true,
	}
}

// statusAcceptedNoOp creates a per-item status for a superseded replay:
// the write was older than the stored record and absorbed by the merge rule.
func statusAcceptedNoOp(id string) HighlightUploadStatus {
	return HighlightUploadStatus{
		ID:      id,
		Status:  StAccepted,
		Applied: false,
	}
}

// statusRejected creates a per-item status for a non-retryable rejection
func statusRejected(id, reason string, err error) HighlightUploadStatus {
	st := HighlightUploadStatus{
		ID:     id,
		Status: StRejected,
		Reason: reason,
	}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}
