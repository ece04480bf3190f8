// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

// Progress kinds for reading position records
const (
	KindPercentage = "percentage" // normalized float in [0,100], reflowable formats
	KindLocator    = "locator"    // opaque position string, fixed-layout formats
)

// Status constants for highlight batch item results
const (
	StAccepted = "accepted"
	StRejected = "rejected"
)

// Rejection reason constants
const (
	ReasonBadPayload    = "bad_payload"
	ReasonBatchTooLarge = "batch_too_large"
	ReasonUnknownBook   = "unknown_book"
	ReasonInternalError = "internal_error"
)
