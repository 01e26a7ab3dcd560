// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package payledger

import "errors"

// Sentinel errors. Wrapped variants carry detail; callers classify with
// errors.Is.
var (
	// ErrNotFound covers missing stage executor assignments and absent active
	// payments during reassignment.
	ErrNotFound = errors.New("not found")

	// ErrInvalidReassignment covers reassignments that must not happen at all:
	// old and new executor are the same person, or the active payment is
	// already paid.
	ErrInvalidReassignment = errors.New("invalid reassignment")

	// ErrReassignedImmutable is returned when a caller tries to modify a
	// payment that has been superseded by a reassignment. History rows are
	// never updated.
	ErrReassignedImmutable = errors.New("reassigned payment is immutable")
)
