// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import "fmt"

// NewBusy wraps a SQLITE_BUSY-style condition: the caller should
// retry with backoff (pkg/retry).
func NewBusy(cause error) *Error {
	return Wrap(CodeBusy, "database busy", cause)
}

// NewConstraintViolation reports a schema invariant violation — a
// programmer error, logged and the operation abandoned.
func NewConstraintViolation(detail string, cause error) *Error {
	e := Wrap(CodeConstraintViolation, "constraint violation", cause)
	e.Details = detail
	return e
}

// NewIOError reports a storage failure fatal to the current request
// but not to the process.
func NewIOError(op string, cause error) *Error {
	e := Wrap(CodeIOError, fmt.Sprintf("store %s failed", op), cause)
	return e
}

// NewTimeout reports a deadline exceeded on a BMP call or DB wait.
func NewTimeout(op string, cause error) *Error {
	return Wrap(CodeTimeout, fmt.Sprintf("%s timed out", op), cause)
}

// NewBMPFailure reports a hardware failure reason returned by the BMP
// driver; it counts toward the job's failure budget (spec.md §4.D).
func NewBMPFailure(address string, cause error) *Error {
	return Wrap(CodeBMPFailure, fmt.Sprintf("bmp %s reported failure", address), cause)
}

// NewQuotaExceeded reports that a submission would exceed the
// group's remaining quota.
func NewQuotaExceeded(groupID int64, remaining, requested int64) *Error {
	e := New(CodeQuotaExceeded, fmt.Sprintf("group %d quota exceeded", groupID))
	e.Details = fmt.Sprintf("remaining=%d requested=%d", remaining, requested)
	return e
}

// NewBadRequest reports a request that can never succeed as stated
// (e.g. a rectangle larger than the machine, or malformed input).
func NewBadRequest(detail string) *Error {
	return New(CodeBadRequest, detail)
}

// NewNotFound reports a missing job/machine/board/group.
func NewNotFound(kind string, id interface{}) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %v not found", kind, id))
}
