// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	stderrors "errors"

	"github.com/mattn/go-sqlite3"

	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

// classifyTxError maps a driver-level failure to the taxonomy spec.md
// §7 names: SQLITE_BUSY/SQLITE_LOCKED become retryable Busy errors,
// constraint failures become ConstraintViolation, anything else is a
// fatal-for-this-request IOError.
func classifyTxError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errors.NewBusy(err)
		case sqlite3.ErrConstraint:
			return errors.NewConstraintViolation(sqliteErr.Error(), err)
		}
	}

	return errors.NewIOError("transaction", err)
}
