// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrMissingStoreDSN is returned when no live database DSN is set.
	ErrMissingStoreDSN = errors.New("store DSN is required")

	// ErrInvalidPeriod is returned when a periodic task's interval is
	// zero or negative.
	ErrInvalidPeriod = errors.New("period must be greater than 0")

	// ErrInvalidMaxFailures is returned when the BMP failure budget is
	// less than one attempt.
	ErrInvalidMaxFailures = errors.New("bmp max failures must be at least 1")
)
