// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// sqlxSelect is a thin indirection over sqlx.SelectContext so call
// sites don't need to know whether conn(ctx) is the pool or an open
// transaction.
func sqlxSelect(ctx context.Context, q querier, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// sqlxGet is the single-row counterpart of sqlxSelect.
func sqlxGet(ctx context.Context, q querier, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q, dest, query, args...)
}
