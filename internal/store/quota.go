// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

// GetGroupQuota fetches a group's quota row; a missing row is treated
// as "no quota configured yet" rather than NotFound, since groups are
// synchronised externally (spec.md §1).
func (s *Store) GetGroupQuota(ctx context.Context, groupID int64) (*model.GroupQuota, error) {
	query, args, err := sq.Select("group_id", "quota").From("group_quotas").
		Where(sq.Eq{"group_id": groupID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build get group quota query", err)
	}

	var row struct {
		GroupID int64         `db:"group_id"`
		Quota   sql.NullInt64 `db:"quota"`
	}
	if err := sqlxGet(ctx, s.conn(ctx), &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return &model.GroupQuota{GroupID: groupID}, nil
		}
		return nil, errors.NewIOError("query group quota", err)
	}

	gq := &model.GroupQuota{GroupID: row.GroupID}
	if row.Quota.Valid {
		v := row.Quota.Int64
		gq.Quota = &v
	}
	return gq, nil
}

// UpsertGroupQuota sets a group's quota, creating the row if absent.
func (s *Store) UpsertGroupQuota(ctx context.Context, groupID int64, quota *int64) error {
	var quotaArg interface{}
	if quota != nil {
		quotaArg = *quota
	}
	query, args, err := sq.Insert("group_quotas").
		Columns("group_id", "quota").
		Values(groupID, quotaArg).
		Suffix("ON CONFLICT(group_id) DO UPDATE SET quota = excluded.quota").
		ToSql()
	if err != nil {
		return errors.NewIOError("build upsert group quota query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// DebitGroupQuota subtracts used board-seconds from a group's quota,
// floored at zero (spec.md §4.F). A nil quota (unlimited) is left
// untouched.
func (s *Store) DebitGroupQuota(ctx context.Context, groupID int64, used int64) error {
	query, args, err := sq.Update("group_quotas").
		Set("quota", sq.Expr("MAX(0, quota - ?)", used)).
		Where(sq.Eq{"group_id": groupID}).
		Where("quota IS NOT NULL").
		ToSql()
	if err != nil {
		return errors.NewIOError("build debit group quota query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// ReservedUsage sums allocation_size across a group's live, not-yet-
// destroyed jobs, used at submission time to compute remaining quota.
// Destroyed jobs whose usage has not yet been consolidated are not
// included.
func (s *Store) ReservedUsage(ctx context.Context, groupID int64) (int64, error) {
	query, args, err := sq.Select("COALESCE(SUM(allocation_size), 0)").From("jobs").
		Where(sq.Eq{"group_id": groupID}).
		Where(sq.NotEq{"job_state": int(model.JobStateDestroyed)}).
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build reserved usage query", err)
	}
	var total int64
	if err := sqlxGet(ctx, s.conn(ctx), &total, query, args...); err != nil {
		return 0, errors.NewIOError("query reserved usage", err)
	}
	return total, nil
}
