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

var jobColumns = []string{
	"job_id", "machine_id", "owner", "group_id", "keepalive_interval",
	"keepalive_timestamp", "keepalive_host", "create_timestamp",
	"allocation_timestamp", "death_timestamp", "death_reason",
	"original_request", "width", "height", "depth", "root_id",
	"allocation_size", "num_pending", "job_state", "accounted_for",
}

// CreateJob inserts a new job row in JobStateQueued and returns its id.
// The submit façade (internal/service) wraps this together with the
// job's Request row in one transaction.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	query, args, err := sq.Insert("jobs").
		Columns("machine_id", "owner", "group_id", "keepalive_interval",
			"keepalive_timestamp", "keepalive_host", "create_timestamp",
			"original_request", "job_state").
		Values(j.MachineID, j.Owner, j.GroupID, int64(j.KeepaliveInterval/1e9),
			j.KeepaliveTimestamp.Unix(), j.KeepaliveHost, j.CreateTimestamp.Unix(),
			j.OriginalRequest, int(model.JobStateQueued)).
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build create job query", err)
	}

	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifyTxError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.NewIOError("last insert id", err)
	}
	return id, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"job_id": jobID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build get job query", err)
	}

	var row jobRow
	if err := sqlxGet(ctx, s.conn(ctx), &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("job", jobID)
		}
		return nil, errors.NewIOError("query job", err)
	}
	return row.toModel(), nil
}

// ListLiveJobs returns jobs ordered by job_id for the service façade's
// listLiveJobs operation (spec.md §6).
func (s *Store) ListLiveJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	b := sq.Select(jobColumns...).From("jobs").
		Where(sq.NotEq{"job_state": int(model.JobStateDestroyed)}).
		OrderBy("job_id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.NewIOError("build list jobs query", err)
	}

	var rows []jobRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query jobs", err)
	}
	out := make([]*model.Job, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// UpdateKeepalive bumps a job's keepalive_timestamp/host; returns
// NotFound if the job no longer exists or is already DESTROYED
// (spec.md §6: keepalive → ok | JobGone).
func (s *Store) UpdateKeepalive(ctx context.Context, jobID int64, host string, at int64) error {
	query, args, err := sq.Update("jobs").
		Set("keepalive_timestamp", at).
		Set("keepalive_host", host).
		Where(sq.Eq{"job_id": jobID}).
		Where(sq.NotEq{"job_state": int(model.JobStateDestroyed)}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build keepalive query", err)
	}
	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return classifyTxError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewIOError("rows affected", err)
	}
	if n == 0 {
		return errors.NewNotFound("job", jobID)
	}
	return nil
}

// ApplyAllocation writes the Allocator's placement decision onto a job
// in one statement (spec.md §4.C step 2).
func (s *Store) ApplyAllocation(ctx context.Context, jobID int64, root model.Triad, rootID int64, width, height, depth, allocationSize, numPending int, allocatedAt int64) error {
	query, args, err := sq.Update("jobs").
		Set("width", width).
		Set("height", height).
		Set("depth", depth).
		Set("root_id", rootID).
		Set("allocation_size", allocationSize).
		Set("allocation_timestamp", allocatedAt).
		Set("num_pending", numPending).
		Set("job_state", int(model.JobStatePower)).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build apply allocation query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// SetJobState transitions a job's state column directly (used by the
// PowerController when a job's last pending change settles).
func (s *Store) SetJobState(ctx context.Context, jobID int64, state model.JobState) error {
	query, args, err := sq.Update("jobs").
		Set("job_state", int(state)).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build set job state query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// DecrementPending decrements num_pending by one and returns the
// post-decrement value, enforcing invariant 2 from spec.md §3 at the
// single point that mutates the counter.
func (s *Store) DecrementPending(ctx context.Context, jobID int64) (int, error) {
	query, args, err := sq.Update("jobs").
		Set("num_pending", sq.Expr("num_pending - 1")).
		Where(sq.Eq{"job_id": jobID}).
		Where("num_pending > 0").
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build decrement pending query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return 0, classifyTxError(err)
	}

	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return j.NumPending, nil
}

// BeginDestroy starts a graceful destroy for a job that has boards
// allocated: records death_timestamp/reason and sets job_state = POWER
// with num_pending set to the number of power-off PendingChange rows
// the caller queues alongside this call, so they can drain through the
// normal POWER settling path (spec.md §4.C's state table: "DESTROYED
// (via POWER-OFF)"). PowerController recognizes a settling POWER job
// as a destroy in progress, not a fresh allocation, by death_timestamp
// already being set, then finishes with MarkDestroyed once
// num_pending reaches zero.
func (s *Store) BeginDestroy(ctx context.Context, jobID int64, reason string, numPending int, at int64) error {
	query, args, err := sq.Update("jobs").
		Set("job_state", int(model.JobStatePower)).
		Set("death_timestamp", at).
		Set("death_reason", reason).
		Set("num_pending", numPending).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build begin destroy query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// MarkDestroyed sets death_timestamp/reason and JobStateDestroyed,
// called once a destroy path's pending changes all complete (or
// immediately for BadRequest jobs that never had boards).
func (s *Store) MarkDestroyed(ctx context.Context, jobID int64, reason string, at int64) error {
	query, args, err := sq.Update("jobs").
		Set("job_state", int(model.JobStateDestroyed)).
		Set("death_timestamp", at).
		Set("death_reason", reason).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build mark destroyed query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// ExpiredJobs returns live jobs whose keepalive has lapsed (spec.md
// §4.E ExpirySweep).
func (s *Store) ExpiredJobs(ctx context.Context, nowTS int64) ([]*model.Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").
		Where("keepalive_timestamp + keepalive_interval < ?", nowTS).
		Where(sq.NotEq{"job_state": int(model.JobStateDestroyed)}).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build expired jobs query", err)
	}
	var rows []jobRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query expired jobs", err)
	}
	out := make([]*model.Job, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// TombstonableJobs returns DESTROYED jobs past their grace period
// (spec.md §4.E Tombstone).
func (s *Store) TombstonableJobs(ctx context.Context, nowTS int64, graceSeconds int64) ([]*model.Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"job_state": int(model.JobStateDestroyed)}).
		Where("death_timestamp IS NOT NULL AND death_timestamp + ? < ?", graceSeconds, nowTS).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build tombstonable jobs query", err)
	}
	var rows []jobRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query tombstonable jobs", err)
	}
	out := make([]*model.Job, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// DeleteJob removes a job row (and, via ON DELETE CASCADE, its
// requests/pending changes); called by Tombstone after copying.
func (s *Store) DeleteJob(ctx context.Context, jobID int64) error {
	query, args, err := sq.Delete("jobs").Where(sq.Eq{"job_id": jobID}).ToSql()
	if err != nil {
		return errors.NewIOError("build delete job query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// UnaccountedCompletedJobs returns destroyed jobs not yet folded into
// their group's quota (spec.md §4.F).
func (s *Store) UnaccountedCompletedJobs(ctx context.Context) ([]*model.Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"job_state": int(model.JobStateDestroyed)}).
		Where(sq.Eq{"accounted_for": false}).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build unaccounted jobs query", err)
	}
	var rows []jobRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query unaccounted jobs", err)
	}
	out := make([]*model.Job, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// MarkAccounted sets accounted_for = 1, the idempotency gate invariant
// 6 (spec.md §3) requires.
func (s *Store) MarkAccounted(ctx context.Context, jobID int64) error {
	query, args, err := sq.Update("jobs").
		Set("accounted_for", true).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build mark accounted query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}
