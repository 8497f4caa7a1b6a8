// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

var requestColumns = []string{
	"req_id", "job_id", "kind", "num_boards", "width", "height",
	"board_id", "max_dead_boards", "priority", "importance",
}

// CreateRequest inserts the allocation task for a newly submitted job.
func (s *Store) CreateRequest(ctx context.Context, r *model.Request) (int64, error) {
	query, args, err := sq.Insert("job_request").
		Columns("job_id", "kind", "num_boards", "width", "height", "board_id",
			"max_dead_boards", "priority", "importance").
		Values(r.JobID, int(r.Kind), nullableInt(r.NumBoards), nullableInt(r.Width),
			nullableInt(r.Height), r.BoardID, r.MaxDeadBoards, r.Priority, r.Priority).
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build create request query", err)
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

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

// PendingRequests returns the request rows of a machine's QUEUED jobs
// (joined against jobs on job_id), ordered per spec.md §4.C step 1:
// (importance DESC, req_id ASC).
func (s *Store) PendingRequests(ctx context.Context, machineID int64) ([]*model.Request, error) {
	query, args, err := sq.Select("jr."+requestColumns[0], "jr.job_id", "jr.kind",
		"jr.num_boards", "jr.width", "jr.height", "jr.board_id",
		"jr.max_dead_boards", "jr.priority", "jr.importance").
		From("job_request jr").
		Join("jobs j ON j.job_id = jr.job_id").
		Where(sq.Eq{"j.job_state": int(model.JobStateQueued)}).
		Where(sq.Eq{"j.machine_id": machineID}).
		OrderBy("jr.importance DESC", "jr.req_id ASC").
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build pending requests query", err)
	}

	var rows []requestRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query pending requests", err)
	}
	out := make([]*model.Request, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// AgeRequests applies the per-pass aging step (spec.md §4.C step 3):
// every request still queued after a failed placement attempt gets
// importance += priority so it eventually wins contention.
func (s *Store) AgeRequests(ctx context.Context, machineID int64) error {
	query, args, err := sq.Update("job_request").
		Set("importance", sq.Expr("importance + priority")).
		Where("job_id IN (SELECT job_id FROM jobs WHERE machine_id = ? AND job_state = ?)",
			machineID, int(model.JobStateQueued)).
		ToSql()
	if err != nil {
		return errors.NewIOError("build age requests query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// DeleteRequest removes a request row once it has been placed, or
// abandoned as BadRequest.
func (s *Store) DeleteRequest(ctx context.Context, reqID int64) error {
	query, args, err := sq.Delete("job_request").Where(sq.Eq{"req_id": reqID}).ToSql()
	if err != nil {
		return errors.NewIOError("build delete request query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}
