// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

var blacklistOpColumns = []string{"op_id", "board_id", "op", "completed", "data", "failure"}

// EnqueueBlacklistOp queues a read/write/get-serial op for a board;
// execution and wire semantics are external (spec.md §1), this
// package owns only the queue row.
func (s *Store) EnqueueBlacklistOp(ctx context.Context, boardID int64, op model.BlacklistOpKind, data []byte) (int64, error) {
	query, args, err := sq.Insert("blacklist_ops").
		Columns("board_id", "op", "data").
		Values(boardID, int(op), data).
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build enqueue blacklist op query", err)
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

// PendingBlacklistOpsByBMP returns uncompleted ops for a machine,
// grouped by bmp_id, for the same per-BMP workers that drain
// PendingChange rows.
func (s *Store) PendingBlacklistOpsByBMP(ctx context.Context, machineID int64) (map[int64][]*model.BlacklistOp, error) {
	query, args, err := sq.Select(
		"bo.op_id", "bo.board_id", "bo.op", "bo.completed", "bo.data", "bo.failure", "b.bmp_id",
	).From("blacklist_ops bo").
		Join("boards b ON b.board_id = bo.board_id").
		Where(sq.Eq{"b.machine_id": machineID}).
		Where(sq.Eq{"bo.completed": false}).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build pending blacklist ops query", err)
	}

	type row struct {
		blacklistOpRow
		BMPID int64 `db:"bmp_id"`
	}
	var rows []row
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query pending blacklist ops", err)
	}

	out := make(map[int64][]*model.BlacklistOp)
	for _, r := range rows {
		out[r.BMPID] = append(out[r.BMPID], r.blacklistOpRow.toModel())
	}
	return out, nil
}

// CompleteBlacklistOp marks an op done and stores its result payload
// (read/get-serial) or clears it (write).
func (s *Store) CompleteBlacklistOp(ctx context.Context, opID int64, data []byte) error {
	query, args, err := sq.Update("blacklist_ops").
		Set("completed", true).
		Set("data", data).
		Where(sq.Eq{"op_id": opID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build complete blacklist op query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// FailBlacklistOp records a failure reason without marking it
// complete, so it is retried on the next PowerController tick.
func (s *Store) FailBlacklistOp(ctx context.Context, opID int64, reason string) error {
	query, args, err := sq.Update("blacklist_ops").
		Set("failure", reason).
		Where(sq.Eq{"op_id": opID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build fail blacklist op query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}
