// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	stderrors "errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

var boardColumns = []string{
	"board_id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num",
	"root_x", "root_y", "address", "bmp_id", "functioning", "allocated_job",
	"board_power", "power_on_timestamp", "power_off_timestamp",
	"blacklist_set_timestamp", "blacklist_sync_timestamp",
}

// BoardsByMachine returns every board of a machine, used by Geometry
// to build its in-memory search lattice for one allocator pass.
func (s *Store) BoardsByMachine(ctx context.Context, machineID int64) ([]*model.Board, error) {
	sql, args, err := sq.Select(boardColumns...).From("boards").
		Where(sq.Eq{"machine_id": machineID}).
		OrderBy("x", "y", "z").ToSql()
	if err != nil {
		return nil, errors.NewIOError("build boards query", err)
	}

	var rows []boardRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, sql, args...); err != nil {
		return nil, errors.NewIOError("query boards", err)
	}

	out := make([]*model.Board, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// LinksByMachine returns every link between boards of a machine.
func (s *Store) LinksByMachine(ctx context.Context, machineID int64) ([]*model.Link, error) {
	query, args, err := sq.Select("l.board_1", "l.dir_1", "l.board_2", "l.dir_2", "l.live").
		From("links l").
		Join("boards b ON b.board_id = l.board_1").
		Where(sq.Eq{"b.machine_id": machineID}).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build links query", err)
	}

	type linkRow struct {
		Board1 int64 `db:"board_1"`
		Dir1   int   `db:"dir_1"`
		Board2 int64 `db:"board_2"`
		Dir2   int   `db:"dir_2"`
		Live   bool  `db:"live"`
	}
	var rows []linkRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query links", err)
	}

	out := make([]*model.Link, len(rows))
	for i, r := range rows {
		out[i] = &model.Link{
			Board1: r.Board1,
			Board2: r.Board2,
			Dir1:   model.Direction(r.Dir1),
			Dir2:   model.Direction(r.Dir2),
			Live:   r.Live,
		}
	}
	return out, nil
}

// AllocateBoards sets allocated_job on every board id in boardIDs, and
// fails ConstraintViolation if any target board is no longer
// may_be_allocated. The Allocator decides from an earlier snapshot and
// runs this inside the transaction that commits the allocation, so the
// row filter re-checks allocatability at write time (spec.md §4.C step 2).
func (s *Store) AllocateBoards(ctx context.Context, jobID int64, boardIDs []int64) error {
	if len(boardIDs) == 0 {
		return nil
	}

	query, args, err := sq.Update("boards").
		Set("allocated_job", jobID).
		Where(sq.Eq{"board_id": boardIDs}).
		Where("allocated_job IS NULL").
		Where(sq.Or{sq.Eq{"functioning": nil}, sq.NotEq{"functioning": false}}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build allocate boards query", err)
	}

	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return classifyTxError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewIOError("rows affected", err)
	}
	if int(n) != len(boardIDs) {
		return errors.NewConstraintViolation("one or more boards are no longer allocatable", nil)
	}
	return nil
}

// ReleaseBoards clears allocated_job for every board currently
// assigned to jobID, called when a job reaches DESTROYED.
func (s *Store) ReleaseBoards(ctx context.Context, jobID int64) error {
	query, args, err := sq.Update("boards").
		Set("allocated_job", nil).
		Where(sq.Eq{"allocated_job": jobID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build release boards query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// SetBoardPower records the power state transition the PowerController
// observed for a board (spec.md §9: explicit updates replace the
// trigger-maintained timestamps the original schema relied on).
func (s *Store) SetBoardPower(ctx context.Context, boardID int64, power bool) error {
	col := "power_off_timestamp"
	if power {
		col = "power_on_timestamp"
	}
	query, args, err := sq.Update("boards").
		Set("board_power", power).
		Set(col, now()).
		Where(sq.Eq{"board_id": boardID}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build set board power query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// BoardsForJob returns the boards currently allocated to a job, used
// to build the destroy-path PendingChange set.
func (s *Store) BoardsForJob(ctx context.Context, jobID int64) ([]*model.Board, error) {
	query, args, err := sq.Select(boardColumns...).From("boards").
		Where(sq.Eq{"allocated_job": jobID}).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build boards for job query", err)
	}
	var rows []boardRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query boards for job", err)
	}
	out := make([]*model.Board, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetBoard fetches one board by id.
func (s *Store) GetBoard(ctx context.Context, boardID int64) (*model.Board, error) {
	query, args, err := sq.Select(boardColumns...).From("boards").
		Where(sq.Eq{"board_id": boardID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build get board query", err)
	}
	var row boardRow
	if err := sqlxGet(ctx, s.conn(ctx), &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("board", boardID)
		}
		return nil, errors.NewIOError("query board", err)
	}
	return row.toModel(), nil
}

var errNoRows = stderrors.New("store: no rows")
