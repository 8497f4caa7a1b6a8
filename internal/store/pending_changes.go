// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

var pendingChangeColumns = []string{
	"change_id", "job_id", "board_id", "from_state", "to_state", "power",
	"fpga_n", "fpga_e", "fpga_se", "fpga_s", "fpga_w", "fpga_nw",
	"in_progress", "failures", "next_try_at",
}

// CreatePendingChange queues one board's power/link-FPGA action,
// produced by the Allocator (perimeter power-on) or a destroy path
// (power-off for every allocated board).
func (s *Store) CreatePendingChange(ctx context.Context, c *model.PendingChange) (int64, error) {
	query, args, err := sq.Insert("pending_changes").
		Columns("job_id", "board_id", "from_state", "to_state", "power",
			"fpga_n", "fpga_e", "fpga_se", "fpga_s", "fpga_w", "fpga_nw").
		Values(c.JobID, c.BoardID, int(c.FromState), int(c.ToState), c.Power,
			c.FPGA[0], c.FPGA[1], c.FPGA[2], c.FPGA[3], c.FPGA[4], c.FPGA[5]).
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build create pending change query", err)
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

// PendingChangesByBMP returns not-in-progress changes for a machine,
// grouped by bmp_id, honoring each board's minimum dwell time before
// an opposite power transition (spec.md §4.D): a change whose target
// power differs from the board's last observed power is excluded
// until minOff (for a power-on) or minOn (for a power-off) has elapsed
// since the board's last power-off or power-on timestamp.
func (s *Store) PendingChangesByBMP(ctx context.Context, machineID int64, minOff, minOn int64, nowTS int64) (map[int64][]*model.PendingChange, error) {
	query, args, err := sq.Select(
		"pc.change_id", "pc.job_id", "pc.board_id", "pc.from_state", "pc.to_state",
		"pc.power", "pc.fpga_n", "pc.fpga_e", "pc.fpga_se", "pc.fpga_s", "pc.fpga_w",
		"pc.fpga_nw", "pc.in_progress", "pc.failures", "pc.next_try_at",
		"b.bmp_id", "b.board_power", "b.power_on_timestamp", "b.power_off_timestamp",
	).From("pending_changes pc").
		Join("boards b ON b.board_id = pc.board_id").
		Where(sq.Eq{"b.machine_id": machineID}).
		Where(sq.Eq{"pc.in_progress": false}).
		Where(sq.LtOrEq{"pc.next_try_at": nowTS}).
		ToSql()
	if err != nil {
		return nil, errors.NewIOError("build pending changes query", err)
	}

	type row struct {
		pendingChangeRow
		BMPID             int64 `db:"bmp_id"`
		BoardPower        bool  `db:"board_power"`
		PowerOnTimestamp  *int64 `db:"power_on_timestamp"`
		PowerOffTimestamp *int64 `db:"power_off_timestamp"`
	}
	var rows []row
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query pending changes", err)
	}

	out := make(map[int64][]*model.PendingChange)
	for _, r := range rows {
		if !dwellSatisfied(r.BoardPower, r.Power, r.PowerOnTimestamp, r.PowerOffTimestamp, minOff, minOn, nowTS) {
			continue
		}
		out[r.BMPID] = append(out[r.BMPID], r.pendingChangeRow.toModel())
	}
	return out, nil
}

func dwellSatisfied(currentPower, targetPower bool, onTS, offTS *int64, minOff, minOn int64, nowTS int64) bool {
	if currentPower == targetPower {
		return true
	}
	if targetPower {
		// Powering on: must have been off for at least minOff.
		if offTS == nil {
			return true
		}
		return nowTS-*offTS >= minOff
	}
	// Powering off: must have been on for at least minOn.
	if onTS == nil {
		return true
	}
	return nowTS-*onTS >= minOn
}

// MarkInProgress sets in_progress=1 for a batch of changes about to
// be sent to one BMP worker; this flag is the mutual-exclusion
// mechanism spec.md §5 names.
func (s *Store) MarkInProgress(ctx context.Context, changeIDs []int64) error {
	if len(changeIDs) == 0 {
		return nil
	}
	query, args, err := sq.Update("pending_changes").
		Set("in_progress", true).
		Where(sq.Eq{"change_id": changeIDs}).
		ToSql()
	if err != nil {
		return errors.NewIOError("build mark in progress query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// CompleteChange deletes a successfully applied change row.
func (s *Store) CompleteChange(ctx context.Context, changeID int64) error {
	query, args, err := sq.Delete("pending_changes").Where(sq.Eq{"change_id": changeID}).ToSql()
	if err != nil {
		return errors.NewIOError("build complete change query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// FailChange records a failed attempt, clears in_progress so it is
// retried, and schedules next_try_at per the caller's backoff policy.
// Returns the post-increment failure count.
func (s *Store) FailChange(ctx context.Context, changeID int64, nextTryAt int64) (int, error) {
	query, args, err := sq.Update("pending_changes").
		Set("in_progress", false).
		Set("failures", sq.Expr("failures + 1")).
		Set("next_try_at", nextTryAt).
		Where(sq.Eq{"change_id": changeID}).
		ToSql()
	if err != nil {
		return 0, errors.NewIOError("build fail change query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return 0, classifyTxError(err)
	}

	var failures int
	getQuery, getArgs, err := sq.Select("failures").From("pending_changes").
		Where(sq.Eq{"change_id": changeID}).ToSql()
	if err != nil {
		return 0, errors.NewIOError("build get failures query", err)
	}
	if err := sqlxGet(ctx, s.conn(ctx), &failures, getQuery, getArgs...); err != nil {
		return 0, errors.NewIOError("query failures", err)
	}
	return failures, nil
}

// ClearInProgress resets every in_progress flag to 0, required on
// process startup (spec.md §4.D: "queues are guaranteed empty").
func (s *Store) ClearInProgress(ctx context.Context) error {
	query, _, err := sq.Update("pending_changes").Set("in_progress", false).ToSql()
	if err != nil {
		return errors.NewIOError("build clear in progress query", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, query); err != nil {
		return classifyTxError(err)
	}
	return nil
}

// PendingChangesForJob returns every outstanding change for a job,
// used to verify invariant 2 in tests.
func (s *Store) PendingChangesForJob(ctx context.Context, jobID int64) ([]*model.PendingChange, error) {
	query, args, err := sq.Select(pendingChangeColumns...).From("pending_changes").
		Where(sq.Eq{"job_id": jobID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build pending changes for job query", err)
	}
	var rows []pendingChangeRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query pending changes for job", err)
	}
	out := make([]*model.PendingChange, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
