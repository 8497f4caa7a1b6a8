// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"time"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

// RecordAllocationHistory copies a job's board footprint into the
// attached historical database. boards.allocated_job is cleared the
// moment a destroy's power-off changes settle (spec.md §4.D), long
// before Tombstone ever runs, so the destroy path calls this while the
// footprint is still known rather than leaving it for Tombstone to
// rediscover. INSERT OR IGNORE makes repeat calls for the same job
// (e.g. a retried destroy) harmless.
func (s *Store) RecordAllocationHistory(ctx context.Context, jobID int64, boards []*model.Board) error {
	conn := s.conn(ctx)
	for _, b := range boards {
		_, err := conn.ExecContext(ctx, `
			INSERT OR IGNORE INTO historical.historical_allocations
				(job_id, board_id, x, y, z)
			VALUES (?, ?, ?, ?, ?)`,
			jobID, b.BoardID, b.X, b.Y, b.Z)
		if err != nil {
			return errors.NewIOError("insert historical allocation", err)
		}
	}
	return nil
}

// Tombstone copies a dead job's record into the attached historical
// database and deletes it from the live one, in a single transaction
// (spec.md §3 invariant 5). The board footprint was already copied by
// RecordAllocationHistory when the destroy path ran; boards is accepted
// here too so a job destroyed with no settling pass (e.g. BadRequest,
// never allocated) still gets a correct (empty) historical record.
// INSERT OR IGNORE on job_id makes the copy idempotent if a previous
// attempt committed the historical half but crashed before the delete.
func (s *Store) Tombstone(ctx context.Context, job *model.Job, boards []*model.Board) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		conn := s.conn(ctx)

		_, err := conn.ExecContext(ctx, `
			INSERT OR IGNORE INTO historical.historical_jobs
				(job_id, machine_id, owner, group_id, create_timestamp,
				 allocation_timestamp, death_timestamp, death_reason,
				 allocation_size, tombstoned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.JobID, job.MachineID, job.Owner, job.GroupID,
			job.CreateTimestamp.Unix(), timestampOrNil(job.AllocationTimestamp),
			timestampOrNil(job.DeathTimestamp), job.DeathReason, job.AllocationSize, now())
		if err != nil {
			return errors.NewIOError("insert historical job", err)
		}

		if err := s.RecordAllocationHistory(ctx, job.JobID, boards); err != nil {
			return err
		}

		return s.DeleteJob(ctx, job.JobID)
	})
}

func timestampOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
