// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the two periodic tasks spec.md §4.E
// describes as "Epoch/Lifecycle": ExpirySweep, which finds jobs whose
// keepalive has lapsed and starts a destroy, and Tombstone, which
// copies jobs long past their death into the historical database and
// removes them from the live one. Destroy itself (shared with any
// future explicit-destroy caller) lives here too, since both
// ExpirySweep and an operator-triggered destroy enter the same path.
package lifecycle

import (
	"context"
	"time"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
	"github.com/spinnaker-tools/spalloc-core/pkg/metrics"
)

// store is the subset of *store.Store the lifecycle tasks depend on.
type store interface {
	ExpiredJobs(ctx context.Context, nowTS int64) ([]*model.Job, error)
	TombstonableJobs(ctx context.Context, nowTS int64, graceSeconds int64) ([]*model.Job, error)
	BoardsForJob(ctx context.Context, jobID int64) ([]*model.Board, error)
	CreatePendingChange(ctx context.Context, c *model.PendingChange) (int64, error)
	BeginDestroy(ctx context.Context, jobID int64, reason string, numPending int, at int64) error
	MarkDestroyed(ctx context.Context, jobID int64, reason string, at int64) error
	RecordAllocationHistory(ctx context.Context, jobID int64, boards []*model.Board) error
	Tombstone(ctx context.Context, job *model.Job, boards []*model.Board) error
	WithTx(ctx context.Context, op func(ctx context.Context) error) error
}

// Config holds the two tasks' tunables (spec.md §4.E defaults).
type Config struct {
	GracePeriod time.Duration
}

// Lifecycle runs ExpirySweep and Tombstone.
type Lifecycle struct {
	store     store
	cfg       Config
	log       logging.Logger
	collector metrics.Collector
}

// New constructs a Lifecycle. A nil collector records nothing; a nil
// logger discards everything.
func New(s store, cfg Config, log logging.Logger, collector metrics.Collector) *Lifecycle {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Lifecycle{store: s, cfg: cfg, log: log, collector: collector}
}

// ExpirySweep finds every live job whose keepalive has lapsed and
// starts its destroy with reason "keepalive expired" (spec.md §4.E).
func (l *Lifecycle) ExpirySweep(ctx context.Context) error {
	now := time.Now()
	jobs, err := l.store.ExpiredJobs(ctx, now.Unix())
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := l.Destroy(ctx, j.JobID, "keepalive expired", now); err != nil {
			l.log.Error("expiry destroy failed", "job_id", j.JobID, "error", err.Error())
			continue
		}
		l.collector.JobExpired()
	}
	return nil
}

// Tombstone copies every job past its death grace period into the
// historical database and removes it from the live one (spec.md
// §4.E). Each job is handled in its own call to Store.Tombstone so one
// bad row never blocks the rest of the sweep.
func (l *Lifecycle) Tombstone(ctx context.Context) error {
	now := time.Now()
	jobs, err := l.store.TombstonableJobs(ctx, now.Unix(), int64(l.cfg.GracePeriod.Seconds()))
	if err != nil {
		return err
	}
	for _, j := range jobs {
		// boards.allocated_job was already cleared when this job's
		// destroy settled; the footprint lives in the historical
		// database already via RecordAllocationHistory, so nil here is
		// correct, not a loss of data.
		if err := l.store.Tombstone(ctx, j, nil); err != nil {
			l.log.Error("tombstone failed", "job_id", j.JobID, "error", err.Error())
			continue
		}
		l.collector.JobTombstoned()
	}
	return nil
}

// Destroy starts a job's destroy path (spec.md §4.D/§4.E): jobs with
// currently-allocated boards get one POWER=OFF PendingChange per board
// and settle through the PowerController's normal drain, recognized by
// death_timestamp already being set (see internal/power); jobs with no
// allocated boards (still QUEUED, or already released) have nothing to
// power off and are marked DESTROYED directly. Shared by ExpirySweep
// and any explicit destroy request.
func (l *Lifecycle) Destroy(ctx context.Context, jobID int64, reason string, at time.Time) error {
	boards, err := l.store.BoardsForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(boards) == 0 {
		return l.store.MarkDestroyed(ctx, jobID, reason, at.Unix())
	}

	return l.store.WithTx(ctx, func(ctx context.Context) error {
		for _, b := range boards {
			change := &model.PendingChange{
				JobID:     jobID,
				BoardID:   b.BoardID,
				FromState: model.JobStateReady,
				ToState:   model.JobStateDestroyed,
				Power:     false,
			}
			if _, err := l.store.CreatePendingChange(ctx, change); err != nil {
				return err
			}
		}
		if err := l.store.RecordAllocationHistory(ctx, jobID, boards); err != nil {
			return err
		}
		return l.store.BeginDestroy(ctx, jobID, reason, len(boards), at.Unix())
	})
}
