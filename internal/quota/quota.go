// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package quota implements the QuotaManager (spec.md §4.F): a
// submission-time reservation check and a periodic consolidation pass
// that folds completed jobs' usage into their group's quota one job at
// a time.
package quota

import (
	"context"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
	"github.com/spinnaker-tools/spalloc-core/pkg/metrics"
)

// store is the subset of *store.Store the QuotaManager depends on.
type store interface {
	GetGroupQuota(ctx context.Context, groupID int64) (*model.GroupQuota, error)
	ReservedUsage(ctx context.Context, groupID int64) (int64, error)
	DebitGroupQuota(ctx context.Context, groupID int64, used int64) error
	UnaccountedCompletedJobs(ctx context.Context) ([]*model.Job, error)
	MarkAccounted(ctx context.Context, jobID int64) error
	WithTx(ctx context.Context, op func(ctx context.Context) error) error
}

// Manager enforces and consolidates group quotas.
type Manager struct {
	store     store
	log       logging.Logger
	collector metrics.Collector
	printer   *message.Printer
}

// New constructs a Manager. A nil collector records nothing; a nil
// logger discards everything.
func New(s store, log logging.Logger, collector metrics.Collector) *Manager {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Manager{store: s, log: log, collector: collector, printer: message.NewPrinter(language.English)}
}

// CheckReservation rejects a submission whose group quota, net of
// ReservedUsage (the allocation_size of the group's not-yet-destroyed
// jobs), cannot cover the requested board count (spec.md §4.F). Usage
// of destroyed jobs that Consolidate has not yet folded in is not
// subtracted. A group with no quota configured is unlimited.
func (m *Manager) CheckReservation(ctx context.Context, groupID int64, requested int64) error {
	gq, err := m.store.GetGroupQuota(ctx, groupID)
	if err != nil {
		return err
	}
	if gq.Quota == nil {
		return nil
	}

	reserved, err := m.store.ReservedUsage(ctx, groupID)
	if err != nil {
		return err
	}
	remaining := *gq.Quota - reserved
	if requested > remaining {
		m.collector.QuotaRejected(groupID)
		return errors.NewQuotaExceeded(groupID, remaining, requested)
	}
	return nil
}

// Consolidate folds every completed-but-unaccounted job's usage into
// its group's quota, one job at a time in its own transaction so the
// pass never holds a long lock (spec.md §4.F). A job whose group has
// no quota configured is left unaccounted — there is nothing to
// consolidate for an unlimited group, and leaving accounted_for = 0
// costs nothing since CheckReservation short-circuits on nil quota too.
func (m *Manager) Consolidate(ctx context.Context) error {
	jobs, err := m.store.UnaccountedCompletedJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := m.consolidateOne(ctx, j); err != nil {
			m.log.Error("quota consolidation failed", "job_id", j.JobID, "error", err.Error())
		}
	}
	return nil
}

func (m *Manager) consolidateOne(ctx context.Context, j *model.Job) error {
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		gq, err := m.store.GetGroupQuota(ctx, j.GroupID)
		if err != nil {
			return err
		}
		if gq.Quota == nil {
			return nil
		}
		used := int64(j.AllocationSize) * onDurationSeconds(j)
		if err := m.store.DebitGroupQuota(ctx, j.GroupID, used); err != nil {
			return err
		}
		if err := m.store.MarkAccounted(ctx, j.JobID); err != nil {
			return err
		}
		m.collector.QuotaConsolidated(j.GroupID, used)
		m.log.Info(m.printer.Sprintf("debited %d board-seconds from group %d for job %d", used, j.GroupID, j.JobID))
		return nil
	})
}

// onDurationSeconds is the wall-clock span a job held its boards
// powered on, spec.md §3's "allocation_size × on-duration" quota_used
// factor. A job that never reached an allocation (rejected before
// Geometry search ever ran) has no AllocationTimestamp and so never
// consumed board-seconds.
func onDurationSeconds(j *model.Job) int64 {
	if j.AllocationTimestamp == nil || j.DeathTimestamp == nil {
		return 0
	}
	d := j.DeathTimestamp.Sub(*j.AllocationTimestamp)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
