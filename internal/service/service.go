// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package service implements the submit/HTTP-facing operations of
// spec.md §6: submit, keepalive, destroy, getJob, listLiveJobs, and
// listMachines. It is the one place that ties the Store, the
// QuotaManager's submission-time check, and the lifecycle destroy path
// together into the six operations an external caller sees.
package service

import (
	"context"
	"time"

	"github.com/spinnaker-tools/spalloc-core/internal/managers/base"
	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

var requestValidator = base.NewValidator("request")

// store is the subset of *store.Store the service depends on.
type store interface {
	GetMachine(ctx context.Context, machineID int64) (*model.Machine, error)
	ListMachines(ctx context.Context, includeOutOfService bool) ([]*model.Machine, error)
	CreateJob(ctx context.Context, j *model.Job) (int64, error)
	CreateRequest(ctx context.Context, r *model.Request) (int64, error)
	GetJob(ctx context.Context, jobID int64) (*model.Job, error)
	ListLiveJobs(ctx context.Context, limit, offset int) ([]*model.Job, error)
	UpdateKeepalive(ctx context.Context, jobID int64, host string, at int64) error
	WithTx(ctx context.Context, op func(ctx context.Context) error) error
}

// quotaChecker is the submission-time reservation check, satisfied by
// *quota.Manager.
type quotaChecker interface {
	CheckReservation(ctx context.Context, groupID int64, requested int64) error
}

// destroyer starts a job's destroy path, satisfied by
// *lifecycle.Lifecycle.
type destroyer interface {
	Destroy(ctx context.Context, jobID int64, reason string, at time.Time) error
}

// Service implements spec.md §6's submit/HTTP surface.
type Service struct {
	store   store
	quota   quotaChecker
	destroy destroyer
}

// New constructs a Service.
func New(s store, q quotaChecker, d destroyer) *Service {
	return &Service{store: s, quota: q, destroy: d}
}

// SubmitRequest describes a new allocation request, mirroring
// model.Request's four shapes (spec.md §4.B).
type SubmitRequest struct {
	Kind          model.RequestKind
	NumBoards     int
	Width, Height int
	BoardID       *int64
	MaxDeadBoards int
	Priority      int
}

// validate rejects a request shape that could never be satisfied,
// before it ever reaches the Allocator's geometry search.
func (r SubmitRequest) validate() error {
	switch r.Kind {
	case model.RequestByCount:
		if err := requestValidator.RequirePositive(r.NumBoards, "num_boards"); err != nil {
			return err
		}
	case model.RequestBySize, model.RequestByBoardSize:
		if err := requestValidator.RequirePositive(r.Width, "width"); err != nil {
			return err
		}
		if err := requestValidator.RequirePositive(r.Height, "height"); err != nil {
			return err
		}
	case model.RequestByBoardID:
		if r.BoardID == nil {
			return errors.NewBadRequest("request board_id is required")
		}
		if err := requestValidator.RequirePositiveID(*r.BoardID, "board_id"); err != nil {
			return err
		}
	default:
		return errors.NewBadRequest("request kind is invalid")
	}
	return requestValidator.RequireNonNegative(r.MaxDeadBoards, "max_dead_boards")
}

// boardCount estimates how many boards a request could consume, used
// only for the submission-time quota check — the Allocator's Geometry
// search is the actual, authoritative sizing.
func (r SubmitRequest) boardCount() int64 {
	switch r.Kind {
	case model.RequestByCount:
		return int64(r.NumBoards)
	case model.RequestBySize, model.RequestByBoardSize:
		return int64(r.Width) * int64(r.Height) * 3
	case model.RequestByBoardID:
		return 1
	default:
		return 0
	}
}

// Submit creates a job and its allocation request, rejecting up front
// on an unknown machine or an exhausted quota (spec.md §6: "may fail
// QuotaExceeded, NoSuchMachine, BadRequest").
func (s *Service) Submit(ctx context.Context, machineID int64, owner string, groupID int64, keepaliveInterval time.Duration, keepaliveHost string, req SubmitRequest, originalRequest []byte) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}

	machine, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		return 0, err
	}
	if !machine.InService {
		return 0, errors.NewBadRequest("machine is not in service")
	}

	if err := s.quota.CheckReservation(ctx, groupID, req.boardCount()); err != nil {
		return 0, err
	}

	now := time.Now()
	var jobID int64
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		jobID, err = s.store.CreateJob(ctx, &model.Job{
			MachineID:          machineID,
			Owner:              owner,
			GroupID:            groupID,
			KeepaliveInterval:  keepaliveInterval,
			KeepaliveTimestamp: now,
			KeepaliveHost:      keepaliveHost,
			CreateTimestamp:    now,
			OriginalRequest:    originalRequest,
		})
		if err != nil {
			return err
		}

		_, err = s.store.CreateRequest(ctx, &model.Request{
			JobID:         jobID,
			Kind:          req.Kind,
			NumBoards:     req.NumBoards,
			Width:         req.Width,
			Height:        req.Height,
			BoardID:       req.BoardID,
			MaxDeadBoards: req.MaxDeadBoards,
			Priority:      req.Priority,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return jobID, nil
}

// Keepalive refreshes a job's keepalive clock (spec.md §6: "ok |
// JobGone"); a NotFound/already-destroyed job surfaces the Store's
// NotFound error directly.
func (s *Service) Keepalive(ctx context.Context, jobID int64, host string) error {
	return s.store.UpdateKeepalive(ctx, jobID, host, time.Now().Unix())
}

// Destroy starts a job's destroy path with an operator-supplied reason
// (spec.md §6).
func (s *Service) Destroy(ctx context.Context, jobID int64, reason string) error {
	return s.destroy.Destroy(ctx, jobID, reason, time.Now())
}

// GetJob returns one job's current snapshot.
func (s *Service) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListLiveJobs returns every non-DESTROYED job.
func (s *Service) ListLiveJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	return s.store.ListLiveJobs(ctx, limit, offset)
}

// ListMachines returns every machine, optionally including those out
// of service.
func (s *Service) ListMachines(ctx context.Context, includeOutOfService bool) ([]*model.Machine, error) {
	return s.store.ListMachines(ctx, includeOutOfService)
}
