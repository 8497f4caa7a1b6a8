// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package power implements the PowerController (spec.md §4.D): a
// periodic task that drains queued power/FPGA changes, grouped by
// BMP, through the internal/bmp driver boundary with one bounded
// worker per BMP.
package power

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spinnaker-tools/spalloc-core/internal/bmp"
	"github.com/spinnaker-tools/spalloc-core/internal/model"
	pkgcontext "github.com/spinnaker-tools/spalloc-core/pkg/context"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
	"github.com/spinnaker-tools/spalloc-core/pkg/metrics"
	"github.com/spinnaker-tools/spalloc-core/pkg/retry"
)

// store is the subset of *store.Store the PowerController depends on.
type store interface {
	ListMachines(ctx context.Context, includeOutOfService bool) ([]*model.Machine, error)
	BoardsByMachine(ctx context.Context, machineID int64) ([]*model.Board, error)
	BMPsByMachine(ctx context.Context, machineID int64) (map[int64]*model.BMP, error)
	PendingChangesByBMP(ctx context.Context, machineID int64, minOff, minOn int64, nowTS int64) (map[int64][]*model.PendingChange, error)
	MarkInProgress(ctx context.Context, changeIDs []int64) error
	CompleteChange(ctx context.Context, changeID int64) error
	FailChange(ctx context.Context, changeID int64, nextTryAt int64) (int, error)
	ClearInProgress(ctx context.Context) error
	PendingBlacklistOpsByBMP(ctx context.Context, machineID int64) (map[int64][]*model.BlacklistOp, error)
	CompleteBlacklistOp(ctx context.Context, opID int64, data []byte) error
	FailBlacklistOp(ctx context.Context, opID int64, reason string) error
	DecrementPending(ctx context.Context, jobID int64) (int, error)
	GetJob(ctx context.Context, jobID int64) (*model.Job, error)
	SetJobState(ctx context.Context, jobID int64, state model.JobState) error
	SetBoardPower(ctx context.Context, boardID int64, power bool) error
	ReleaseBoards(ctx context.Context, jobID int64) error
	MarkDestroyed(ctx context.Context, jobID int64, reason string, at int64) error
	WithTx(ctx context.Context, op func(ctx context.Context) error) error
}

// Config tunes dwell times and the failure budget (spec.md §6).
type Config struct {
	MinOff      time.Duration
	MinOn       time.Duration
	Deadline    time.Duration
	MaxFailures int
	// MaxConcurrentBMPs bounds how many BMPs are dialed at once across
	// a tick, regardless of how many machines or BMPs exist.
	MaxConcurrentBMPs int
}

// PowerController drains PendingChange rows through the BMP driver
// boundary, one bounded worker per BMP (spec.md §4.D).
type PowerController struct {
	store     store
	driver    bmp.Driver
	cfg       Config
	log       logging.Logger
	collector metrics.Collector
	policy    retry.Policy
}

// New constructs a PowerController. A nil collector records nothing;
// a nil logger discards everything.
func New(s store, driver bmp.Driver, cfg Config, log logging.Logger, collector metrics.Collector) *PowerController {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if cfg.MaxConcurrentBMPs <= 0 {
		cfg.MaxConcurrentBMPs = 8
	}
	return &PowerController{
		store:     s,
		driver:    driver,
		cfg:       cfg,
		log:       log,
		collector: collector,
		policy:    retry.NewBMPExponentialBackoff().WithMaxRetries(cfg.MaxFailures),
	}
}

// ClearInProgress resets every in_progress flag, required once at
// process startup (spec.md §4.D: "queues are guaranteed empty").
func (p *PowerController) ClearInProgress(ctx context.Context) error {
	return p.store.ClearInProgress(ctx)
}

// Tick runs one pass over every in-service machine's pending changes.
func (p *PowerController) Tick(ctx context.Context) error {
	machines, err := p.store.ListMachines(ctx, false)
	if err != nil {
		return err
	}

	for _, m := range machines {
		if err := p.tickMachine(ctx, m.MachineID); err != nil {
			p.log.Error("power tick failed for machine", "machine_id", m.MachineID, "error", err.Error())
		}
	}
	return nil
}

func (p *PowerController) tickMachine(ctx context.Context, machineID int64) error {
	now := time.Now().Unix()

	grouped, err := p.store.PendingChangesByBMP(ctx, machineID, int64(p.cfg.MinOff.Seconds()), int64(p.cfg.MinOn.Seconds()), now)
	if err != nil {
		return err
	}
	blacklistGrouped, err := p.store.PendingBlacklistOpsByBMP(ctx, machineID)
	if err != nil {
		return err
	}
	if len(grouped) == 0 && len(blacklistGrouped) == 0 {
		return nil
	}

	bmps, err := p.store.BMPsByMachine(ctx, machineID)
	if err != nil {
		return err
	}
	boards, err := p.store.BoardsByMachine(ctx, machineID)
	if err != nil {
		return err
	}
	boardByID := make(map[int64]*model.Board, len(boards))
	for _, b := range boards {
		boardByID[b.BoardID] = b
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentBMPs)

	for bmpID, changes := range grouped {
		b, ok := bmps[bmpID]
		if !ok {
			continue
		}
		b, changes := b, changes
		g.Go(func() error {
			p.processBMP(gctx, b, changes, boardByID)
			return nil
		})
	}
	for bmpID, ops := range blacklistGrouped {
		b, ok := bmps[bmpID]
		if !ok {
			continue
		}
		b, ops := b, ops
		g.Go(func() error {
			p.processBlacklistOps(gctx, b, ops, boardByID)
			return nil
		})
	}
	return g.Wait()
}

// processBlacklistOps drains one BMP's queued blacklist/serial reads
// through the same driver boundary the power changes use, sharing the
// worker pool rather than a second one (spec.md §3, §6: "the same
// per-BMP worker pool that drains PendingChange rows").
func (p *PowerController) processBlacklistOps(ctx context.Context, b *model.BMP, ops []*model.BlacklistOp, boardByID map[int64]*model.Board) {
	for _, op := range ops {
		board, ok := boardByID[op.BoardID]
		if !ok {
			continue
		}

		callCtx, cancel := pkgcontext.WithTimeout(ctx, pkgcontext.OpBMPCall, &pkgcontext.TimeoutConfig{BMPCall: p.cfg.Deadline})
		var data []byte
		var err error
		switch op.Op {
		case model.BlacklistOpRead:
			data, err = p.driver.ReadBlacklist(callCtx, b.Address, board.BNum)
		case model.BlacklistOpWrite:
			err = p.driver.WriteBlacklist(callCtx, b.Address, board.BNum, op.Data)
		case model.BlacklistOpGetSerial:
			var serial string
			serial, err = p.driver.ReadSerial(callCtx, b.Address, board.BNum)
			data = []byte(serial)
		}
		cancel()

		if err != nil {
			p.collector.BMPFailure(b.Address)
			if ferr := p.store.FailBlacklistOp(ctx, op.OpID, err.Error()); ferr != nil {
				p.log.Error("record blacklist op failure failed", "op_id", op.OpID, "error", ferr.Error())
			}
			continue
		}
		if err := p.store.CompleteBlacklistOp(ctx, op.OpID, data); err != nil {
			p.log.Error("complete blacklist op failed", "op_id", op.OpID, "error", err.Error())
		}
	}
}

// processBMP applies one BMP's batch of changes. Errors from
// individual changes are handled internally (recorded via
// FailChange/MarkDestroyed) rather than returned, so one BMP's
// trouble never cancels its siblings' in-flight calls.
func (p *PowerController) processBMP(ctx context.Context, b *model.BMP, changes []*model.PendingChange, boardByID map[int64]*model.Board) {
	ids := make([]int64, len(changes))
	for i, c := range changes {
		ids[i] = c.ChangeID
	}
	if err := p.store.MarkInProgress(ctx, ids); err != nil {
		p.log.Error("mark in progress failed", "bmp_id", b.BMPID, "error", err.Error())
		return
	}

	reqID := uuid.NewString()
	var reqs []bmp.PowerRequest
	for _, c := range changes {
		board, ok := boardByID[c.BoardID]
		if !ok {
			continue
		}
		reqs = append(reqs, bmp.Change(board, c, reqID))
	}

	callCtx, cancel := pkgcontext.WithTimeout(ctx, pkgcontext.OpBMPCall, &pkgcontext.TimeoutConfig{BMPCall: p.cfg.Deadline})
	defer cancel()

	err := p.driver.SetPower(callCtx, b.Address, reqs)
	if err != nil {
		p.collector.PowerChangeFailed(b.Address)
		p.collector.BMPFailure(b.Address)
		for _, c := range changes {
			p.failOne(ctx, c, err)
		}
		return
	}

	p.collector.PowerChangeCompleted(b.Address)
	for _, c := range changes {
		if board, ok := boardByID[c.BoardID]; ok {
			if err := p.store.SetBoardPower(ctx, board.BoardID, c.Power); err != nil {
				p.log.Error("set board power failed", "board_id", board.BoardID, "error", err.Error())
			}
		}
		p.completeOne(ctx, c)
	}
}

// completeOne implements the success path of spec.md §4.D: delete the
// change, decrement num_pending, and transition the job once the last
// change settles.
func (p *PowerController) completeOne(ctx context.Context, c *model.PendingChange) {
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		if err := p.store.CompleteChange(ctx, c.ChangeID); err != nil {
			return err
		}
		remaining, err := p.store.DecrementPending(ctx, c.JobID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		job, err := p.store.GetJob(ctx, c.JobID)
		if err != nil {
			return err
		}
		// A POWER job settling with death_timestamp already set is a
		// destroy in progress (BeginDestroy set both before queuing
		// the power-off changes this loop is draining), not a fresh
		// allocation becoming ready.
		if job.JobState == model.JobStatePower && job.DeathTimestamp != nil {
			if err := p.store.MarkDestroyed(ctx, c.JobID, job.DeathReason, job.DeathTimestamp.Unix()); err != nil {
				return err
			}
			return p.store.ReleaseBoards(ctx, c.JobID)
		}
		if job.JobState == model.JobStatePower {
			return p.store.SetJobState(ctx, c.JobID, model.JobStateReady)
		}
		return nil
	})
	if err != nil {
		p.log.Error("complete pending change failed", "change_id", c.ChangeID, "error", err.Error())
	}
}

// failOne implements the failure path: record the failure, schedule
// the next attempt after the policy's base wait (WaitTime(0), the same
// delay after every failure; it does not grow with the failure count),
// and destroy the job once the failure budget is exhausted (spec.md §4.D).
func (p *PowerController) failOne(ctx context.Context, c *model.PendingChange, cause error) {
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		failures, err := p.store.FailChange(ctx, c.ChangeID, time.Now().Add(p.policy.WaitTime(0)).Unix())
		if err != nil {
			return err
		}
		if failures < p.cfg.MaxFailures {
			return nil
		}

		// Failure budget exhausted: this change can never be applied,
		// so stop retrying it and destroy its job.
		if err := p.store.CompleteChange(ctx, c.ChangeID); err != nil {
			return err
		}
		if err := p.store.MarkDestroyed(ctx, c.JobID, "bmp failure", time.Now().Unix()); err != nil {
			return err
		}
		return p.store.ReleaseBoards(ctx, c.JobID)
	})
	if err != nil {
		p.log.Error("fail pending change failed", "change_id", c.ChangeID, "cause", cause.Error(), "error", err.Error())
	}
}
