// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package allocator implements the periodic task that turns queued
// job_request rows into board allocations (spec.md §4.C): one tick
// walks every in-service machine, runs Geometry search for each
// pending request in priority order, and either commits a placement
// or ages the request for the next pass.
package allocator

import (
	"context"
	"sort"
	"time"

	"github.com/spinnaker-tools/spalloc-core/internal/geometry"
	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
	"github.com/spinnaker-tools/spalloc-core/pkg/metrics"
)

// store is the subset of *store.Store the Allocator depends on,
// narrowed so tests can substitute an in-memory fake without pulling
// in the sqlite-backed implementation.
type store interface {
	ListMachines(ctx context.Context, includeOutOfService bool) ([]*model.Machine, error)
	BoardsByMachine(ctx context.Context, machineID int64) ([]*model.Board, error)
	LinksByMachine(ctx context.Context, machineID int64) ([]*model.Link, error)
	PendingRequests(ctx context.Context, machineID int64) ([]*model.Request, error)
	AgeRequests(ctx context.Context, machineID int64) error
	DeleteRequest(ctx context.Context, reqID int64) error
	AllocateBoards(ctx context.Context, jobID int64, boardIDs []int64) error
	ApplyAllocation(ctx context.Context, jobID int64, root model.Triad, rootID int64, width, height, depth, allocationSize, numPending int, allocatedAt int64) error
	CreatePendingChange(ctx context.Context, c *model.PendingChange) (int64, error)
	MarkDestroyed(ctx context.Context, jobID int64, reason string, at int64) error
	WithTx(ctx context.Context, op func(ctx context.Context) error) error
}

// Allocator runs one tick of spec.md §4.C across every in-service
// machine. It holds no per-machine state between ticks: the board and
// link snapshot is re-read and a fresh geometry.Lattice rebuilt every
// time, since the boards a previous tick reserved are only visible
// once committed.
type Allocator struct {
	store     store
	log       logging.Logger
	collector metrics.Collector
}

// New constructs an Allocator. A nil collector records nothing.
func New(s store, log logging.Logger, collector metrics.Collector) *Allocator {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Allocator{store: s, log: log, collector: collector}
}

// Tick runs one allocator pass over every in-service machine. A
// per-machine error is logged and does not abort the remaining
// machines: one misbehaving machine must not starve the rest.
func (a *Allocator) Tick(ctx context.Context) error {
	start := time.Now()

	machines, err := a.store.ListMachines(ctx, false)
	if err != nil {
		return err
	}

	var placed, aged int
	for _, m := range machines {
		p, ag, err := a.tickMachine(ctx, m.MachineID)
		if err != nil {
			a.log.Error("allocator tick failed for machine", "machine_id", m.MachineID, "error", err.Error())
			continue
		}
		placed += p
		aged += ag
	}

	a.collector.AllocatorTick(time.Since(start).Seconds(), placed, aged)
	return nil
}

// tickMachine implements spec.md §4.C steps 1-3 for a single machine.
// Step 1's read is a plain (non-transactional) snapshot: per spec.md
// §4.A transactions are nestable, not savepointed, so each request's
// placement commits independently rather than sharing one
// tick-spanning transaction — a later request's failure must not
// unwind an earlier request's successful allocation.
func (a *Allocator) tickMachine(ctx context.Context, machineID int64) (placed, aged int, err error) {
	requests, err := a.store.PendingRequests(ctx, machineID)
	if err != nil {
		return 0, 0, err
	}
	if len(requests) == 0 {
		return 0, 0, nil
	}

	boards, err := a.store.BoardsByMachine(ctx, machineID)
	if err != nil {
		return 0, 0, err
	}
	links, err := a.store.LinksByMachine(ctx, machineID)
	if err != nil {
		return 0, 0, err
	}

	var width, height, depth int
	for _, b := range boards {
		if b.X+1 > width {
			width = b.X + 1
		}
		if b.Y+1 > height {
			height = b.Y + 1
		}
		if b.Z+1 > depth {
			depth = b.Z + 1
		}
	}

	left := 0
	for _, r := range requests {
		lattice := geometry.NewLattice(width, height, depth, boards, links)

		placement, searchErr := a.search(lattice, boards, r)
		if searchErr != nil {
			if destroyErr := a.reject(ctx, r, searchErr); destroyErr != nil {
				return placed, aged, destroyErr
			}
			continue
		}
		if placement == nil {
			left++
			continue
		}

		if err := a.commit(ctx, r, placement); err != nil {
			return placed, aged, err
		}
		placed++

		// Reflect the just-committed allocation in the in-memory
		// snapshot so the next request in this pass can't be handed
		// boards already claimed a moment ago.
		markAllocated(boards, placement.BoardIDs, r.JobID)
	}

	if left > 0 {
		if err := a.store.AgeRequests(ctx, machineID); err != nil {
			return placed, aged, err
		}
		aged = left
	}

	return placed, aged, nil
}

func markAllocated(boards []*model.Board, ids []int64, jobID int64) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, b := range boards {
		if want[b.BoardID] {
			id := jobID
			b.AllocatedJob = &id
		}
	}
}

// search dispatches a request to the Geometry method matching its
// kind. num_boards = 1 is special-cased to SearchByBoard over every
// currently-allocatable board, sorted to prefer the one longest
// powered off (spec.md §8).
func (a *Allocator) search(lattice *geometry.Lattice, boards []*model.Board, r *model.Request) (*geometry.Placement, error) {
	switch r.Kind {
	case model.RequestByCount:
		if r.NumBoards == 1 {
			return lattice.SearchByBoard(longestPoweredOff(boards))
		}
		return lattice.SearchByCount(r.NumBoards, r.MaxDeadBoards)
	case model.RequestBySize:
		return lattice.SearchBySize(r.Width, r.Height, r.MaxDeadBoards)
	case model.RequestByBoardID:
		if r.BoardID == nil {
			return nil, errors.NewBadRequest("board_id request missing board_id")
		}
		return lattice.SearchByBoard([]*model.Board{boardByID(boards, *r.BoardID)})
	case model.RequestByBoardSize:
		if r.BoardID == nil {
			return nil, errors.NewBadRequest("board_size request missing board_id")
		}
		return lattice.SearchByRootSize(*r.BoardID, r.Width, r.Height, r.MaxDeadBoards)
	default:
		return nil, errors.NewBadRequest("unknown request kind")
	}
}

// boardByID returns the board with the given id, or nil — a nil
// candidate simply never matches MayBeAllocated in SearchByBoard,
// which already returns (nil, nil) when nothing in its candidate list
// fits, the correct outcome for an as-yet-unknown board id supplied by
// a RequestByBoardID that raced a board's removal.
func boardByID(boards []*model.Board, id int64) *model.Board {
	for _, b := range boards {
		if b.BoardID == id {
			return b
		}
	}
	return nil
}

// longestPoweredOff returns a copy of all of a machine's boards
// (allocatable or not; SearchByBoard skips the rest) sorted so the
// board that has been off longest (or never powered on) sorts first,
// matching spec.md §8's num_boards=1 preference.
func longestPoweredOff(boards []*model.Board) []*model.Board {
	out := make([]*model.Board, len(boards))
	copy(out, boards)
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].PowerOffTimestamp, out[j].PowerOffTimestamp
		switch {
		case bi == nil && bj == nil:
			return out[i].BoardID < out[j].BoardID
		case bi == nil:
			return true
		case bj == nil:
			return false
		case !bi.Equal(*bj):
			return bi.Before(*bj)
		default:
			return out[i].BoardID < out[j].BoardID
		}
	})
	return out
}

// commit implements step 2: allocate boards, update the job, queue one
// PendingChange per perimeter board, and delete the request — all in
// one transaction so a mid-way failure leaves neither a half-claimed
// board nor an orphaned request.
func (a *Allocator) commit(ctx context.Context, r *model.Request, p *geometry.Placement) error {
	return a.store.WithTx(ctx, func(ctx context.Context) error {
		if err := a.store.AllocateBoards(ctx, r.JobID, p.BoardIDs); err != nil {
			return err
		}

		numPending := len(groupPerimeter(p.Perimeter))
		if err := a.store.ApplyAllocation(ctx, r.JobID, p.Origin, p.RootID,
			p.Width, p.Height, p.Depth, len(p.BoardIDs), numPending, time.Now().Unix()); err != nil {
			return err
		}

		for boardID, fpga := range groupPerimeter(p.Perimeter) {
			change := &model.PendingChange{
				JobID:     r.JobID,
				BoardID:   boardID,
				FromState: model.JobStateQueued,
				ToState:   model.JobStateReady,
				Power:     true,
				FPGA:      fpga,
			}
			if _, err := a.store.CreatePendingChange(ctx, change); err != nil {
				return err
			}
		}

		return a.store.DeleteRequest(ctx, r.ReqID)
	})
}

// groupPerimeter folds Geometry's per-(board,direction) perimeter list
// into one FPGA bit array per board: a board can appear once per
// boundary direction it touches, but gets exactly one PendingChange
// row (spec.md §4.C step 2, "one PendingChange per perimeter board").
func groupPerimeter(links []geometry.PerimeterLink) map[int64][6]bool {
	out := make(map[int64][6]bool)
	for _, link := range links {
		fpga := out[link.BoardID]
		if idx := link.Direction.FPGAIndex(); idx >= 0 {
			fpga[idx] = true
		}
		out[link.BoardID] = fpga
	}
	return out
}

// reject implements step 3's error path: a request Geometry reports as
// structurally unsatisfiable is removed and its job destroyed as
// BadRequest, rather than left to age forever.
func (a *Allocator) reject(ctx context.Context, r *model.Request, cause error) error {
	return a.store.WithTx(ctx, func(ctx context.Context) error {
		if err := a.store.DeleteRequest(ctx, r.ReqID); err != nil {
			return err
		}
		reason := "bad request"
		if e, ok := cause.(*errors.Error); ok {
			reason = e.Message
		}
		return a.store.MarkDestroyed(ctx, r.JobID, reason, time.Now().Unix())
	})
}
