// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package geometry finds a usable rectangle or single board within a
// machine's hex-lattice triad topology, honouring dead-board/dead-link
// tolerance and connectivity to a candidate root (spec.md §4.B). It
// holds no durable state: callers pass in the boards/links snapshot
// for one machine and get back a placement decision.
package geometry

import (
	"math"
	"sort"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

// A Search* method returns (nil, nil) when the machine's current state
// simply has no candidate that fits — a normal, retryable outcome the
// Allocator leaves queued for aging (spec.md §4.C step 3) — and
// returns a non-nil error only for a request that can never succeed
// regardless of machine state (malformed dimensions, a board id that
// doesn't exist, a rectangle that can't fit within the machine's
// bounds at all): those the Allocator treats as BadRequest and
// destroys the job immediately.

// Placement is a successful search result: the allocated rectangle's
// origin and extent, the root board, and the full set of board ids
// covered (used by the Allocator to call Store.AllocateBoards).
type Placement struct {
	Origin    model.Triad
	Width     int
	Height    int
	Depth     int
	RootID    int64
	BoardIDs  []int64
	Perimeter []PerimeterLink
}

// PerimeterLink is one (board, direction) pair on the boundary of an
// allocation, per spec.md §4.B: "the set of boards at the boundary...
// their link FPGAs are enabled selectively".
type PerimeterLink struct {
	BoardID   int64
	Direction model.Direction
}

// Lattice is the in-memory view of one machine's boards and links
// that Search operates over.
type Lattice struct {
	Width, Height, Depth int
	boardAt              map[model.Triad]*model.Board
	boardsByID           map[int64]*model.Board
	neighbors            map[int64]map[model.Direction]*linkTarget
}

type linkTarget struct {
	boardID int64
	live    bool
}

// NewLattice indexes a machine's boards and links for repeated
// searches within one allocator tick.
func NewLattice(width, height, depth int, boards []*model.Board, links []*model.Link) *Lattice {
	l := &Lattice{
		Width:      width,
		Height:     height,
		Depth:      depth,
		boardAt:    make(map[model.Triad]*model.Board, len(boards)),
		boardsByID: make(map[int64]*model.Board, len(boards)),
		neighbors:  make(map[int64]map[model.Direction]*linkTarget, len(boards)),
	}
	for _, b := range boards {
		l.boardAt[model.Triad{X: b.X, Y: b.Y, Z: b.Z}] = b
		l.boardsByID[b.BoardID] = b
		l.neighbors[b.BoardID] = make(map[model.Direction]*linkTarget)
	}
	for _, lk := range links {
		// A link is live, for connectivity purposes, iff both
		// endpoints are functioning and the link row itself is live
		// (spec.md §9 open question, resolved per the spec's own
		// fallback guidance).
		b1, b2 := l.boardsByID[lk.Board1], l.boardsByID[lk.Board2]
		live := lk.Live
		if b1 != nil && b1.Functioning != nil && !*b1.Functioning {
			live = false
		}
		if b2 != nil && b2.Functioning != nil && !*b2.Functioning {
			live = false
		}
		if n, ok := l.neighbors[lk.Board1]; ok {
			n[lk.Dir1] = &linkTarget{boardID: lk.Board2, live: live}
		}
		if n, ok := l.neighbors[lk.Board2]; ok {
			n[lk.Dir2] = &linkTarget{boardID: lk.Board1, live: live}
		}
	}
	return l
}

// SearchBySize implements spec.md §4.B "By size": find any (x,y)
// origin such that the rectangle contains at most maxDeadBoards
// non-allocatable board-slots and is connected to its (x,y,z=0) root.
// Preference order: fewer dead boards, then lowest (x,y,z).
func (l *Lattice) SearchBySize(width, height, maxDeadBoards int) (*Placement, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.NewBadRequest("rectangle dimensions must be positive")
	}
	if width > l.Width || height > l.Height {
		return nil, errors.NewBadRequest("requested rectangle is larger than the machine")
	}

	var best *candidate

	total := width * height * l.Depth

	for x := 0; x <= l.Width-width; x++ {
		for y := 0; y <= l.Height-height; y++ {
			origin := model.Triad{X: x, Y: y, Z: 0}
			root, ok := l.boardAt[origin]
			if !ok || !root.MayBeAllocated() {
				continue
			}

			reached := l.connectedWithin(root.BoardID, origin, width, height)
			dead := total - len(reached)
			if dead > maxDeadBoards {
				continue
			}

			c := &candidate{origin: origin, reached: reached, deadSlot: dead}
			if best == nil || better(c, best) {
				best = c
			}
		}
	}

	if best == nil {
		return nil, nil
	}

	root := l.boardAt[best.origin]
	return &Placement{
		Origin:    best.origin,
		Width:     width,
		Height:    height,
		Depth:     l.Depth,
		RootID:    root.BoardID,
		BoardIDs:  best.reached,
		Perimeter: l.perimeter(best.origin, width, height, best.reached),
	}, nil
}

type candidate struct {
	origin   model.Triad
	reached  []int64
	deadSlot int
}

func better(c, best *candidate) bool {
	if c.deadSlot != best.deadSlot {
		return c.deadSlot < best.deadSlot
	}
	if c.origin.X != best.origin.X {
		return c.origin.X < best.origin.X
	}
	if c.origin.Y != best.origin.Y {
		return c.origin.Y < best.origin.Y
	}
	return c.origin.Z < best.origin.Z
}

// SearchByRootSize implements spec.md §4.B "By root + size": a
// rectangle anchored at a specific board.
func (l *Lattice) SearchByRootSize(rootID int64, width, height, maxDeadBoards int) (*Placement, error) {
	root, ok := l.boardsByID[rootID]
	if !ok {
		return nil, errors.NewNotFound("board", rootID)
	}
	origin := model.Triad{X: root.X, Y: root.Y, Z: 0}
	if origin.X+width > l.Width || origin.Y+height > l.Height {
		return nil, errors.NewBadRequest("rectangle anchored at root exceeds machine bounds")
	}
	if !root.MayBeAllocated() {
		return nil, nil
	}

	reached := l.connectedWithin(root.BoardID, origin, width, height)
	total := width * height * l.Depth
	dead := total - len(reached)
	if dead > maxDeadBoards {
		return nil, nil
	}

	return &Placement{
		Origin:    origin,
		Width:     width,
		Height:    height,
		Depth:     l.Depth,
		RootID:    root.BoardID,
		BoardIDs:  reached,
		Perimeter: l.perimeter(origin, width, height, reached),
	}, nil
}

// SearchByBoard implements spec.md §4.B "By board": a single-board
// allocation (collapsed rectangle), preferring — per spec.md §8's
// boundary behaviour for num_boards=1 — the board longest powered
// off; callers pass candidates pre-sorted by that preference and this
// returns the first allocatable one.
func (l *Lattice) SearchByBoard(candidates []*model.Board) (*Placement, error) {
	for _, b := range candidates {
		if b != nil && b.MayBeAllocated() {
			return &Placement{
				Origin:    model.Triad{X: b.X, Y: b.Y, Z: b.Z},
				Width:     1,
				Height:    1,
				Depth:     1,
				RootID:    b.BoardID,
				BoardIDs:  []int64{b.BoardID},
				Perimeter: l.perimeterSingle(b.BoardID),
			}, nil
		}
	}
	return nil, nil
}

// SearchByCount implements spec.md §4.B "By count N": convert to
// (width,height) = (ceil(sqrt(N)), ceil(N/ceil(sqrt(N)))) with
// tolerance width*height - N, then search by size. N=1 is handled by
// the caller via SearchByBoard per spec.md §8's boundary behaviour.
func (l *Lattice) SearchByCount(n, maxDeadBoards int) (*Placement, error) {
	if n <= 0 {
		return nil, errors.NewBadRequest("num_boards must be positive")
	}
	width := int(math.Ceil(math.Sqrt(float64(n))))
	height := int(math.Ceil(float64(n) / float64(width)))
	tolerance := width*height - n + maxDeadBoards
	return l.SearchBySize(width, height, tolerance)
}

// connectedWithin runs a breadth-first traversal from root over live
// links, restricted to boards inside the rectangle [ox,ox+w) x
// [oy,oy+h), across all z. Returns the set of reached, allocatable
// board ids — spec.md §4.B's connectivity-counting rule.
func (l *Lattice) connectedWithin(rootID int64, origin model.Triad, width, height int) []int64 {
	inRect := func(b *model.Board) bool {
		return b.X >= origin.X && b.X < origin.X+width &&
			b.Y >= origin.Y && b.Y < origin.Y+height
	}

	visited := map[int64]bool{rootID: true}
	queue := []int64{rootID}
	var reached []int64

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		b := l.boardsByID[cur]
		if b == nil || !inRect(b) || !b.MayBeAllocated() {
			continue
		}
		reached = append(reached, cur)

		for _, nb := range l.neighbors[cur] {
			if !nb.live || visited[nb.boardID] {
				continue
			}
			visited[nb.boardID] = true
			queue = append(queue, nb.boardID)
		}
	}

	sort.Slice(reached, func(i, j int) bool { return reached[i] < reached[j] })
	return reached
}

// perimeter computes the (board, direction) pairs on the boundary of
// an allocation: one endpoint inside the board set, the other
// outside or absent (spec.md §4.B / invariant 3).
func (l *Lattice) perimeter(origin model.Triad, width, height int, boardIDs []int64) []PerimeterLink {
	inSet := make(map[int64]bool, len(boardIDs))
	for _, id := range boardIDs {
		inSet[id] = true
	}

	var out []PerimeterLink
	for _, id := range boardIDs {
		for dir, nb := range l.neighbors[id] {
			if !inSet[nb.boardID] {
				out = append(out, PerimeterLink{BoardID: id, Direction: dir})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BoardID != out[j].BoardID {
			return out[i].BoardID < out[j].BoardID
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// perimeterSingle returns every direction of a single isolated board
// as perimeter, since nothing is interior to a 1-board allocation.
func (l *Lattice) perimeterSingle(boardID int64) []PerimeterLink {
	var out []PerimeterLink
	for dir := range l.neighbors[boardID] {
		out = append(out, PerimeterLink{BoardID: boardID, Direction: dir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Direction < out[j].Direction })
	return out
}
