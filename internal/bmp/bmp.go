// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bmp defines the boundary to board management processors:
// the small set of operations PowerController needs (apply power,
// set link FPGAs, read/write blacklist, read serial) without knowing
// how any given BMP is actually reached (spec.md §1: "the wire
// protocol to BMPs is out of scope; the core depends only on this
// interface").
package bmp

import (
	"context"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
)

// PowerRequest describes one board's target power and link-FPGA
// state, as queued by the Allocator in a PendingChange row.
type PowerRequest struct {
	BoardID   int64
	Cabinet   int
	Frame     int
	BoardNum  int
	Power     bool
	FPGA      [6]bool
	RequestID string // idempotency token, spec.md §4.D
}

// Driver is the boundary a PowerController worker calls to act on
// one BMP. Implementations must be safe for concurrent use by the
// bounded worker pool that owns a single BMP's in-flight changes.
type Driver interface {
	// SetPower applies a batch of power/FPGA changes to boards on one
	// BMP in a single request where the underlying protocol allows it.
	SetPower(ctx context.Context, address string, reqs []PowerRequest) error

	// ReadBlacklist fetches the current chip/core blacklist for one board.
	ReadBlacklist(ctx context.Context, address string, boardNum int) ([]byte, error)

	// WriteBlacklist pushes a new chip/core blacklist to one board.
	WriteBlacklist(ctx context.Context, address string, boardNum int, data []byte) error

	// ReadSerial fetches a board's serial number string.
	ReadSerial(ctx context.Context, address string, boardNum int) (string, error)
}

// Change adapts a model.PendingChange plus its board into the
// PowerRequest shape the Driver interface consumes.
func Change(board *model.Board, change *model.PendingChange, requestID string) PowerRequest {
	return PowerRequest{
		BoardID:   board.BoardID,
		Cabinet:   board.Cabinet,
		Frame:     board.Frame,
		BoardNum:  board.BNum,
		Power:     change.Power,
		FPGA:      change.FPGA,
		RequestID: requestID,
	}
}
