// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

var machineColumns = []string{
	"machine_id", "name", "width", "height", "depth", "board_model",
	"in_service", "max_chip_x", "max_chip_y", "wrap_around",
}

type machineRow struct {
	MachineID  int64  `db:"machine_id"`
	Name       string `db:"name"`
	Width      int    `db:"width"`
	Height     int    `db:"height"`
	Depth      int    `db:"depth"`
	BoardModel string `db:"board_model"`
	InService  bool   `db:"in_service"`
	MaxChipX   int    `db:"max_chip_x"`
	MaxChipY   int    `db:"max_chip_y"`
	WrapAround bool   `db:"wrap_around"`
}

func (r machineRow) toModel() *model.Machine {
	return &model.Machine{
		MachineID:  r.MachineID,
		Name:       r.Name,
		Width:      r.Width,
		Height:     r.Height,
		Depth:      r.Depth,
		BoardModel: r.BoardModel,
		InService:  r.InService,
		MaxChipX:   r.MaxChipX,
		MaxChipY:   r.MaxChipY,
		WrapAround: r.WrapAround,
	}
}

// ListMachines returns every machine, optionally excluding those
// marked out of service — the Allocator and PowerController iterate
// only the in-service set; listMachines(includeOutOfService) (spec.md
// §6) surfaces both.
func (s *Store) ListMachines(ctx context.Context, includeOutOfService bool) ([]*model.Machine, error) {
	b := sq.Select(machineColumns...).From("machines").OrderBy("machine_id")
	if !includeOutOfService {
		b = b.Where(sq.Eq{"in_service": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.NewIOError("build list machines query", err)
	}

	var rows []machineRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query machines", err)
	}
	out := make([]*model.Machine, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetMachine fetches one machine by id, used by the submit path to
// validate machine existence (NoSuchMachine) and fetch its geometry.
func (s *Store) GetMachine(ctx context.Context, machineID int64) (*model.Machine, error) {
	query, args, err := sq.Select(machineColumns...).From("machines").
		Where(sq.Eq{"machine_id": machineID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build get machine query", err)
	}

	var row machineRow
	if err := sqlxGet(ctx, s.conn(ctx), &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("machine", machineID)
		}
		return nil, errors.NewIOError("query machine", err)
	}
	return row.toModel(), nil
}
