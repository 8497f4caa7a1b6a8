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

var bmpColumns = []string{"bmp_id", "machine_id", "cabinet", "frame", "address"}

type bmpRow struct {
	BMPID     int64  `db:"bmp_id"`
	MachineID int64  `db:"machine_id"`
	Cabinet   int    `db:"cabinet"`
	Frame     int    `db:"frame"`
	Address   string `db:"address"`
}

func (r bmpRow) toModel() *model.BMP {
	return &model.BMP{
		BMPID:     r.BMPID,
		MachineID: r.MachineID,
		Cabinet:   r.Cabinet,
		Frame:     r.Frame,
		Address:   r.Address,
	}
}

// BMPsByMachine returns every BMP of a machine, keyed by bmp_id so the
// PowerController can resolve the address to dial for a
// PendingChangesByBMP/PendingBlacklistOpsByBMP group.
func (s *Store) BMPsByMachine(ctx context.Context, machineID int64) (map[int64]*model.BMP, error) {
	query, args, err := sq.Select(bmpColumns...).From("bmps").
		Where(sq.Eq{"machine_id": machineID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build bmps query", err)
	}

	var rows []bmpRow
	if err := sqlxSelect(ctx, s.conn(ctx), &rows, query, args...); err != nil {
		return nil, errors.NewIOError("query bmps", err)
	}
	out := make(map[int64]*model.BMP, len(rows))
	for _, r := range rows {
		out[r.BMPID] = r.toModel()
	}
	return out, nil
}

// GetBMP fetches one BMP by id.
func (s *Store) GetBMP(ctx context.Context, bmpID int64) (*model.BMP, error) {
	query, args, err := sq.Select(bmpColumns...).From("bmps").
		Where(sq.Eq{"bmp_id": bmpID}).ToSql()
	if err != nil {
		return nil, errors.NewIOError("build get bmp query", err)
	}

	var row bmpRow
	if err := sqlxGet(ctx, s.conn(ctx), &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("bmp", bmpID)
		}
		return nil, errors.NewIOError("query bmp", err)
	}
	return row.toModel(), nil
}
