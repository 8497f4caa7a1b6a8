// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"time"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
)

// Row structs mirror the SQL column layout exactly (plain integers,
// nullable wrappers); conversion to the public model types happens
// once, here, instead of leaking database/sql nullability throughout
// the rest of the module.

type boardRow struct {
	BoardID                int64         `db:"board_id"`
	MachineID              int64         `db:"machine_id"`
	X                      int           `db:"x"`
	Y                      int           `db:"y"`
	Z                      int           `db:"z"`
	Cabinet                int           `db:"cabinet"`
	Frame                  int           `db:"frame"`
	BoardNum               int           `db:"board_num"`
	RootX                  int           `db:"root_x"`
	RootY                  int           `db:"root_y"`
	Address                string        `db:"address"`
	BMPID                  int64         `db:"bmp_id"`
	Functioning            sql.NullBool  `db:"functioning"`
	AllocatedJob           sql.NullInt64 `db:"allocated_job"`
	BoardPower             bool          `db:"board_power"`
	PowerOnTimestamp       sql.NullInt64 `db:"power_on_timestamp"`
	PowerOffTimestamp      sql.NullInt64 `db:"power_off_timestamp"`
	BlacklistSetTimestamp  sql.NullInt64 `db:"blacklist_set_timestamp"`
	BlacklistSyncTimestamp sql.NullInt64 `db:"blacklist_sync_timestamp"`
}

func unixOrNil(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func timeToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func (r boardRow) toModel() *model.Board {
	b := &model.Board{
		BoardID:                r.BoardID,
		MachineID:              r.MachineID,
		X:                      r.X,
		Y:                      r.Y,
		Z:                      r.Z,
		Cabinet:                r.Cabinet,
		Frame:                  r.Frame,
		BNum:                   r.BoardNum,
		RootX:                  r.RootX,
		RootY:                  r.RootY,
		Address:                r.Address,
		BMPID:                  r.BMPID,
		BoardPower:             r.BoardPower,
		PowerOnTimestamp:       unixOrNil(r.PowerOnTimestamp),
		PowerOffTimestamp:      unixOrNil(r.PowerOffTimestamp),
		BlacklistSetTimestamp:  unixOrNil(r.BlacklistSetTimestamp),
		BlacklistSyncTimestamp: unixOrNil(r.BlacklistSyncTimestamp),
	}
	if r.Functioning.Valid {
		v := r.Functioning.Bool
		b.Functioning = &v
	}
	if r.AllocatedJob.Valid {
		v := r.AllocatedJob.Int64
		b.AllocatedJob = &v
	}
	return b
}

type jobRow struct {
	JobID                int64          `db:"job_id"`
	MachineID            int64          `db:"machine_id"`
	Owner                string         `db:"owner"`
	GroupID              int64          `db:"group_id"`
	KeepaliveInterval    int64          `db:"keepalive_interval"`
	KeepaliveTimestamp   int64          `db:"keepalive_timestamp"`
	KeepaliveHost        string         `db:"keepalive_host"`
	CreateTimestamp      int64          `db:"create_timestamp"`
	AllocationTimestamp  sql.NullInt64  `db:"allocation_timestamp"`
	DeathTimestamp       sql.NullInt64  `db:"death_timestamp"`
	DeathReason          sql.NullString `db:"death_reason"`
	OriginalRequest      []byte         `db:"original_request"`
	Width                sql.NullInt64  `db:"width"`
	Height               sql.NullInt64  `db:"height"`
	Depth                sql.NullInt64  `db:"depth"`
	RootID               sql.NullInt64  `db:"root_id"`
	AllocationSize       int            `db:"allocation_size"`
	NumPending           int            `db:"num_pending"`
	JobState             int            `db:"job_state"`
	AccountedFor         bool           `db:"accounted_for"`
}

func (r jobRow) toModel() *model.Job {
	j := &model.Job{
		JobID:               r.JobID,
		MachineID:           r.MachineID,
		Owner:               r.Owner,
		GroupID:             r.GroupID,
		KeepaliveInterval:   time.Duration(r.KeepaliveInterval) * time.Second,
		KeepaliveTimestamp:  time.Unix(r.KeepaliveTimestamp, 0).UTC(),
		KeepaliveHost:       r.KeepaliveHost,
		CreateTimestamp:     time.Unix(r.CreateTimestamp, 0).UTC(),
		AllocationTimestamp: unixOrNil(r.AllocationTimestamp),
		DeathTimestamp:      unixOrNil(r.DeathTimestamp),
		OriginalRequest:     r.OriginalRequest,
		AllocationSize:      r.AllocationSize,
		NumPending:          r.NumPending,
		JobState:            model.JobState(r.JobState),
		AccountedFor:        r.AccountedFor,
	}
	if r.DeathReason.Valid {
		j.DeathReason = r.DeathReason.String
	}
	if r.Width.Valid {
		j.Width = int(r.Width.Int64)
	}
	if r.Height.Valid {
		j.Height = int(r.Height.Int64)
	}
	if r.Depth.Valid {
		j.Depth = int(r.Depth.Int64)
	}
	if r.RootID.Valid {
		v := r.RootID.Int64
		j.RootID = &v
	}
	return j
}

type requestRow struct {
	ReqID         int64         `db:"req_id"`
	JobID         int64         `db:"job_id"`
	Kind          int           `db:"kind"`
	NumBoards     sql.NullInt64 `db:"num_boards"`
	Width         sql.NullInt64 `db:"width"`
	Height        sql.NullInt64 `db:"height"`
	BoardID       sql.NullInt64 `db:"board_id"`
	MaxDeadBoards int           `db:"max_dead_boards"`
	Priority      int           `db:"priority"`
	Importance    int           `db:"importance"`
}

func (r requestRow) toModel() *model.Request {
	req := &model.Request{
		ReqID:         r.ReqID,
		JobID:         r.JobID,
		Kind:          model.RequestKind(r.Kind),
		MaxDeadBoards: r.MaxDeadBoards,
		Priority:      r.Priority,
		Importance:    r.Importance,
	}
	if r.NumBoards.Valid {
		req.NumBoards = int(r.NumBoards.Int64)
	}
	if r.Width.Valid {
		req.Width = int(r.Width.Int64)
	}
	if r.Height.Valid {
		req.Height = int(r.Height.Int64)
	}
	if r.BoardID.Valid {
		v := r.BoardID.Int64
		req.BoardID = &v
	}
	return req
}

type pendingChangeRow struct {
	ChangeID   int64 `db:"change_id"`
	JobID      int64 `db:"job_id"`
	BoardID    int64 `db:"board_id"`
	FromState  int   `db:"from_state"`
	ToState    int   `db:"to_state"`
	Power      bool  `db:"power"`
	FPGAN      bool  `db:"fpga_n"`
	FPGAE      bool  `db:"fpga_e"`
	FPGASE     bool  `db:"fpga_se"`
	FPGAS      bool  `db:"fpga_s"`
	FPGAW      bool  `db:"fpga_w"`
	FPGANW     bool  `db:"fpga_nw"`
	InProgress bool  `db:"in_progress"`
	Failures   int   `db:"failures"`
	NextTryAt  int64 `db:"next_try_at"`
}

func (r pendingChangeRow) toModel() *model.PendingChange {
	return &model.PendingChange{
		ChangeID:  r.ChangeID,
		JobID:     r.JobID,
		BoardID:   r.BoardID,
		FromState: model.JobState(r.FromState),
		ToState:   model.JobState(r.ToState),
		Power:     r.Power,
		FPGA: [6]bool{
			r.FPGAN, r.FPGAE, r.FPGASE, r.FPGAS, r.FPGAW, r.FPGANW,
		},
		InProgress: r.InProgress,
	}
}

type blacklistOpRow struct {
	OpID      int64          `db:"op_id"`
	BoardID   int64          `db:"board_id"`
	Op        int            `db:"op"`
	Completed bool           `db:"completed"`
	Data      []byte         `db:"data"`
	Failure   sql.NullString `db:"failure"`
}

func (r blacklistOpRow) toModel() *model.BlacklistOp {
	op := &model.BlacklistOp{
		OpID:      r.OpID,
		BoardID:   r.BoardID,
		Op:        model.BlacklistOpKind(r.Op),
		Completed: r.Completed,
		Data:      r.Data,
	}
	if r.Failure.Valid {
		op.Failure = r.Failure.String
	}
	return op
}
