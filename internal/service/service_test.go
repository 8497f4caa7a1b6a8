// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinnaker-tools/spalloc-core/internal/model"
	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

type fakeStore struct {
	machines   map[int64]*model.Machine
	jobs       map[int64]*model.Job
	nextJobID  int64
	requests   []*model.Request
	keptAlive  map[int64]string
	missingJob bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		machines:  make(map[int64]*model.Machine),
		jobs:      make(map[int64]*model.Job),
		keptAlive: make(map[int64]string),
	}
}

func (f *fakeStore) GetMachine(ctx context.Context, machineID int64) (*model.Machine, error) {
	m, ok := f.machines[machineID]
	if !ok {
		return nil, errors.NewNotFound("machine", machineID)
	}
	return m, nil
}

func (f *fakeStore) ListMachines(ctx context.Context, includeOutOfService bool) ([]*model.Machine, error) {
	var out []*model.Machine
	for _, m := range f.machines {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	f.nextJobID++
	j.JobID = f.nextJobID
	f.jobs[j.JobID] = j
	return j.JobID, nil
}

func (f *fakeStore) CreateRequest(ctx context.Context, r *model.Request) (int64, error) {
	f.requests = append(f.requests, r)
	return int64(len(f.requests)), nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.NewNotFound("job", jobID)
	}
	return j, nil
}

func (f *fakeStore) ListLiveJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	var out []*model.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) UpdateKeepalive(ctx context.Context, jobID int64, host string, at int64) error {
	if f.missingJob {
		return errors.NewNotFound("job", jobID)
	}
	f.keptAlive[jobID] = host
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

type fakeQuota struct {
	rejectErr error
	lastGroup int64
	lastReq   int64
}

func (f *fakeQuota) CheckReservation(ctx context.Context, groupID int64, requested int64) error {
	f.lastGroup = groupID
	f.lastReq = requested
	return f.rejectErr
}

type fakeDestroyer struct {
	lastJobID int64
	lastReason string
}

func (f *fakeDestroyer) Destroy(ctx context.Context, jobID int64, reason string, at time.Time) error {
	f.lastJobID = jobID
	f.lastReason = reason
	return nil
}

func TestSubmit_CreatesJobAndRequest(t *testing.T) {
	st := newFakeStore()
	st.machines[1] = &model.Machine{MachineID: 1, InService: true}
	q := &fakeQuota{}
	svc := New(st, q, &fakeDestroyer{})

	jobID, err := svc.Submit(context.Background(), 1, "alice", 7, time.Minute, "host-1", SubmitRequest{
		Kind:      model.RequestByCount,
		NumBoards: 1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), jobID)
	assert.Len(t, st.requests, 1)
	assert.Equal(t, model.RequestByCount, st.requests[0].Kind)
	assert.Equal(t, int64(1), q.lastReq)
}

func TestSubmit_RejectsUnknownMachine(t *testing.T) {
	st := newFakeStore()
	svc := New(st, &fakeQuota{}, &fakeDestroyer{})

	_, err := svc.Submit(context.Background(), 99, "alice", 7, time.Minute, "host-1", SubmitRequest{Kind: model.RequestByCount, NumBoards: 1}, nil)
	require.Error(t, err)
}

func TestSubmit_RejectsOutOfServiceMachine(t *testing.T) {
	st := newFakeStore()
	st.machines[1] = &model.Machine{MachineID: 1, InService: false}
	svc := New(st, &fakeQuota{}, &fakeDestroyer{})

	_, err := svc.Submit(context.Background(), 1, "alice", 7, time.Minute, "host-1", SubmitRequest{Kind: model.RequestByCount, NumBoards: 1}, nil)
	require.Error(t, err)
}

func TestSubmit_SurfacesQuotaRejection(t *testing.T) {
	st := newFakeStore()
	st.machines[1] = &model.Machine{MachineID: 1, InService: true}
	q := &fakeQuota{rejectErr: errors.NewQuotaExceeded(7, 0, 10)}
	svc := New(st, q, &fakeDestroyer{})

	_, err := svc.Submit(context.Background(), 1, "alice", 7, time.Minute, "host-1", SubmitRequest{Kind: model.RequestByCount, NumBoards: 10}, nil)
	require.Error(t, err)
}

func TestSubmit_RejectsZeroNumBoards(t *testing.T) {
	st := newFakeStore()
	st.machines[1] = &model.Machine{MachineID: 1, InService: true}
	svc := New(st, &fakeQuota{}, &fakeDestroyer{})

	_, err := svc.Submit(context.Background(), 1, "alice", 7, time.Minute, "host-1", SubmitRequest{Kind: model.RequestByCount, NumBoards: 0}, nil)
	require.Error(t, err)
}

func TestSubmit_RejectsMissingBoardID(t *testing.T) {
	st := newFakeStore()
	st.machines[1] = &model.Machine{MachineID: 1, InService: true}
	svc := New(st, &fakeQuota{}, &fakeDestroyer{})

	_, err := svc.Submit(context.Background(), 1, "alice", 7, time.Minute, "host-1", SubmitRequest{Kind: model.RequestByBoardID}, nil)
	require.Error(t, err)
}

func TestDestroy_DelegatesToLifecycle(t *testing.T) {
	st := newFakeStore()
	d := &fakeDestroyer{}
	svc := New(st, &fakeQuota{}, d)

	require.NoError(t, svc.Destroy(context.Background(), 42, "operator requested"))
	assert.Equal(t, int64(42), d.lastJobID)
	assert.Equal(t, "operator requested", d.lastReason)
}

func TestKeepalive_SurfacesNotFound(t *testing.T) {
	st := newFakeStore()
	st.missingJob = true
	svc := New(st, &fakeQuota{}, &fakeDestroyer{})

	err := svc.Keepalive(context.Background(), 1, "host-1")
	require.Error(t, err)
}
