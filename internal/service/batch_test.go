package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	sqsqueue "commhub/internal/queue/sqs"
)

type fakeQueue struct {
	jobs   []sqsqueue.DispatchJob
	failAt int
}

func (q *fakeQueue) EnqueueDispatch(_ context.Context, job sqsqueue.DispatchJob) error {
	if q.failAt > 0 && len(q.jobs)+1 == q.failAt {
		return errors.New("sqs down")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func batchReq() domain.BatchRequest {
	return domain.BatchRequest{
		CompanyID: "co", Channel: domain.ChannelSMS, Body: "Hi {name}",
		Vars: map[string]string{"name": "there"},
		Recipients: []domain.BatchRecipient{
			{To: "+15551230001", Vars: map[string]string{"name": "Ana"}},
			{To: "+15551230002"},
		},
	}
}

func TestEnqueueBatch(t *testing.T) {
	q := &fakeQueue{}
	svc := &BatchService{Queue: q}

	res, err := svc.EnqueueBatch(context.Background(), "b1", batchReq())
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResponse{BatchKey: "b1", Queued: 2}, res)

	require.Len(t, q.jobs, 2)
	assert.Equal(t, "b1:0", q.jobs[0].IdempotencyKey)
	assert.Equal(t, "b1:1", q.jobs[1].IdempotencyKey)
	assert.Equal(t, "Ana", q.jobs[0].Request.Vars["name"])
	assert.Equal(t, "there", q.jobs[1].Request.Vars["name"])
	assert.Equal(t, "+15551230002", q.jobs[1].Request.To)
}

func TestEnqueueBatchDerivesStableKey(t *testing.T) {
	a, err := (&BatchService{Queue: &fakeQueue{}}).EnqueueBatch(context.Background(), "", batchReq())
	require.NoError(t, err)
	b, err := (&BatchService{Queue: &fakeQueue{}}).EnqueueBatch(context.Background(), "", batchReq())
	require.NoError(t, err)
	assert.Equal(t, a.BatchKey, b.BatchKey)
	assert.NotEmpty(t, a.BatchKey)
}

func TestEnqueueBatchErrors(t *testing.T) {
	_, err := (&BatchService{Queue: &fakeQueue{}}).EnqueueBatch(context.Background(), "b", domain.BatchRequest{CompanyID: "co", Channel: domain.ChannelSMS, Body: "x"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	q := &fakeQueue{failAt: 2}
	_, err = (&BatchService{Queue: q}).EnqueueBatch(context.Background(), "b", batchReq())
	assert.Equal(t, apperr.CodeDependency, apperr.CodeOf(err))
	assert.Len(t, q.jobs, 1)
}
