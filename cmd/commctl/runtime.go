package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"commhub/internal/apiclient"
	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/syncqueue"
)

const (
	opDispatch = "dispatch"
	opBatch    = "batch"
)

// runtime is one commctl invocation: the API client plus the local queue
// whose actions call it.
type runtime struct {
	client *apiclient.Client
	queue  *syncqueue.Queue
	closer func() error

	mu      sync.Mutex
	results map[string]domain.Communication
}

func newRuntime(ctx context.Context, client *apiclient.Client, store syncqueue.Persistence, opts syncqueue.Options) (*runtime, error) {
	q, err := syncqueue.New(ctx, store, opts)
	if err != nil {
		return nil, err
	}
	r := &runtime{client: client, queue: q, results: map[string]domain.Communication{}}
	q.Register(opDispatch, r.dispatch)
	q.Register(opBatch, r.batch)
	return r, nil
}

func (r *runtime) dispatch(ctx context.Context, op syncqueue.Operation, progress func(int)) error {
	var req domain.DispatchRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "decode dispatch payload")
	}
	comm, replayed, err := r.client.Dispatch(ctx, req, op.IdempotencyKey)
	if err != nil {
		return classify(err)
	}
	progress(1)
	slog.Debug("dispatched", "operation_id", op.ID, "communication_id", comm.ID, "status", comm.Status, "replayed", replayed)

	r.mu.Lock()
	r.results[op.ID] = comm
	r.mu.Unlock()
	return nil
}

func (r *runtime) batch(ctx context.Context, op syncqueue.Operation, progress func(int)) error {
	var req domain.BatchRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "decode batch payload")
	}
	res, err := r.client.EnqueueBatch(ctx, req, op.IdempotencyKey)
	if err != nil {
		return classify(err)
	}
	progress(res.Queued)
	return nil
}

// classify turns "come back later" answers into network errors so the queue
// keeps the operation instead of failing it.
func classify(err error) error {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Temporary() {
		return apperr.Wrap(apperr.CodeTransientNetwork, err, "api temporarily unavailable")
	}
	return err
}

// connect probes the API and records the result on the queue. Going online
// starts a background drain.
func (r *runtime) connect(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.client.Healthy(pctx)
	if err != nil {
		slog.Debug("api unreachable", "err", err)
	}
	r.queue.SetOnline(err == nil)
	return err == nil
}

func (r *runtime) result(opID string) (domain.Communication, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.results[opID]
	return c, ok
}

func (r *runtime) operation(id string) (syncqueue.Operation, bool) {
	for _, op := range r.queue.Snapshot().Operations {
		if op.ID == id {
			return op, true
		}
	}
	return syncqueue.Operation{}, false
}

func (r *runtime) Close() error {
	r.queue.Wait()
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
