package service

import (
	"context"
	"encoding/json"
	"fmt"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/idempotency"
	"commhub/internal/observability"
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/util"
)

type Queue interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob) error
}

// BatchService fans a batch out into one queued dispatch job per recipient.
type BatchService struct {
	Queue Queue
}

// ItemKey is the idempotency key of recipient i of a batch. Replaying a job
// re-enters Dispatch with the same key, so a recipient is sent at most once.
func ItemKey(batchKey string, i int) string {
	return fmt.Sprintf("%s:%d", batchKey, i)
}

// EnqueueBatch publishes every recipient of req. An empty batchKey is derived
// from the request body.
func (s *BatchService) EnqueueBatch(ctx context.Context, batchKey string, req domain.BatchRequest) (domain.BatchResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.BatchResponse{}, apperr.Wrap(apperr.CodeValidation, err, err.Error())
	}
	if batchKey == "" {
		body, err := json.Marshal(req)
		if err != nil {
			return domain.BatchResponse{}, apperr.Wrap(apperr.CodeInternal, err, "encode batch")
		}
		batchKey = idempotency.DeriveKey("communications:batch", body)
	}

	for i, rc := range req.Recipients {
		job := sqsqueue.DispatchJob{
			BatchKey:       batchKey,
			Index:          i,
			IdempotencyKey: ItemKey(batchKey, i),
			Request: domain.DispatchRequest{
				CompanyID:  req.CompanyID,
				Channel:    req.Channel,
				To:         rc.To,
				Subject:    req.Subject,
				Body:       req.Body,
				TemplateID: req.TemplateID,
				Vars:       util.MergeVars(req.Vars, rc.Vars),
			},
		}
		if err := s.Queue.EnqueueDispatch(ctx, job); err != nil {
			observability.Enqueues.WithLabelValues("dispatch", "error").Inc()
			return domain.BatchResponse{}, apperr.Wrap(apperr.CodeDependency, err, "enqueue dispatch job").
				WithDetails(map[string]any{"batchKey": batchKey, "enqueued": i})
		}
		observability.Enqueues.WithLabelValues("dispatch", "ok").Inc()
	}
	return domain.BatchResponse{BatchKey: batchKey, Queued: len(req.Recipients)}, nil
}
