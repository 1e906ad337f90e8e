package worker

import (
	"context"
	"log/slog"
	"time"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	sqsqueue "commhub/internal/queue/sqs"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Communication, bool, error)
}

// Processor executes queued batch jobs. Each job carries its own idempotency
// key, so SQS redelivery replays instead of resending.
type Processor struct {
	Dispatcher Dispatcher
}

// Process returns an error only when the job should be redelivered.
func (p *Processor) Process(ctx context.Context, job sqsqueue.DispatchJob) error {
	start := time.Now()
	req := job.Request
	req.IdempotencyKey = job.IdempotencyKey
	log := slog.With("batch_key", job.BatchKey, "index", job.Index, "company_id", req.CompanyID)

	c, replayed, err := p.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeValidation, apperr.CodeIdempotency:
			// redelivery cannot fix these
			log.Warn("dispatch job dropped", "err", err)
			return nil
		}
		log.Error("dispatch job failed", "err", err, "duration", time.Since(start))
		return err
	}
	log.Info("dispatch job done",
		"communication_id", c.ID,
		"status", c.Status,
		"replayed", replayed,
		"duration", time.Since(start),
	)
	return nil
}
