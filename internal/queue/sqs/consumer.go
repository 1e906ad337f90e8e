package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler func(ctx context.Context, job DispatchJob) error

// PollConcurrent processes dispatch jobs with a worker pool. Messages are
// deleted only after handler succeeds.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	return pollConcurrent(ctx, c, workers, "dispatch", handler)
}

// pollConcurrent is the receive loop shared by the dispatch and webhook
// consumers. Undecodable bodies are deleted; handler errors leave the message
// for SQS redrive.
func pollConcurrent[T any](ctx context.Context, c *Consumer, workers int, kind string, handler func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)
	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}
				var v T
				if err := json.Unmarshal([]byte(*m.Body), &v); err != nil {
					slog.Warn("sqs poison message dropped", "kind", kind, "err", err)
					c.delete(ctx, m)
					continue
				}
				if err := handler(ctx, v); err != nil {
					slog.Error("sqs handler error", "kind", kind, "err", err)
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	go func() {
		defer close(msgs)
		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}
			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("sqs receive message failed", "kind", kind, "err", err)
				}
				select {
				case <-ctx.Done():
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
			for _, m := range out.Messages {
				select {
				case msgs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh
	wg.Wait()
	return err
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Warn("sqs delete message failed", "err", err)
	}
}
