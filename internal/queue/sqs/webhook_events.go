package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"commhub/internal/domain"
)

// WebhookEvent is a verified provider callback buffered for the processor.
// Status is the vendor status mapped onto our lifecycle, empty when it has no
// counterpart. Keep it small; SQS has a 256KB message size limit.
type WebhookEvent struct {
	Provider        string          `json:"provider"`
	ProviderMsgID   string          `json:"providerMsgId"`
	CommunicationID string          `json:"communicationId,omitempty"`
	VendorStatus    string          `json:"vendorStatus"`
	Status          domain.Status   `json:"status,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	OccurredAt      *time.Time      `json:"occurredAt,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

type WebhookProducer struct {
	SQS      API
	QueueURL string
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type WebhookHandler func(ctx context.Context, ev WebhookEvent) error

type WebhookConsumer struct {
	Consumer
}

func (c *WebhookConsumer) PollConcurrent(ctx context.Context, workers int, handler WebhookHandler) error {
	return pollConcurrent(ctx, &c.Consumer, workers, "webhook", handler)
}
