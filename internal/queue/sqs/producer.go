package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/cespare/xxhash/v2"

	"commhub/internal/domain"
)

// API is the subset of the SQS client used by producers and consumers.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const defaultGroupBuckets = 64

// DispatchJob is one batch recipient, executed by the worker through Dispatch.
type DispatchJob struct {
	BatchKey       string                 `json:"batchKey"`
	Index          int                    `json:"index"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Request        domain.DispatchRequest `json:"request"`
}

type Producer struct {
	SQS      API
	QueueURL string
	// GroupBuckets spreads a company's jobs over FIFO message groups.
	GroupBuckets int
}

func (p *Producer) fifo() bool { return strings.HasSuffix(p.QueueURL, ".fifo") }

func (p *Producer) EnqueueDispatch(ctx context.Context, job DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if p.fifo() {
		in.MessageGroupId = str(messageGroupIDBucketed(job.Request.CompanyID, job.Request.To, p.GroupBuckets))
		in.MessageDeduplicationId = str(dedupID(job.IdempotencyKey))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// messageGroupIDBucketed keeps one recipient's jobs ordered while letting a
// company's batch fan out over several groups.
func messageGroupIDBucketed(companyID, to string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	b := xxhash.Sum64String(to) % uint64(buckets)
	return fmt.Sprintf("%s:%d", companyID, b)
}

// dedupID fits a key into the 128 character SQS deduplication id limit.
func dedupID(key string) string {
	if len(key) <= 128 {
		return key
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func str(s string) *string { return &s }
