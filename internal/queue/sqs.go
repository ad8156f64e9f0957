package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"reelhouse/internal/models"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type SQSConfig struct {
	QueueURL string
	// VisibilityTimeout hides a received message from other consumers while
	// it is being transcoded. It should exceed the job timeout.
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	Retry             RetryPolicy
	Logger            *slog.Logger
}

// SQS is a Queue on an SQS queue. The receive count SQS maintains is the
// attempt number, and a failed attempt is retried by shortening the message's
// visibility to the policy backoff instead of deleting it.
type SQS struct {
	client     SQSAPI
	queueURL   string
	visibility time.Duration
	wait       time.Duration
	policy     RetryPolicy
	logger     *slog.Logger
	closed     atomic.Bool
}

func NewSQS(client SQSAPI, cfg SQSConfig) (*SQS, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs client is required")
	}
	queueURL := strings.TrimSpace(cfg.QueueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	q := &SQS{
		client:     client,
		queueURL:   queueURL,
		visibility: cfg.VisibilityTimeout,
		wait:       cfg.WaitTime,
		policy:     cfg.Retry.normalized(),
		logger:     cfg.Logger,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.visibility <= 0 {
		q.visibility = q.policy.JobTimeout + 5*time.Minute
	}
	if q.wait <= 0 || q.wait > 20*time.Second {
		q.wait = 20 * time.Second
	}
	return q, nil
}

func (q *SQS) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

func (q *SQS) Consume(ctx context.Context, h Handler) error {
	backoff := time.Second
	for {
		if q.closed.Load() || ctx.Err() != nil {
			return nil
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(q.wait / time.Second),
			VisibilityTimeout:   visibilitySeconds(q.visibility),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("sqs receive failed", "error", err, "retry_in", backoff)
			_ = sleepContext(ctx, backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, message := range out.Messages {
			q.process(ctx, h, message)
		}
	}
}

func (q *SQS) process(ctx context.Context, h Handler, message types.Message) {
	id := aws.ToString(message.MessageId)
	attempt, err := strconv.Atoi(message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || attempt < 1 {
		attempt = 1
	}
	job, err := decodeJob([]byte(aws.ToString(message.Body)))
	if err != nil {
		q.logger.Error("sqs queue dropped undecodable message", "message_id", id, "error", err)
		q.delete(ctx, message)
		return
	}

	delivery := Delivery{ID: id, Job: job, Attempt: attempt}
	handleErr := invoke(ctx, h, delivery, q.policy.JobTimeout)
	if handleErr == nil {
		q.delete(ctx, message)
		return
	}
	if q.policy.Exhausted(attempt) {
		q.logger.Error("transcode job exhausted", "message_id", id, "upload_job_id", job.UploadJobID, "attempt", attempt, "error", handleErr)
		h.Exhausted(ctx, delivery, handleErr)
		q.delete(ctx, message)
		return
	}

	delay := q.policy.Backoff(attempt)
	q.logger.Warn("transcode job failed, retrying", "message_id", id, "upload_job_id", job.UploadJobID, "attempt", attempt, "retry_in", delay, "error", handleErr)
	_, err = q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     message.ReceiptHandle,
		VisibilityTimeout: visibilitySeconds(delay),
	})
	if err != nil {
		q.logger.Warn("sqs change visibility failed", "message_id", id, "error", err)
	}
}

func (q *SQS) delete(ctx context.Context, message types.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil {
		q.logger.Warn("sqs delete failed", "message_id", aws.ToString(message.MessageId), "error", err)
	}
}

func (q *SQS) Close() error {
	q.closed.Store(true)
	return nil
}

// visibilitySeconds clamps to the 0..12h range SQS accepts.
func visibilitySeconds(d time.Duration) int32 {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > 43200 {
		seconds = 43200
	}
	return int32(seconds)
}
