package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type sqsConsumer struct {
	client   sqsAPI
	queueURL string
	cfg      *config.QueueConfig
	logger   observability.Logger
	metrics  observability.Metrics
}

func newSQSConsumer(cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) (Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	out, err := client.GetQueueUrl(context.Background(), &sqs.GetQueueUrlInput{
		QueueName: aws.String(cfg.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("get queue URL for %s: %w", cfg.Name, err)
	}

	return &sqsConsumer{
		client:   client,
		queueURL: aws.ToString(out.QueueUrl),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

func (q *sqsConsumer) Consume(ctx context.Context, handler JobHandler) error {
	q.logger.Info("consuming job payloads", "queue", q.cfg.Name)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive from %s: %w", q.cfg.Name, err)
		}

		// Each message gets its own goroutine so a long merge
		// transaction never stalls the rest of the batch.
		for _, msg := range out.Messages {
			inflight.Add(1)
			go func(m sqstypes.Message) {
				defer inflight.Done()
				q.handle(ctx, m, handler)
			}(msg)
		}
	}
}

func (q *sqsConsumer) handle(ctx context.Context, msg sqstypes.Message, handler JobHandler) {
	if err := handler(ctx, []byte(aws.ToString(msg.Body))); err != nil {
		q.logger.Error("job failed", "error", err, "queue", q.cfg.Name)
		q.metrics.RecordError("consume", "handler")
		// Leave the message; the visibility timeout returns it.
		return
	}

	q.metrics.RecordSuccess("consume")
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		q.logger.Error("delete message failed", "error", err)
	}
}

func (q *sqsConsumer) Close() error {
	return nil
}
