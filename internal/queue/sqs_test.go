package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

// fakeSQSClient serves queued batches, then blocks like a long poll
// until the context is cancelled.
type fakeSQSClient struct {
	mu      sync.Mutex
	batches [][]sqstypes.Message
	deleted []string
}

func (f *fakeSQSClient) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQSClient) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newTestSQSConsumer(client *fakeSQSClient) *sqsConsumer {
	return &sqsConsumer{
		client:   client,
		queueURL: "https://sqs.test/queue/cdn_log_jobs",
		cfg:      &config.QueueConfig{Adapter: "sqs", Name: "cdn_log_jobs"},
		logger:   observability.NewNop(),
		metrics:  observability.NopMetrics{},
	}
}

func sqsMessage(body, receipt string) sqstypes.Message {
	return sqstypes.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String(receipt),
	}
}

func TestSQSConsumeDispatchesBatchConcurrently(t *testing.T) {
	client := &fakeSQSClient{
		batches: [][]sqstypes.Message{{
			sqsMessage(`{"path":"a.gz"}`, "receipt-a"),
			sqsMessage(`{"path":"b.gz"}`, "receipt-b"),
		}},
	}
	consumer := newTestSQSConsumer(client)

	// Both handlers must be running at once before either finishes; a
	// sequential dispatch would never get the second one started.
	started := make(chan struct{}, 2)
	proceed := make(chan struct{})
	handler := func(ctx context.Context, payload []byte) error {
		started <- struct{}{}
		<-proceed
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(ctx, handler)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(proceed)
			t.Fatal("batch messages were handled one at a time")
		}
	}
	close(proceed)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.ElementsMatch(t, []string{"receipt-a", "receipt-b"}, client.deleted)
}

func TestSQSConsumeLeavesFailedMessages(t *testing.T) {
	client := &fakeSQSClient{
		batches: [][]sqstypes.Message{{
			sqsMessage("good payload", "receipt-good"),
			sqsMessage("bad payload", "receipt-bad"),
		}},
	}
	consumer := newTestSQSConsumer(client)

	handled := make(chan string, 2)
	handler := func(ctx context.Context, payload []byte) error {
		handled <- string(payload)
		if string(payload) == "bad payload" {
			return assert.AnError
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(ctx, handler)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("not all batch messages were handled")
		}
	}
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	// The failed message is left for the visibility timeout to return.
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"receipt-good"}, client.deleted)
}
