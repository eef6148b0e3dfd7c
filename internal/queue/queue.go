// Package queue delivers CDN log job payloads from a message broker to
// the worker. The adapters here are intentionally thin: they decode
// nothing and retry nothing. Redelivery of failed jobs is the broker's
// policy (dead-lettering on RabbitMQ, visibility timeout on SQS), not
// ours.
package queue

import (
	"context"
	"fmt"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

// JobHandler processes one raw job payload. A nil return acknowledges
// the message; an error hands it back to the broker.
type JobHandler func(ctx context.Context, payload []byte) error

// Consumer receives job payloads until the context is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler JobHandler) error
	Close() error
}

// NewConsumer builds the configured queue adapter.
func NewConsumer(cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) (Consumer, error) {
	switch cfg.Adapter {
	case "rabbitmq":
		logger.Info("creating RabbitMQ consumer", "queue", cfg.Name)
		return newRabbitConsumer(cfg, logger, metrics)
	case "sqs":
		logger.Info("creating SQS consumer", "queue", cfg.Name, "region", cfg.Region)
		return newSQSConsumer(cfg, logger, metrics)
	default:
		return nil, fmt.Errorf("unsupported queue adapter: %q", cfg.Adapter)
	}
}
