package queue

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

type rabbitConsumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	cfg     *config.QueueConfig
	logger  observability.Logger
	metrics observability.Metrics
}

func newRabbitConsumer(cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) (Consumer, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// Declare is idempotent; the publisher declares the same queue.
	if _, err := channel.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Name, err)
	}

	return &rabbitConsumer{
		conn:    conn,
		channel: channel,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (q *rabbitConsumer) Consume(ctx context.Context, handler JobHandler) error {
	deliveries, err := q.channel.Consume(q.cfg.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume from %s: %w", q.cfg.Name, err)
	}

	q.logger.Info("consuming job payloads", "queue", q.cfg.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", q.cfg.Name)
			}
			// Each delivery gets its own goroutine so a long merge
			// transaction never stalls other deliveries.
			go q.handle(ctx, d, handler)
		}
	}
}

func (q *rabbitConsumer) handle(ctx context.Context, d amqp091.Delivery, handler JobHandler) {
	if err := handler(ctx, d.Body); err != nil {
		q.logger.Error("job failed", "error", err, "queue", q.cfg.Name)
		q.metrics.RecordError("consume", "handler")
		// No requeue: the queue's dead-letter policy owns retry.
		if nackErr := d.Nack(false, false); nackErr != nil {
			q.logger.Error("nack failed", "error", nackErr)
		}
		return
	}

	q.metrics.RecordSuccess("consume")
	if ackErr := d.Ack(false); ackErr != nil {
		q.logger.Error("ack failed", "error", ackErr)
	}
}

func (q *rabbitConsumer) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
