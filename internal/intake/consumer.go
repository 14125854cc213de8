package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/wa-dispatcher/internal/api/dto"
	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// DefaultPrefetchCount is the number of unacknowledged requests held by the consumer
const DefaultPrefetchCount = 10

// Source delivers intake messages
type Source interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Enqueuer accepts bulk send jobs
type Enqueuer interface {
	Enqueue(input domain.JobInput) (domain.Job, error)
}

// Config holds intake consumer configuration
type Config struct {
	Logger        *slog.Logger
	Source        Source
	Queue         Enqueuer
	ConsumerTag   string
	PrefetchCount int
}

// Consumer turns intake queue messages into dispatcher jobs
type Consumer struct {
	logger        *slog.Logger
	source        Source
	queue         Enqueuer
	consumerTag   string
	prefetchCount int
}

// NewConsumer creates a new intake consumer
func NewConsumer(cfg *Config) *Consumer {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = DefaultPrefetchCount
	}
	tag := cfg.ConsumerTag
	if tag == "" {
		tag = "wa-dispatcher-" + uuid.NewString()[:8]
	}
	return &Consumer{
		logger:        cfg.Logger,
		source:        cfg.Source,
		queue:         cfg.Queue,
		consumerTag:   tag,
		prefetchCount: prefetch,
	}
}

// Run consumes until ctx is canceled or the delivery channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.consumerTag, c.prefetchCount)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Intake consumer started",
		slog.String("consumer_tag", c.consumerTag),
		slog.Int("prefetch_count", c.prefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Intake consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			c.handle(delivery)
		}
	}
}

// handle enqueues one request and settles the delivery
func (c *Consumer) handle(delivery amqp.Delivery) {
	// Step 1: Decode the request
	var req dto.CreateJobRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		c.logger.Error("Failed to parse intake message JSON",
			slog.String("error", err.Error()),
			slog.Int("body_size", len(delivery.Body)),
		)
		c.nack(delivery, false, "malformed message")
		return
	}

	// Step 2: Validate the optional correlation id
	if req.RequestID != "" {
		if _, err := uuid.Parse(req.RequestID); err != nil {
			c.logger.Error("Invalid request_id format - not a UUID",
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
			c.nack(delivery, false, "invalid request_id")
			return
		}
	}

	// Step 3: Enqueue
	job, err := c.queue.Enqueue(req.ToInput())
	if err != nil {
		if errors.Is(err, domain.ErrQueueClosed) {
			c.logger.Info("Dispatcher shutting down, returning message to queue",
				slog.String("request_id", req.RequestID),
			)
			c.nack(delivery, true, "shutdown")
			return
		}
		c.logger.Error("Intake request rejected",
			slog.String("request_id", req.RequestID),
			slog.String("tenant_id", req.TenantID),
			slog.String("error", err.Error()),
		)
		c.nack(delivery, false, "rejected")
		return
	}

	// Step 4: Acknowledge
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK intake message",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.logger.Info("Intake request enqueued",
		slog.String("request_id", req.RequestID),
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.Int("total_recipients", job.TotalRecipients),
	)
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool, reason string) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK intake message",
			slog.String("reason", reason),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
