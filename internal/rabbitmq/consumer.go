package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/amqp-endpoint/internal/observability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ProcessFunc turns a request body into a response body. ok is false when
// nothing should be published.
type ProcessFunc func(ctx context.Context, body []byte) (response []byte, ok bool)

// Consumer drives one consume stream: receive, acknowledge, process,
// publish. Messages are handled strictly one at a time, so the channel is
// never used by two goroutines at once.
type Consumer struct {
	ch          Channel
	publisher   *Publisher
	queue       string
	exchange    string
	responseKey string
	consumerTag string
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(metrics *observability.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// WithPublisher replaces the publisher used for responses
func WithPublisher(p *Publisher) ConsumerOption {
	return func(c *Consumer) {
		c.publisher = p
	}
}

// NewConsumer creates a consumer reading queue on ch and answering to
// exchange under responseKey.
func NewConsumer(ch Channel, queue, exchange, responseKey string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:          ch,
		queue:       queue,
		exchange:    exchange,
		responseKey: responseKey,
		consumerTag: "amqp-endpoint-" + uuid.NewString(),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewPublisher(ch)
	}

	return c
}

// ConsumerTag returns the tag this consumer registers with
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// Run registers the consumer and processes deliveries until the stream
// ends. It returns an error wrapping ErrConsumerCancelled when ctx is
// cancelled, a *ConnectionLostError when the broker ends the stream, and a
// *ConsumerError or *PublishError when the channel fails mid-message.
// closed may be nil; when set it should carry the connection close reason.
func (c *Consumer) Run(ctx context.Context, closed <-chan *amqp.Error, process ProcessFunc) error {
	deliveries, err := c.ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	for {
		select {
		case <-ctx.Done():
			return c.cancel(ctx)

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return fmt.Errorf("%w: %w", ErrConsumerCancelled, context.Cause(ctx))
				}
				return c.streamEnded(closed)
			}

			if err := c.handleDelivery(ctx, delivery, process); err != nil {
				return err
			}
		}
	}
}

// handleDelivery processes a single message
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, process ProcessFunc) error {
	c.logger.Info("received a new message",
		"queue", c.queue,
		"deliveryTag", delivery.DeliveryTag,
	)
	c.metrics.MessageReceived(c.queue)

	// Acked before processing: a crash while handling loses the message
	// rather than redelivering it.
	if err := delivery.Ack(false); err != nil {
		return &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.consumerTag,
			Op:          "ack",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	// Shutdown never interrupts a handler that already started.
	workCtx := context.WithoutCancel(ctx)

	response, ok := process(workCtx, delivery.Body)
	if !ok {
		return nil
	}

	if err := c.publisher.Publish(workCtx, PublishMessage{
		Exchange:      c.exchange,
		RoutingKey:    c.responseKey,
		Body:          response,
		CorrelationID: delivery.CorrelationId,
	}); err != nil {
		return err
	}

	c.metrics.ResponsePublished(c.exchange, c.responseKey)
	c.logger.Info("sent response",
		"exchange", c.exchange,
		"routingKey", c.responseKey,
	)

	return nil
}

// cancel stops the broker from sending more deliveries. Deliveries that
// were prefetched but not acked are requeued by the broker once the
// channel closes.
func (c *Consumer) cancel(ctx context.Context) error {
	if err := c.ch.Cancel(c.consumerTag, false); err != nil {
		c.logger.Warn("failed to cancel consumer",
			"consumerTag", c.consumerTag,
			"error", err,
		)
	}
	c.logger.Info("consumer has been cancelled", "queue", c.queue)
	return fmt.Errorf("%w: %w", ErrConsumerCancelled, context.Cause(ctx))
}

func (c *Consumer) streamEnded(closed <-chan *amqp.Error) error {
	lost := &ConnectionLostError{Queue: c.queue, Timestamp: time.Now()}

	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			lost.Cause = amqpErr
		}
	default:
	}

	c.logger.Warn("delivery channel closed", "queue", c.queue, "error", lost)
	return lost
}
