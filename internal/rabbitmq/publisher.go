package rabbitmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is the content type stamped on every response.
const ContentTypeJSON = "text/json"

// Publisher publishes response messages on a channel. Publishes are
// fire-and-forget: the channel is not in confirm mode.
type Publisher struct {
	ch             Channel
	contentType    string
	publishTimeout time.Duration
	now            func() time.Time
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithContentType overrides the content type header
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// WithPublishTimeout sets the publish timeout
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher bound to ch
func NewPublisher(ch Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		contentType:    ContentTypeJSON,
		publishTimeout: 10 * time.Second,
		now:            time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	CorrelationID string
}

// Publish sends msg as a persistent message.
func (p *Publisher) Publish(ctx context.Context, msg PublishMessage) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	publishing := amqp.Publishing{
		ContentType:   p.contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: msg.CorrelationID,
		Timestamp:     p.now().UTC(),
		Body:          msg.Body,
	}

	if err := p.ch.PublishWithContext(
		ctx,
		msg.Exchange,
		msg.RoutingKey,
		false, // mandatory
		false, // immediate
		publishing,
	); err != nil {
		return &PublishError{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}
