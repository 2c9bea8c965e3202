package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/amqp-endpoint/internal/rabbitmq"
	"github.com/glimte/amqp-endpoint/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// supervise runs connection attempts until the endpoint terminates. Every
// attempt gets a fresh connection and channel.
func (e *Endpoint) supervise(ctx context.Context) error {
	e.logger.Info("starting endpoint",
		"url", e.connections.URL(),
		"requestTopic", e.requestTopic,
		"responseTopic", e.responseTopic,
		"reconnect", e.reconnect,
	)
	defer e.setState(StateTerminated)

	failures := 0
	for {
		consumed, err := e.session(ctx)
		e.metrics.SetConnected(e.queue, false)

		if rabbitmq.IsCancelled(err) || ctx.Err() != nil {
			e.setState(StateCancelled)
			e.logger.Info("endpoint stopped", "reason", "cancelled")
			return nil
		}

		e.setState(StateConnectionLost)
		if consumed {
			failures = 0
		}

		if !rabbitmq.IsRetryable(err) {
			e.logger.Error("connection failed and cannot be retried", "error", err)
			return err
		}

		if !e.reconnect {
			e.logger.Warn("connection lost, reconnect disabled; shutting down", "error", err)
			return nil
		}

		retry, delay := e.policy.ShouldRetry(failures, err)
		if !retry {
			e.logger.Error("giving up on the broker", "attempts", failures+1, "error", err)
			return &reliability.RetryError{
				Op:          "connect " + e.connections.URL(),
				Attempts:    failures + 1,
				MaxAttempts: e.policy.MaxRetries(),
				LastError:   err,
			}
		}
		failures++

		e.logger.Warn("connection lost, reconnecting",
			"error", err,
			"delay", delay,
			"attempt", failures,
		)
		e.metrics.Reconnect(e.queue)
		e.setState(StateDisconnected)

		if err := reliability.Wait(ctx, delay); err != nil {
			e.setState(StateCancelled)
			e.logger.Info("endpoint stopped", "reason", "cancelled")
			return nil
		}
	}
}

// session runs one connection from dial to the end of its consume stream.
// consumed reports whether a consumer was registered, which resets the
// reconnect attempt count.
func (e *Endpoint) session(ctx context.Context) (consumed bool, err error) {
	e.setState(StateConnecting)
	conn, err := e.connections.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		// Fails with amqp.ErrClosed when the broker already dropped it.
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			e.logger.Debug("failed to close connection", "error", closeErr)
		}
	}()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return false, &rabbitmq.ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	defer func() { _ = ch.Close() }()

	e.setState(StateDeclaring)
	topology := rabbitmq.EndpointTopology(e.queue, e.exchange, e.requestTopic)
	if err := rabbitmq.DeclareTopology(ch, topology); err != nil {
		return false, err
	}
	e.logger.Info("topology declared", "requestTopic", e.requestTopic)

	consumer := rabbitmq.NewConsumer(ch, e.queue, e.exchange, e.responseTopic,
		rabbitmq.WithConsumerLogger(e.logger),
		rabbitmq.WithConsumerMetrics(e.metrics),
		rabbitmq.WithPublisher(rabbitmq.NewPublisher(ch, rabbitmq.WithContentType(e.contentType))),
	)

	e.setState(StateConsuming)
	e.metrics.SetConnected(e.queue, true)
	e.logger.Info("waiting for messages", "consumerTag", consumer.ConsumerTag())

	err = consumer.Run(ctx, closed, e.processor.process)

	var consumerErr *rabbitmq.ConsumerError
	if errors.As(err, &consumerErr) && consumerErr.Op == "consume" {
		return false, err
	}
	return true, fmt.Errorf("consume %s: %w", e.queue, err)
}
