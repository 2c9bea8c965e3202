package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/glimte/amqp-endpoint/codec"
	"github.com/glimte/amqp-endpoint/internal/config"
	"github.com/glimte/amqp-endpoint/internal/observability"
	"github.com/glimte/amqp-endpoint/internal/rabbitmq"
	"github.com/glimte/amqp-endpoint/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errNoResponse is returned when no matching response arrives in time.
var errNoResponse = errors.New("no response received")

type sendRequest struct {
	Exchange      string
	RequestTopic  string
	ResponseTopic string
	Body          []byte
	Timeout       time.Duration
}

func newSendCmd() *cobra.Command {
	v := viper.New()
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <json | ->",
		Short: "Publish one request and print its response",
		Long: `Publish a request to --exchange under --request-topic and wait for the
response published under --response-topic with the same correlation id.
Pass - to read the request from stdin.

Examples:
  amqp-endpoint send --exchange calc --request-topic calc.request --response-topic calc.response '{"op": "add", "a": 2, "b": 3}'
  echo '{"op": "divide", "a": 1, "b": 0}' | amqp-endpoint send --exchange calc --request-topic calc.request --response-topic calc.response -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cmd.ErrOrStderr())

			body := []byte(args[0])
			if args[0] == "-" {
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read request: %w", err)
				}
			}

			var probe any
			if err := (codec.JSON{}).Decode(body, &probe); err != nil {
				return fmt.Errorf("request is not valid JSON: %w", err)
			}
			if cfg.Connection == "" {
				return fmt.Errorf("%w: broker URL is required (set AMQP_CONNECTION or use --url)", rabbitmq.ErrInvalidConfiguration)
			}

			cm := rabbitmq.NewConnectionManager(cfg.Connection,
				rabbitmq.WithLogger(logger),
				rabbitmq.WithConnectionName("amqp-endpoint-send"),
			)

			var conn rabbitmq.Connection
			policy := reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2.0, 3)
			err = reliability.Retry(cmd.Context(), policy, func() error {
				var dialErr error
				conn, dialErr = cm.Connect(cmd.Context())
				if dialErr != nil && !rabbitmq.IsRetryable(dialErr) {
					return reliability.RetryableError{Err: dialErr, Retryable: false}
				}
				return dialErr
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			response, err := send(cmd.Context(), conn, sendRequest{
				Exchange:      cfg.Exchange,
				RequestTopic:  cfg.RequestTopic,
				ResponseTopic: cfg.ResponseTopic,
				Body:          body,
				Timeout:       timeout,
			})
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(response))
			return err
		},
	}

	config.BindBrokerFlags(cmd, v)
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the response")

	return cmd
}

// send publishes one request and waits for the response carrying its
// correlation id. Responses to other requesters are skipped.
func send(ctx context.Context, conn rabbitmq.Connection, req sendRequest) ([]byte, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &rabbitmq.ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	replyQueue := "amqp-endpoint.send." + uuid.NewString()
	topology := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: req.Exchange, Type: amqp.ExchangeTopic},
		},
		Queues: []rabbitmq.QueueDeclaration{
			{Name: replyQueue, Exclusive: true, AutoDelete: true},
		},
		Bindings: []rabbitmq.Binding{
			{Queue: replyQueue, Exchange: req.Exchange, RoutingKey: req.ResponseTopic},
		},
	}
	if err := rabbitmq.DeclareTopology(ch, topology); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(replyQueue, "", true, true, false, false, nil)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{Queue: replyQueue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	correlationID := uuid.NewString()
	if err := rabbitmq.NewPublisher(ch).Publish(ctx, rabbitmq.PublishMessage{
		Exchange:      req.Exchange,
		RoutingKey:    req.RequestTopic,
		Body:          req.Body,
		CorrelationID: correlationID,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w within %s", errNoResponse, req.Timeout)
		case d, ok := <-deliveries:
			if !ok {
				return nil, &rabbitmq.ConnectionLostError{Queue: replyQueue, Timestamp: time.Now()}
			}
			if d.CorrelationId == correlationID {
				return d.Body, nil
			}
		}
	}
}
