// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package endpoint answers requests published to a RabbitMQ topic exchange.
//
// An Endpoint consumes messages routed to its request topic, passes each
// decoded request to a handler and publishes the encoded result back to the
// same exchange under the response topic:
//
//	ep, err := endpoint.New("calc", "calc.request", "calc.response",
//	    func(ctx context.Context, req any) (any, error) {
//	        return map[string]any{"result": 5}, nil
//	    },
//	    endpoint.WithErrorHandler(onError),
//	)
//	if err != nil {
//	    return err
//	}
//	return ep.Run(ctx)
//
// Messages are acknowledged as soon as they arrive, before the handler runs.
// A process that dies mid-request loses that request; it is never
// redelivered. Messages are handled one at a time per endpoint.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/amqp-endpoint/codec"
	"github.com/glimte/amqp-endpoint/handler"
	"github.com/glimte/amqp-endpoint/internal/config"
	"github.com/glimte/amqp-endpoint/internal/observability"
	"github.com/glimte/amqp-endpoint/internal/rabbitmq"
	"github.com/glimte/amqp-endpoint/internal/reliability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidConfiguration is returned by New for missing or bad settings.
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	// ErrAlreadyRunning is returned by Run when the endpoint is already running.
	ErrAlreadyRunning = errors.New("endpoint: already running")
)

const tracerName = "github.com/glimte/amqp-endpoint"

// Endpoint is a request/response bridge over one queue. Its configuration
// is fixed by New; it owns at most one broker connection at a time.
type Endpoint struct {
	exchange      string
	requestTopic  string
	responseTopic string
	queue         string
	reconnect     bool

	logger      *slog.Logger
	metrics     *observability.Metrics
	policy      reliability.ReconnectPolicy
	connections *rabbitmq.ConnectionManager
	processor   *processor
	contentType string

	state   atomic.Int32
	running atomic.Bool
}

// New validates the configuration and builds an endpoint. It does not
// connect; Run does.
func New(exchange, requestTopic, responseTopic string, onReceive handler.Handler, options ...Option) (*Endpoint, error) {
	cfg := &endpointConfig{
		reconnect:      true,
		logger:         slog.Default(),
		codec:          codec.JSON{},
		policy:         reliability.DefaultReconnectPolicy(),
		tracerProvider: otel.GetTracerProvider(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if !cfg.urlSet || !cfg.reconnectSet || cfg.queue == "" {
		env, err := config.FromEnv()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		if !cfg.urlSet {
			cfg.url = env.Connection
		}
		if !cfg.reconnectSet {
			cfg.reconnect = env.Reconnect
		}
		if cfg.queue == "" {
			cfg.queue = env.Queue
		}
	}
	if cfg.queue == "" {
		cfg.queue = exchange + "." + requestTopic
	}

	switch {
	case exchange == "":
		return nil, fmt.Errorf("%w: exchange is required", ErrInvalidConfiguration)
	case requestTopic == "":
		return nil, fmt.Errorf("%w: request topic is required", ErrInvalidConfiguration)
	case responseTopic == "":
		return nil, fmt.Errorf("%w: response topic is required", ErrInvalidConfiguration)
	case onReceive == nil:
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidConfiguration)
	case cfg.url == "":
		return nil, fmt.Errorf("%w: broker URL is required (set AMQP_CONNECTION or use WithConnectionURL)", ErrInvalidConfiguration)
	case cfg.codec == nil:
		return nil, fmt.Errorf("%w: codec must not be nil", ErrInvalidConfiguration)
	case cfg.policy == nil:
		return nil, fmt.Errorf("%w: reconnect policy must not be nil", ErrInvalidConfiguration)
	}

	logger := cfg.logger.With("exchange", exchange, "queue", cfg.queue)

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.connectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(cfg.connectTimeout))
	}

	tracer := cfg.tracerProvider.Tracer(tracerName)
	chain := handler.NewChain(
		handler.RecoverInterceptor{},
		handler.NewTracingInterceptor(tracer,
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", requestTopic),
		),
		handler.NewLoggingInterceptor(logger),
	)
	for _, i := range cfg.interceptors {
		chain.Add(i)
	}

	e := &Endpoint{
		exchange:      exchange,
		requestTopic:  requestTopic,
		responseTopic: responseTopic,
		queue:         cfg.queue,
		reconnect:     cfg.reconnect,
		logger:        logger,
		metrics:       cfg.metrics,
		policy:        cfg.policy,
		connections:   rabbitmq.NewConnectionManager(cfg.url, connOpts...),
		processor:     newProcessor(chain.Then(onReceive), cfg.onError, cfg.codec, logger, cfg.metrics),
		contentType:   cfg.codec.ContentType(),
	}
	e.state.Store(int32(StateDisconnected))

	return e, nil
}

// Run connects, declares the topology and consumes until the endpoint
// terminates. It returns nil when ctx is cancelled or when the connection
// is lost with reconnect disabled. It returns an error when the reconnect
// policy gives up or when the broker URL cannot be parsed.
func (e *Endpoint) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	return e.supervise(ctx)
}

// Process runs one raw request through decode, handler and encode, exactly
// as the consumer does. ok is false when nothing should be published.
func (e *Endpoint) Process(ctx context.Context, raw []byte) (response []byte, ok bool) {
	return e.processor.process(ctx, raw)
}

// Queue returns the consumed queue name
func (e *Endpoint) Queue() string {
	return e.queue
}

// Exchange returns the exchange name
func (e *Endpoint) Exchange() string {
	return e.exchange
}

// State returns the current supervisor state
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// StateName returns the current state as a string
func (e *Endpoint) StateName() string {
	return e.State().String()
}

// Consuming reports whether a consumer is registered on a live connection
func (e *Endpoint) Consuming() bool {
	return e.State() == StateConsuming
}

// URL returns the broker URL with the password removed
func (e *Endpoint) URL() string {
	return e.connections.URL()
}

func (e *Endpoint) setState(s State) {
	e.state.Store(int32(s))
}

// endpointConfig holds endpoint configuration
type endpointConfig struct {
	queue          string
	url            string
	urlSet         bool
	reconnect      bool
	reconnectSet   bool
	onError        handler.ErrorHandler
	logger         *slog.Logger
	codec          codec.Codec
	policy         reliability.ReconnectPolicy
	interceptors   []handler.Interceptor
	metrics        *observability.Metrics
	tracerProvider trace.TracerProvider
	dialer         rabbitmq.DialFunc
	connectTimeout time.Duration
}

// Option configures the endpoint
type Option func(*endpointConfig)

// WithQueueName overrides the default queue name "<exchange>.<request topic>"
func WithQueueName(name string) Option {
	return func(cfg *endpointConfig) {
		cfg.queue = name
	}
}

// WithConnectionURL sets the broker URL. Without it the URL is read from
// AMQP_CONNECTION.
func WithConnectionURL(url string) Option {
	return func(cfg *endpointConfig) {
		cfg.url = url
		cfg.urlSet = true
	}
}

// WithReconnect controls whether the endpoint reconnects after losing the
// broker. Without it AMQP_RECONNECT decides, defaulting to true.
func WithReconnect(enabled bool) Option {
	return func(cfg *endpointConfig) {
		cfg.reconnect = enabled
		cfg.reconnectSet = true
	}
}

// WithErrorHandler sets the fallback invoked when the handler fails
func WithErrorHandler(onError handler.ErrorHandler) Option {
	return func(cfg *endpointConfig) {
		cfg.onError = onError
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *endpointConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCodec replaces the JSON payload codec
func WithCodec(c codec.Codec) Option {
	return func(cfg *endpointConfig) {
		cfg.codec = c
	}
}

// WithReconnectPolicy replaces the fixed one-second reconnect delay
func WithReconnectPolicy(policy reliability.ReconnectPolicy) Option {
	return func(cfg *endpointConfig) {
		cfg.policy = policy
	}
}

// WithReconnectDelay keeps the fixed-delay policy with a different delay
func WithReconnectDelay(delay time.Duration) Option {
	return func(cfg *endpointConfig) {
		cfg.policy = reliability.NewFixedDelay(delay, 0)
	}
}

// WithInterceptors appends interceptors around the handler. They run
// inside the built-in recover, tracing and logging interceptors.
func WithInterceptors(interceptors ...handler.Interceptor) Option {
	return func(cfg *endpointConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithMetrics records Prometheus metrics into m
func WithMetrics(m *observability.Metrics) Option {
	return func(cfg *endpointConfig) {
		cfg.metrics = m
	}
}

// WithTracerProvider sets the tracer provider for handler spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *endpointConfig) {
		if tp != nil {
			cfg.tracerProvider = tp
		}
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dial rabbitmq.DialFunc) Option {
	return func(cfg *endpointConfig) {
		cfg.dialer = dial
	}
}

// WithConnectTimeout bounds each connection attempt
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *endpointConfig) {
		cfg.connectTimeout = timeout
	}
}
