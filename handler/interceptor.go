package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Interceptor wraps a Handler call
type Interceptor interface {
	// Intercept processes a request and calls the next handler in the chain
	Intercept(ctx context.Context, request any, next Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, request any, next Handler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, request any, next Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, request any, next Handler) (any, error) {
	return i.fn(ctx, request, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors; the first one added runs outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	return names
}

// Then wraps final with the chain.
func (c *Chain) Then(final Handler) Handler {
	h := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := h
		h = func(ctx context.Context, request any) (any, error) {
			return interceptor.Intercept(ctx, request, next)
		}
	}
	return h
}

// RecoverInterceptor converts panics in the rest of the chain into *PanicError
type RecoverInterceptor struct{}

// Intercept implements Interceptor
func (RecoverInterceptor) Intercept(ctx context.Context, request any, next Handler) (any, error) {
	return Protect(next)(ctx, request)
}

// Name implements Interceptor
func (RecoverInterceptor) Name() string {
	return "RecoverInterceptor"
}

// LoggingInterceptor logs each handler call at debug level
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, request any, next Handler) (any, error) {
	start := time.Now()
	i.logger.DebugContext(ctx, "invoking handler")

	response, err := next(ctx, request)
	if err != nil {
		i.logger.DebugContext(ctx, "handler failed", "duration", time.Since(start), "error", err)
		return response, err
	}

	i.logger.DebugContext(ctx, "handler returned", "duration", time.Since(start), "empty", response == nil)
	return response, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor gives each handler call a deadline. The handler must
// honour ctx; a handler that ignores it still runs to completion.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, request any, next Handler) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	response, err := next(ctx, request)
	if err == nil && ctx.Err() != nil {
		return nil, fmt.Errorf("handler exceeded %s: %w", i.timeout, ctx.Err())
	}
	return response, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// TracingInterceptor records a span around each handler call
type TracingInterceptor struct {
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

// NewTracingInterceptor creates a new tracing interceptor
func NewTracingInterceptor(tracer trace.Tracer, attrs ...attribute.KeyValue) *TracingInterceptor {
	return &TracingInterceptor{tracer: tracer, attrs: attrs}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, request any, next Handler) (any, error) {
	ctx, span := i.tracer.Start(ctx, "amqp-endpoint.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(i.attrs...),
	)
	defer span.End()

	response, err := next(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return response, err
	}

	span.SetStatus(codes.Ok, "")
	return response, nil
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}
