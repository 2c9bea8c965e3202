package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/glimte/amqp-endpoint/codec"
	"github.com/glimte/amqp-endpoint/handler"
	"github.com/glimte/amqp-endpoint/internal/observability"
)

// Processing outcomes, used as the metrics label.
const (
	outcomeSuccess   = "success"
	outcomeEmpty     = "empty"
	outcomeRecovered = "recovered"
	outcomeDropped   = "dropped"
)

// processor turns request bytes into response bytes. Application failures
// never leave it: they are logged and, when possible, answered by the error
// handler.
type processor struct {
	handle  handler.Handler
	onError handler.ErrorHandler
	codec   codec.Codec
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newProcessor(h handler.Handler, onError handler.ErrorHandler, c codec.Codec, logger *slog.Logger, metrics *observability.Metrics) *processor {
	p := &processor{
		handle:  handler.Protect(h),
		codec:   c,
		logger:  logger,
		metrics: metrics,
	}
	if onError != nil {
		p.onError = handler.ProtectError(onError)
	}
	return p
}

func (p *processor) process(ctx context.Context, raw []byte) ([]byte, bool) {
	start := time.Now()

	var request any
	if err := p.codec.Decode(raw, &request); err != nil {
		// No request exists to hand to the error handler.
		p.metrics.Failure("decode")
		p.logger.ErrorContext(ctx, "failed to decode request",
			"error", err,
			"size", len(raw),
		)
		p.metrics.ObserveProcessing(outcomeDropped, time.Since(start))
		return nil, false
	}

	response, err := p.handle(ctx, request)
	elapsed := time.Since(start)

	stage := "handler"
	if err == nil {
		body, ok, encErr := p.encode(response)
		if encErr == nil {
			outcome := outcomeSuccess
			if !ok {
				outcome = outcomeEmpty
			}
			p.logger.InfoContext(ctx, "processed request", "outcome", outcome, "duration", elapsed)
			p.metrics.ObserveProcessing(outcome, time.Since(start))
			return body, ok
		}
		stage, err = "encode", encErr
	}

	p.metrics.Failure(stage)
	p.logFailure(ctx, "failed to handle request", stage, err, "duration", elapsed)

	body, ok := p.fallback(ctx, request, err)
	outcome := outcomeRecovered
	if !ok {
		outcome = outcomeDropped
	}
	p.metrics.ObserveProcessing(outcome, time.Since(start))
	return body, ok
}

// fallback asks the error handler for a response to a failed request.
func (p *processor) fallback(ctx context.Context, request any, cause error) ([]byte, bool) {
	if p.onError == nil {
		p.logger.WarnContext(ctx, "failed to process request", "reason", "no error handler", "error", cause)
		return nil, false
	}

	response, err := p.onError(ctx, request, cause)
	if err != nil {
		p.metrics.Failure("error_handler")
		p.logFailure(ctx, "failed to process request", "error_handler", err)
		return nil, false
	}

	body, ok, err := p.encode(response)
	if err != nil {
		p.metrics.Failure("encode")
		p.logFailure(ctx, "failed to process request", "encode", err)
		return nil, false
	}
	return body, ok
}

func (p *processor) encode(response any) ([]byte, bool, error) {
	if isNil(response) {
		return nil, false, nil
	}
	body, err := p.codec.Encode(response)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// isNil also catches typed nils such as the nil map a handler.Typed
// function returns, so they publish nothing instead of "null".
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func (p *processor) logFailure(ctx context.Context, msg, stage string, err error, extra ...any) {
	attrs := append([]any{"stage", stage, "error", err}, extra...)

	var panicErr *handler.PanicError
	if errors.As(err, &panicErr) {
		attrs = append(attrs, "stack", string(panicErr.Stack))
	}

	p.logger.ErrorContext(ctx, msg, attrs...)
}
