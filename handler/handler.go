// Package handler defines the capabilities an endpoint invokes for each
// request, and the interceptor chain wrapped around them.
package handler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/go-viper/mapstructure/v2"
)

// Handler answers a decoded request. A nil response means nothing is published.
type Handler func(ctx context.Context, request any) (any, error)

// ErrorHandler builds a fallback response for a request whose Handler
// failed. cause is the failure that triggered it.
type ErrorHandler func(ctx context.Context, request any, cause error) (any, error)

// PanicError is returned in place of a panic raised by a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Protect turns panics raised by h into *PanicError.
func Protect(h Handler) Handler {
	return func(ctx context.Context, request any) (response any, err error) {
		defer func() {
			if r := recover(); r != nil {
				response, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return h(ctx, request)
	}
}

// ProtectError turns panics raised by eh into *PanicError.
func ProtectError(eh ErrorHandler) ErrorHandler {
	return func(ctx context.Context, request any, cause error) (response any, err error) {
		defer func() {
			if r := recover(); r != nil {
				response, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return eh(ctx, request, cause)
	}
}

// Typed adapts a function over concrete request and response types. The
// decoded request is mapped onto Req using its json tags.
func Typed[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return func(ctx context.Context, request any) (any, error) {
		var req Req
		if err := DecodeRequest(request, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// TypedError is Typed for error handlers.
func TypedError[Req, Resp any](fn func(ctx context.Context, req Req, cause error) (Resp, error)) ErrorHandler {
	return func(ctx context.Context, request any, cause error) (any, error) {
		var req Req
		if err := DecodeRequest(request, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req, cause)
	}
}

// DecodeRequest maps a decoded request (maps, slices, json.Number) onto out.
func DecodeRequest(request any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("handler: build request decoder: %w", err)
	}
	if err := dec.Decode(request); err != nil {
		return fmt.Errorf("handler: decode request: %w", err)
	}
	return nil
}
