package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/amqp-endpoint/handler"
)

type builtin struct {
	onReceive handler.Handler
	onError   handler.ErrorHandler
}

var builtins = map[string]builtin{
	"echo": {onReceive: echo},
	"calc": {onReceive: calc, onError: reportError},
}

func lookupHandler(name string) (builtin, error) {
	b, ok := builtins[name]
	if !ok {
		names := make([]string, 0, len(builtins))
		for n := range builtins {
			names = append(names, n)
		}
		sort.Strings(names)
		return builtin{}, fmt.Errorf("unknown handler %q (available: %s)", name, strings.Join(names, ", "))
	}
	return b, nil
}

// echo answers every request with itself.
func echo(_ context.Context, request any) (any, error) {
	return request, nil
}

type calcRequest struct {
	Op string  `json:"op"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

type calcResponse struct {
	Result float64 `json:"result"`
}

var errDivisionByZero = errors.New("division by zero")

var calc = handler.Typed(func(_ context.Context, req calcRequest) (calcResponse, error) {
	switch req.Op {
	case "add":
		return calcResponse{Result: req.A + req.B}, nil
	case "subtract":
		return calcResponse{Result: req.A - req.B}, nil
	case "multiply":
		return calcResponse{Result: req.A * req.B}, nil
	case "divide":
		if req.B == 0 {
			return calcResponse{}, errDivisionByZero
		}
		return calcResponse{Result: req.A / req.B}, nil
	default:
		return calcResponse{}, fmt.Errorf("unsupported op %q", req.Op)
	}
})

// reportError turns a handler failure into {"error": "..."}.
func reportError(_ context.Context, _ any, cause error) (any, error) {
	var panicErr *handler.PanicError
	if errors.As(cause, &panicErr) {
		return map[string]string{"error": "internal error"}, nil
	}
	return map[string]string{"error": cause.Error()}, nil
}
