package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glimte/amqp-endpoint/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalc(t *testing.T) {
	tests := []struct {
		op   string
		a, b string
		want float64
	}{
		{"add", "2", "3", 5},
		{"subtract", "2", "3", -1},
		{"multiply", "2", "3", 6},
		{"divide", "3", "2", 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			req := map[string]any{"op": tt.op, "a": json.Number(tt.a), "b": json.Number(tt.b)}

			resp, err := calc(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, calcResponse{Result: tt.want}, resp)
		})
	}
}

func TestCalcFailures(t *testing.T) {
	_, err := calc(context.Background(), map[string]any{"op": "divide", "a": 1, "b": 0})
	assert.ErrorIs(t, err, errDivisionByZero)

	_, err = calc(context.Background(), map[string]any{"op": "pow", "a": 1, "b": 2})
	assert.EqualError(t, err, `unsupported op "pow"`)
}

func TestReportError(t *testing.T) {
	resp, err := reportError(context.Background(), nil, errDivisionByZero)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"error": "division by zero"}, resp)

	resp, err = reportError(context.Background(), nil, &handler.PanicError{Value: "boom"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"error": "internal error"}, resp)
}

func TestEcho(t *testing.T) {
	req := map[string]any{"hello": "world"}
	resp, err := echo(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req, resp)
}

func TestLookupHandler(t *testing.T) {
	b, err := lookupHandler("calc")
	require.NoError(t, err)
	assert.NotNil(t, b.onReceive)
	assert.NotNil(t, b.onError)

	_, err = lookupHandler("nope")
	assert.EqualError(t, err, `unknown handler "nope" (available: calc, echo)`)
}
