package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type calcRequest struct {
	Op string  `json:"op"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

type calcResponse struct {
	Result float64 `json:"result"`
}

func TestProtect(t *testing.T) {
	t.Run("passes results through", func(t *testing.T) {
		h := Protect(func(ctx context.Context, request any) (any, error) {
			return "ok", nil
		})

		resp, err := h(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("converts panics", func(t *testing.T) {
		h := Protect(func(ctx context.Context, request any) (any, error) {
			panic("boom")
		})

		resp, err := h(context.Background(), nil)
		assert.Nil(t, resp)

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "boom", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
		assert.Equal(t, "handler panicked: boom", err.Error())
	})
}

func TestProtectError(t *testing.T) {
	cause := errors.New("division by zero")
	eh := ProtectError(func(ctx context.Context, request any, err error) (any, error) {
		if request == nil {
			panic(err)
		}
		return map[string]any{"error": err.Error()}, nil
	})

	resp, err := eh(context.Background(), map[string]any{}, cause)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "division by zero"}, resp)

	resp, err = eh(context.Background(), nil, cause)
	assert.Nil(t, resp)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, cause, panicErr.Value)
}

func TestTyped(t *testing.T) {
	h := Typed(func(ctx context.Context, req calcRequest) (calcResponse, error) {
		if req.Op != "add" {
			return calcResponse{}, errors.New("unsupported op")
		}
		return calcResponse{Result: req.A + req.B}, nil
	})

	t.Run("maps json numbers onto struct fields", func(t *testing.T) {
		request := map[string]any{"op": "add", "a": json.Number("2"), "b": json.Number("3")}

		resp, err := h(context.Background(), request)
		require.NoError(t, err)
		assert.Equal(t, calcResponse{Result: 5}, resp)
	})

	t.Run("handler errors pass through", func(t *testing.T) {
		_, err := h(context.Background(), map[string]any{"op": "mul"})
		assert.EqualError(t, err, "unsupported op")
	})

	t.Run("requests that do not fit fail", func(t *testing.T) {
		_, err := h(context.Background(), []any{"not", "a", "map"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler: decode request")
	})
}

func TestTypedError(t *testing.T) {
	eh := TypedError(func(ctx context.Context, req calcRequest, cause error) (map[string]string, error) {
		return map[string]string{"error": cause.Error(), "op": req.Op}, nil
	})

	resp, err := eh(context.Background(), map[string]any{"op": "divide"}, errors.New("division by zero"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"error": "division by zero", "op": "divide"}, resp)
}
