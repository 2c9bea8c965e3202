package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewLoggerTextTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "text", &buf)

	logger.Info("received a new message", "queue", "calc.request")

	line := buf.String()
	assert.Regexp(t, regexp.MustCompile(`^time="\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}" level=INFO msg="received a new message" queue=calc.request`), line)
}

func TestNewLoggerJSONTimestampIsUTC(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)

	before := time.Now().UTC().Add(-time.Second)
	logger.Debug("sent response")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	ts, err := time.Parse(TimeFormat, entry["time"].(string))
	require.NoError(t, err)
	assert.False(t, ts.Before(before.Truncate(time.Second)))
	assert.Equal(t, "sent response", entry["msg"])
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestTraceHandlerAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "json", &buf)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "traced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, sc.TraceID().String(), entry["trace_id"])
	assert.Equal(t, sc.SpanID().String(), entry["span_id"])
}

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.MessageReceived("q")
	m.MessageReceived("q")
	m.ResponsePublished("ex", "resp")
	m.Failure("decode")
	m.Reconnect("q")
	m.SetConnected("q", true)
	m.ObserveProcessing("success", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponsesPublished.WithLabelValues("ex", "resp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectsTotal.WithLabelValues("q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionUp.WithLabelValues("q")))

	m.SetConnected("q", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionUp.WithLabelValues("q")))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageReceived("q")
		m.ResponsePublished("ex", "resp")
		m.ObserveProcessing("success", time.Second)
		m.Failure("handler")
		m.Reconnect("q")
		m.SetConnected("q", true)
	})
}

func TestMux(t *testing.T) {
	m := NewMetrics()
	m.MessageReceived("orders")

	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	srv := httptest.NewServer(NewMux(m, health))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), `amqp_endpoint_messages_received_total{queue="orders"} 1`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body.Reset()
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `{"status":"healthy"}`, body.String())

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []string
	sc := &ShutdownCoordinator{}
	for _, name := range []string{"a", "b", "c"} {
		sc.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sc.Shutdown(context.Background()))
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestShutdownCoordinatorJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ran := 0
	sc := &ShutdownCoordinator{}
	sc.Register("first", func(ctx context.Context) error { ran++; return nil })
	sc.Register("bad", func(ctx context.Context) error { ran++; return boom })

	err := sc.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, strings.Contains(err.Error(), "bad"))
	assert.Equal(t, 2, ran)
}

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	sc := &ShutdownCoordinator{}
	tp, err := InitTracer(context.Background(), TracerConfig{ServiceName: "test"}, sc)
	require.NoError(t, err)
	assert.IsType(t, tracenoop.TracerProvider{}, tp)
	require.NoError(t, sc.Shutdown(context.Background()))
}
