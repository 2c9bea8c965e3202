package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux routes /metrics to the registry and /health, /health/ready to health.
func NewMux(metrics *Metrics, health http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	if health != nil {
		mux.Handle("/health", health)
		mux.Handle("/health/ready", health)
	}
	return mux
}

// Serve starts an HTTP server on addr in the background and registers its
// shutdown with the coordinator.
func Serve(addr string, handler http.Handler, shutdown *ShutdownCoordinator) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	if shutdown != nil {
		shutdown.Register("metrics-server", func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		})
	}

	return srv
}
