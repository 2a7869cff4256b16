package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metrics"
)

// serveMetrics exposes /metrics until ctx is done. A port that cannot be
// bound is logged but does not stop the worker.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger logging.ServiceLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Starting HTTP server", logging.LogFields{"address": addr})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start HTTP server", err, logging.LogFields{"address": addr})
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
