package main

import (
	"context"
	"net/http"
	"time"

	"github.com/dragnet-project/dragnet/internal/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var opsShutdownTimeout = 5 * time.Second

// runOpsServer serves the operational surface: liveness, Prometheus
// metrics, and the websocket event stream. Hunt control stays in-process;
// there is no management API here.
func runOpsServer(ctx context.Context, addr string, hub *events.Hub) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.HandleWebSocket)

	// ReadHeaderTimeout instead of ReadTimeout: a connection deadline
	// would outlive the websocket upgrade and kill idle streams.
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Operational endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down operational server cleanly")
		}
		return nil
	case err := <-errCh:
		return err
	}
}
