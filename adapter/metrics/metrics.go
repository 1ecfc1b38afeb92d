package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_token_refresh_total",
		Help: "Token refresh network calls by result (success, failure, rejected).",
	}, []string{"result"})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_session_ended_total",
		Help: "Sessions destroyed, by reason.",
	}, []string{"reason"})

	// Event stream metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_events_received_total",
		Help: "Inbound event frames by message type.",
	}, []string{"type"})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_events_reconnect_attempts_total",
		Help: "Scheduled reconnect attempts of the event client.",
	})
	EventsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_events_connected",
		Help: "1 while the event stream connection is open.",
	})
)

// StartServer exposes the default registry on addr at path in the background.
func StartServer(addr, path string, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("Starting metrics server", "function", "StartServer", "addr", addr, "path", path)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "function", "StartServer", "error", err)
		}
	}()
	return srv
}
