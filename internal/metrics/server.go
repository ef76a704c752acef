package metrics

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Setup creates a meter provider exporting to the Prometheus default registry
// and the handler that serves it.
func Setup() (*sdkmetric.MeterProvider, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return provider, promhttp.Handler(), nil
}

// NewRouter serves /healthz from the healthy check and /metrics from
// metricsHandler. A nil metricsHandler leaves /metrics unrouted.
func NewRouter(healthy func() bool, metricsHandler http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	return router
}
