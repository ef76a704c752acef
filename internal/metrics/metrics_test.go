package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/speechie/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecorder_CountsOutcomes(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	recorder, err := metrics.NewRecorder(provider)
	require.NoError(t, err)

	ctx := context.Background()
	recorder.StatusCheck(ctx, "in_progress")
	recorder.StatusCheck(ctx, "")
	recorder.Outcome(ctx, "ready", 3*time.Second)
	recorder.Delivery(ctx, "audioReady", true)

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &collected))
	require.Len(t, collected.ScopeMetrics, 1)

	names := make([]string, 0, len(collected.ScopeMetrics[0].Metrics))
	for _, m := range collected.ScopeMetrics[0].Metrics {
		names = append(names, m.Name)
	}

	assert.ElementsMatch(t, []string{
		"speechie_status_checks_total",
		"speechie_outcomes_total",
		"speechie_relay_deliveries_total",
		"speechie_synthesis_duration_seconds",
	}, names)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	t.Parallel()

	var recorder *metrics.Recorder

	assert.NotPanics(t, func() {
		recorder.StatusCheck(context.Background(), "pending")
		recorder.Outcome(context.Background(), "failed", time.Second)
		recorder.Delivery(context.Background(), "closePlayer", false)
	})
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	healthy := true
	router := metrics.NewRouter(func() bool { return healthy }, http.NotFoundHandler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
