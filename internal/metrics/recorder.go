// Package metrics records synthesis activity through OpenTelemetry and serves
// it, together with a health check, over HTTP.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/book-expert/speechie"

// Recorder holds the instruments. A nil Recorder records nothing.
type Recorder struct {
	checks     metric.Int64Counter
	outcomes   metric.Int64Counter
	deliveries metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewRecorder creates the instruments on the given provider.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(meterName)

	checks, err := meter.Int64Counter(
		"speechie_status_checks_total",
		metric.WithDescription("Remote task status checks, by observed status."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create status check counter: %w", err)
	}

	outcomes, err := meter.Int64Counter(
		"speechie_outcomes_total",
		metric.WithDescription("Terminal outcomes delivered to player surfaces, by kind."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome counter: %w", err)
	}

	deliveries, err := meter.Int64Counter(
		"speechie_relay_deliveries_total",
		metric.WithDescription("Cross-boundary sends, by action and result."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"speechie_synthesis_duration_seconds",
		metric.WithDescription("Time from submission to terminal outcome."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Recorder{
		checks:     checks,
		outcomes:   outcomes,
		deliveries: deliveries,
		duration:   duration,
	}, nil
}

// StatusCheck counts one completed status check. An empty status means the
// check itself failed.
func (r *Recorder) StatusCheck(ctx context.Context, status string) {
	if r == nil {
		return
	}

	if status == "" {
		status = "error"
	}

	r.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Outcome counts a terminal outcome and records how long the request took.
func (r *Recorder) Outcome(ctx context.Context, kind string, elapsed time.Duration) {
	if r == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	r.outcomes.Add(ctx, 1, attrs)
	r.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// Delivery counts one relay send.
func (r *Recorder) Delivery(ctx context.Context, action string, delivered bool) {
	if r == nil {
		return
	}

	r.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("delivered", delivered),
	))
}
