package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricsScopeName = "github.com/archilabs/archi/metrics"

// Metrics holds the process-wide counters for the retrieval and ingestion
// paths. All methods are no-ops when telemetry is disabled (the no-op meter
// provider absorbs them).
type Metrics struct {
	retrievals      metric.Int64Counter
	hybridFallbacks metric.Int64Counter
	ingestionRuns   metric.Int64Counter
	poolTimeouts    metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetMetrics returns the shared counters, creating them on first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		m := Meter(metricsScopeName)
		retrievals, _ := m.Int64Counter("archi.retrieval.queries",
			metric.WithDescription("Retrieval queries executed, by mode"),
		)
		fallbacks, _ := m.Int64Counter("archi.retrieval.hybrid_fallbacks",
			metric.WithDescription("Hybrid searches that fell back to semantic-only"),
		)
		runs, _ := m.Int64Counter("archi.ingestion.runs",
			metric.WithDescription("Scheduled ingestion runs, by outcome"),
		)
		timeouts, _ := m.Int64Counter("archi.pool.timeouts",
			metric.WithDescription("Connection acquisitions that timed out"),
		)
		metrics = &Metrics{
			retrievals:      retrievals,
			hybridFallbacks: fallbacks,
			ingestionRuns:   runs,
			poolTimeouts:    timeouts,
		}
	})
	return metrics
}

// RecordRetrieval counts one retrieval query. mode is "semantic" or "hybrid".
func (m *Metrics) RecordRetrieval(ctx context.Context, mode string) {
	m.retrievals.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordHybridFallback counts a hybrid search degraded to semantic-only.
func (m *Metrics) RecordHybridFallback(ctx context.Context) {
	m.hybridFallbacks.Add(ctx, 1)
}

// RecordIngestionRun counts one scheduled run. outcome is "ok" or "error".
func (m *Metrics) RecordIngestionRun(ctx context.Context, source, outcome string) {
	m.ingestionRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordPoolTimeout counts one acquisition timeout.
func (m *Metrics) RecordPoolTimeout(ctx context.Context) {
	m.poolTimeouts.Add(ctx, 1)
}
