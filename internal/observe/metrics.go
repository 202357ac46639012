// Package observe provides application-wide observability primitives for
// Callsight: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// through the Prometheus bridge installed by [InitProvider], so the scraped
// family names match the documented surface (stream_sessions_active,
// stream_batches_total, insight_queue_size, ...). A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a private [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all Callsight metrics.
const meterName = "github.com/sonolith/callsight"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SessionsActive tracks live streaming sessions
	// (stream_sessions_active).
	SessionsActive metric.Int64UpDownCounter

	// Batches counts transcription batches (stream_batches_total). Use with
	// attribute.String("status", "ok"|"error").
	Batches metric.Int64Counter

	// BatchDuration tracks wall time per flush, worker call included
	// (stream_batch_duration_seconds).
	BatchDuration metric.Float64Histogram

	// InsightQueueSize tracks the pending insight job count
	// (insight_queue_size).
	InsightQueueSize metric.Int64UpDownCounter

	// InsightJobWait tracks enqueue-to-dequeue latency per job
	// (insight_job_wait_seconds).
	InsightJobWait metric.Float64Histogram

	// InsightJobDuration tracks execution time per job
	// (insight_job_duration_seconds).
	InsightJobDuration metric.Float64Histogram

	// InsightJobFailures counts dropped or failed insight work
	// (insight_job_failures_total). Use with
	// attribute.String("reason", ...): queue_full, tenant_cap,
	// context_too_large, invalid_output, backend_error, flush_timeout.
	InsightJobFailures metric.Int64Counter

	// TenantInflight tracks concurrently executing insights per tenant
	// (insight_tenant_inflight). Use with attribute.String("tenant", ...).
	TenantInflight metric.Int64UpDownCounter

	// AffinityBreaks counts transcription calls that dropped their affinity
	// header after an unreachable worker (worker_affinity_breaks_total).
	AffinityBreaks metric.Int64Counter

	// OutboundDropped counts per-session outbound events discarded under
	// backpressure (stream_outbound_dropped_total). Use with
	// attribute.String("event", ...).
	OutboundDropped metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time
	// (http_request_duration_seconds). Use with attributes method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// batchBuckets covers flush latencies: sub-second worker answers through
// multi-second GPU queues up to the 6x-real-time attempt ceiling.
var batchBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// insightBuckets covers chat-completion latencies and queue waits.
var insightBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsActive, err = m.Int64UpDownCounter("stream.sessions.active",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.Batches, err = m.Int64Counter("stream.batches",
		metric.WithDescription("Total transcription batches by status."),
	); err != nil {
		return nil, err
	}
	if met.BatchDuration, err = m.Float64Histogram("stream.batch.duration",
		metric.WithDescription("Wall time per batch flush including the worker call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(batchBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InsightQueueSize, err = m.Int64UpDownCounter("insight.queue.size",
		metric.WithDescription("Number of pending insight jobs."),
	); err != nil {
		return nil, err
	}
	if met.InsightJobWait, err = m.Float64Histogram("insight.job.wait",
		metric.WithDescription("Time insight jobs spend queued before a worker picks them up."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(insightBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InsightJobDuration, err = m.Float64Histogram("insight.job.duration",
		metric.WithDescription("Insight job execution time including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(insightBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InsightJobFailures, err = m.Int64Counter("insight.job.failures",
		metric.WithDescription("Insight triggers dropped or jobs failed, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TenantInflight, err = m.Int64UpDownCounter("insight.tenant.inflight",
		metric.WithDescription("Concurrently executing insight jobs per tenant."),
	); err != nil {
		return nil, err
	}
	if met.AffinityBreaks, err = m.Int64Counter("worker.affinity.breaks",
		metric.WithDescription("Transcription calls rerouted away from their bound worker."),
	); err != nil {
		return nil, err
	}
	if met.OutboundDropped, err = m.Int64Counter("stream.outbound.dropped",
		metric.WithDescription("Outbound session events discarded under backpressure, by event type."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from [otel.GetMeterProvider]. Panics if instrument creation fails
// (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordBatch records one flush outcome: the status counter plus the
// duration histogram.
func (m *Metrics) RecordBatch(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Batches.Add(ctx, 1, attrs)
	m.BatchDuration.Record(ctx, seconds, attrs)
}

// RecordInsightFailure increments the failure counter for reason.
func (m *Metrics) RecordInsightFailure(ctx context.Context, reason string) {
	m.InsightJobFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordOutboundDrop increments the backpressure-drop counter for one
// discarded event type.
func (m *Metrics) RecordOutboundDrop(ctx context.Context, event string) {
	m.OutboundDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)))
}

// AddTenantInflight moves the per-tenant in-flight gauge by delta.
func (m *Metrics) AddTenantInflight(ctx context.Context, tenant string, delta int64) {
	m.TenantInflight.Add(ctx, delta,
		metric.WithAttributes(attribute.String("tenant", tenant)))
}
