package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordBatch_CountsStatusAndDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBatch(ctx, "ok", 1.2)
	m.RecordBatch(ctx, "ok", 0.4)
	m.RecordBatch(ctx, "error", 31.0)

	rm := collect(t, reader)

	counter := findMetric(rm, "stream.batches")
	if counter == nil {
		t.Fatal("stream.batches not found")
	}
	sum, ok := counter.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("stream.batches data type = %T", counter.Data)
	}
	byStatus := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, present := dp.Attributes.Value(attribute.Key("status")); present {
			byStatus[v.AsString()] = dp.Value
		}
	}
	if byStatus["ok"] != 2 || byStatus["error"] != 1 {
		t.Errorf("batch counts = %v; want ok:2 error:1", byStatus)
	}

	hist := findMetric(rm, "stream.batch.duration")
	if hist == nil {
		t.Fatal("stream.batch.duration not found")
	}
	hd, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("stream.batch.duration data type = %T", hist.Data)
	}
	var total uint64
	for _, dp := range hd.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("histogram count = %d; want 3", total)
	}
}

func TestRecordInsightFailure_ByReason(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInsightFailure(ctx, "queue_full")
	m.RecordInsightFailure(ctx, "queue_full")
	m.RecordInsightFailure(ctx, "context_too_large")

	rm := collect(t, reader)
	counter := findMetric(rm, "insight.job.failures")
	if counter == nil {
		t.Fatal("insight.job.failures not found")
	}
	sum := counter.Data.(metricdata.Sum[int64])
	byReason := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, present := dp.Attributes.Value(attribute.Key("reason")); present {
			byReason[v.AsString()] = dp.Value
		}
	}
	if byReason["queue_full"] != 2 || byReason["context_too_large"] != 1 {
		t.Errorf("failure counts = %v", byReason)
	}
}

func TestGauges_UpAndDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionsActive.Add(ctx, 3)
	m.SessionsActive.Add(ctx, -1)
	m.InsightQueueSize.Add(ctx, 5)
	m.InsightQueueSize.Add(ctx, -5)
	m.AddTenantInflight(ctx, "acme", 2)
	m.AddTenantInflight(ctx, "acme", -1)

	rm := collect(t, reader)

	sessions := findMetric(rm, "stream.sessions.active")
	if sessions == nil {
		t.Fatal("stream.sessions.active not found")
	}
	if v := sessions.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 2 {
		t.Errorf("sessions active = %d; want 2", v)
	}

	queue := findMetric(rm, "insight.queue.size")
	if queue == nil {
		t.Fatal("insight.queue.size not found")
	}
	if v := queue.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 0 {
		t.Errorf("queue size = %d; want 0", v)
	}

	inflight := findMetric(rm, "insight.tenant.inflight")
	if inflight == nil {
		t.Fatal("insight.tenant.inflight not found")
	}
	dp := inflight.Data.(metricdata.Sum[int64]).DataPoints[0]
	if tenant, _ := dp.Attributes.Value(attribute.Key("tenant")); tenant.AsString() != "acme" {
		t.Errorf("tenant attr = %v; want acme", tenant)
	}
	if dp.Value != 1 {
		t.Errorf("tenant inflight = %d; want 1", dp.Value)
	}
}

func TestDefaultMetrics_SingleInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
