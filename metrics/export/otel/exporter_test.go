package otel

import (
	"context"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrEthical07/sentinel"
)

type fakeSource struct {
	mu       sync.RWMutex
	counters map[sentinel.MetricID]uint64
	latency  []uint64
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() sentinel.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := sentinel.MetricsSnapshot{
		Counters:   make(map[sentinel.MetricID]uint64, len(f.counters)),
		Histograms: map[sentinel.MetricID][]uint64{},
	}
	for k, v := range f.counters {
		out.Counters[k] = v
	}
	if f.latency != nil {
		out.Histograms[sentinel.MetricValidateLatency] = append([]uint64(nil), f.latency...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newReader(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func int64Value(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				return data.DataPoints[0].Value
			case metricdata.Gauge[int64]:
				return data.DataPoints[0].Value
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return 0
}

func TestExporterObservesSnapshot(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{
		counters: map[sentinel.MetricID]uint64{sentinel.MetricRefreshReuseDetected: 3},
		latency:  []uint64{1, 1, 1, 1, 1, 1, 1, 1},
		dropped:  1,
	}

	exp, err := NewExporterFromSource(provider.Meter("sentinel-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if v := int64Value(t, rm, "sentinel_refresh_reuse_detected_total"); v != 3 {
		t.Fatalf("expected reuse counter 3, got %d", v)
	}
	if v := int64Value(t, rm, "sentinel_validate_latency_seconds_bucket_le_0_025"); v != 3 {
		t.Fatalf("expected cumulative bucket 3, got %d", v)
	}
	if v := int64Value(t, rm, "sentinel_validate_latency_seconds_count"); v != 8 {
		t.Fatalf("expected count 8, got %d", v)
	}
	if v := int64Value(t, rm, "sentinel_audit_dropped_total"); v != 1 {
		t.Fatalf("expected dropped 1, got %d", v)
	}
}

func TestExporterRejectsNilArguments(t *testing.T) {
	_, provider := newReader(t)
	if _, err := NewExporterFromSource(provider.Meter("sentinel-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollect(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{counters: map[sentinel.MetricID]uint64{}}

	exp, err := NewExporterFromSource(provider.Meter("sentinel-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource: %v", err)
	}
	defer exp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.counters[sentinel.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
