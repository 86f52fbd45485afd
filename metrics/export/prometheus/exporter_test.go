package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MrEthical07/sentinel"
)

type fakeSource struct {
	snapshot sentinel.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() sentinel.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestCollectNothingWhenMetricsDisabled(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: sentinel.MetricsSnapshot{
			Counters:   map[sentinel.MetricID]uint64{},
			Histograms: map[sentinel.MetricID][]uint64{},
		},
	})
	if n := testutil.CollectAndCount(exp); n != 0 {
		t.Fatalf("expected no samples for disabled metrics, got %d", n)
	}
}

func TestCollectCountersAndHistogram(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: sentinel.MetricsSnapshot{
			Counters: map[sentinel.MetricID]uint64{
				sentinel.MetricLoginSuccess: 7,
			},
			Histograms: map[sentinel.MetricID][]uint64{
				sentinel.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	expected := `
# HELP sentinel_login_success_total Logins that issued tokens.
# TYPE sentinel_login_success_total counter
sentinel_login_success_total 7
# HELP sentinel_audit_dropped_total Audit events dropped under dispatcher backpressure.
# TYPE sentinel_audit_dropped_total counter
sentinel_audit_dropped_total 2
# HELP sentinel_validate_latency_seconds Access token validation latency.
# TYPE sentinel_validate_latency_seconds histogram
sentinel_validate_latency_seconds_bucket{le="0.005"} 1
sentinel_validate_latency_seconds_bucket{le="0.01"} 3
sentinel_validate_latency_seconds_bucket{le="0.025"} 6
sentinel_validate_latency_seconds_bucket{le="0.05"} 10
sentinel_validate_latency_seconds_bucket{le="0.1"} 15
sentinel_validate_latency_seconds_bucket{le="0.25"} 21
sentinel_validate_latency_seconds_bucket{le="0.5"} 28
sentinel_validate_latency_seconds_bucket{le="+Inf"} 36
sentinel_validate_latency_seconds_sum 0
sentinel_validate_latency_seconds_count 36
`
	err := testutil.CollectAndCompare(exp, strings.NewReader(expected),
		"sentinel_login_success_total",
		"sentinel_audit_dropped_total",
		"sentinel_validate_latency_seconds",
	)
	if err != nil {
		t.Fatalf("unexpected exposition: %v", err)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: sentinel.MetricsSnapshot{
			Counters:   map[sentinel.MetricID]uint64{sentinel.MetricRefreshReuseDetected: 3},
			Histograms: map[sentinel.MetricID][]uint64{},
		},
	})

	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "sentinel_refresh_reuse_detected_total 3") {
		t.Fatalf("expected reuse counter, got:\n%s", body)
	}
}
