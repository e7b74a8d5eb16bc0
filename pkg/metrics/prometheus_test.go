package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus()

	p.IncCounter(CommitsTotal, map[string]string{"result": "applied"}, 1)
	p.IncCounter(CommitsTotal, map[string]string{"result": "applied"}, 2)
	p.IncCounter(CommitsTotal, map[string]string{"result": "rejected"}, 1)

	if got := testutil.ToFloat64(p.counters[CommitsTotal].WithLabelValues("applied")); got != 3 {
		t.Fatalf("expected 3 applied commits, got %v", got)
	}
	if got := testutil.ToFloat64(p.counters[CommitsTotal].WithLabelValues("rejected")); got != 1 {
		t.Fatalf("expected 1 rejected commit, got %v", got)
	}
}

func TestPrometheus_IgnoresUnknownAndMismatched(t *testing.T) {
	p := NewPrometheus()

	p.IncCounter("vdb_unknown_total", nil, 1)
	p.SetGauge(LastCommitIndex, map[string]string{"extra": "x"}, 5)
	p.ObserveHistogram(ProposeSeconds, nil, 0.1)

	if got := testutil.ToFloat64(p.gauges[LastCommitIndex].WithLabelValues()); got != 0 {
		t.Fatalf("mismatched labels must not set the gauge, got %v", got)
	}
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.SetGauge(LastCommitIndex, nil, 42)
	p.ObserveHistogram(ProposeSeconds, map[string]string{"result": "ok"}, 0.02)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "vdb_last_commit_index 42") {
		t.Fatalf("gauge missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), "vdb_propose_seconds_count") {
		t.Fatalf("histogram missing from exposition:\n%s", body)
	}
}
