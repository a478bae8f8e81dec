package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var g *Gateway
	g.ConnOpened()
	g.FrameError("x")
	var o *Orchestrator
	o.Submit("ok", time.Millisecond)
	var p *Pipeline
	p.DLQ()
}

func TestGatewayCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := NewGateway(reg)
	g.ConnOpened()
	g.ConnOpened()
	g.ConnClosed()
	g.Frame("PING")
	g.Frame("PING")
	if v := testutil.ToFloat64(g.connections); v != 1 {
		t.Fatalf("connections want 1, got %v", v)
	}
	if v := testutil.ToFloat64(g.frames.WithLabelValues("PING")); v != 2 {
		t.Fatalf("ping frames want 2, got %v", v)
	}
}

func TestPipelinesShareNamesAcrossRoles(t *testing.T) {
	reg := prometheus.NewRegistry()
	sw := NewPipeline(reg, "storage")
	pw := NewPipeline(reg, "push")
	sw.Done("ok", time.Millisecond)
	pw.DLQ()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `flare_pipeline_processed_total{result="ok",role="storage"} 1`) {
		t.Fatalf("storage counter missing:\n%s", body)
	}
	if !strings.Contains(body, `flare_pipeline_dlq_total{role="push"} 1`) {
		t.Fatalf("push dlq missing:\n%s", body)
	}
}
