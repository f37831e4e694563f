package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsPipelineEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.PoseReceived()
	c.PoseReceived()
	c.PoseDropped()
	c.PosePublished()
	c.MarkerPublished()
	c.StatusObserved(4)
	c.GateChanged(true)
	c.OriginSet()
	c.PublishFailed("/out")

	if got := testutil.ToFloat64(c.PosesReceived); got != 2 {
		t.Fatalf("poses_received=%v want 2", got)
	}
	if got := testutil.ToFloat64(c.PosesDropped); got != 1 {
		t.Fatalf("poses_dropped=%v want 1", got)
	}
	if got := testutil.ToFloat64(c.MarkersSent); got != 1 {
		t.Fatalf("markers=%v want 1", got)
	}
	if got := testutil.ToFloat64(c.FilterState); got != 4 {
		t.Fatalf("filter_state=%v want 4", got)
	}
	if got := testutil.ToFloat64(c.GateOpen); got != 1 {
		t.Fatalf("gate_open=%v want 1", got)
	}
	if got := testutil.ToFloat64(c.OriginLatched); got != 1 {
		t.Fatalf("origin_latched=%v want 1", got)
	}
	if got := testutil.ToFloat64(c.PublishErrors.WithLabelValues("/out")); got != 1 {
		t.Fatalf("publish_errors=%v want 1", got)
	}
}

func TestNew_ReregisterReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatalf("New (again): %v", err)
	}
	a.PoseReceived()
	if got := testutil.ToFloat64(b.PosesReceived); got != 1 {
		t.Fatalf("shared counter=%v want 1", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.PoseReceived()
	c.PoseDropped()
	c.GateChanged(true)
	c.PublishFailed("x")
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.PoseReceived()

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "odomconv_poses_received_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}
