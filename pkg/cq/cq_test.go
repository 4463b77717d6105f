package cq

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/metrics"
)

func TestPushPollFIFO(t *testing.T) {
	c := New()
	c.Push(CQE{WRID: 1, Status: roce.StatusSuccess})
	c.Push(CQE{WRID: 2, Status: roce.StatusSuccess})

	e, ok := c.Poll()
	if !ok || e.WRID != 1 {
		t.Fatalf("got %+v, ok=%v, want WRID=1", e, ok)
	}
	e, ok = c.Poll()
	if !ok || e.WRID != 2 {
		t.Fatalf("got %+v, ok=%v, want WRID=2", e, ok)
	}
	if _, ok := c.Poll(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestSetMetricsUpdatesDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := New()
	c.SetMetrics(m)
	c.Push(CQE{WRID: 1})

	if got := testutilGather(t, reg, "roce_cq_depth"); got != 1 {
		t.Fatalf("cq_depth = %v, want 1", got)
	}
	c.Poll()
	if got := testutilGather(t, reg, "roce_cq_depth"); got != 0 {
		t.Fatalf("cq_depth = %v, want 0", got)
	}
}

func testutilGather(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
