package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetVoxels(3)
	m.SetBatches(1)
	m.CapacityRejected()
	m.Diff("place")
	m.Pick("hit")
	m.Upload()
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetVoxels(7)
	m.CapacityRejected()
	m.CapacityRejected()
	m.Diff("place")
	m.Diff("E_DIFF_BAD_TYPE")
	m.Pick("miss")

	if got := testutil.ToFloat64(m.voxels); got != 7 {
		t.Fatalf("voxels: got %v want 7", got)
	}
	if got := testutil.ToFloat64(m.capacityRejected); got != 2 {
		t.Fatalf("capacity rejected: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.diffs.WithLabelValues("E_DIFF_BAD_TYPE")); got != 1 {
		t.Fatalf("diffs: got %v want 1", got)
	}
	n, err := testutil.GatherAndCount(reg, "voxelview_picks_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("picks series: got %d want 1", n)
	}
}
