package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the viewer collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	voxels           prometheus.Gauge
	batches          prometheus.Gauge
	capacityRejected prometheus.Counter
	diffs            *prometheus.CounterVec
	picks            *prometheus.CounterVec
	uploads          prometheus.Counter
}

// New creates the collectors and registers them with reg (nil: not registered).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		voxels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxelview",
			Name:      "voxels",
			Help:      "Voxels currently held by the store.",
		}),
		batches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxelview",
			Name:      "batches",
			Help:      "Render batches currently allocated.",
		}),
		capacityRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxelview",
			Name:      "batch_capacity_rejected_total",
			Help:      "Placements dropped because their batch was full.",
		}),
		diffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxelview",
			Name:      "diffs_total",
			Help:      "Diff records handled by the update applier, by result.",
		}, []string{"result"}),
		picks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxelview",
			Name:      "picks_total",
			Help:      "Raycast pick queries, by outcome.",
		}, []string{"outcome"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxelview",
			Name:      "batch_uploads_total",
			Help:      "Batch instance buffers handed to the render backend.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.voxels, m.batches, m.capacityRejected, m.diffs, m.picks, m.uploads)
	}
	return m
}

func (m *Metrics) SetVoxels(n int) {
	if m == nil {
		return
	}
	m.voxels.Set(float64(n))
}

func (m *Metrics) SetBatches(n int) {
	if m == nil {
		return
	}
	m.batches.Set(float64(n))
}

func (m *Metrics) CapacityRejected() {
	if m == nil {
		return
	}
	m.capacityRejected.Inc()
}

// Diff records one applier outcome: "place", "destroy", or a rejection code.
func (m *Metrics) Diff(result string) {
	if m == nil {
		return
	}
	m.diffs.WithLabelValues(result).Inc()
}

// Pick records one resolver outcome: "hit", "miss" or "invalid".
func (m *Metrics) Pick(outcome string) {
	if m == nil {
		return
	}
	m.picks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Upload() {
	if m == nil {
		return
	}
	m.uploads.Inc()
}
