package ccsd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors of a solver.
type Metrics struct {
	Cycles        prometheus.Counter
	ECorr         prometheus.Gauge
	Normt         prometheus.Gauge
	DeltaE        prometheus.Gauge
	DIISFallbacks prometheus.Counter
	UpdateSeconds prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsd_cycles_total",
			Help: "Number of amplitude update cycles.",
		}),
		ECorr: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsd_energy_corr",
			Help: "Correlation energy after the last cycle.",
		}),
		Normt: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsd_normt",
			Help: "Norm of the amplitude change in the last cycle.",
		}),
		DeltaE: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsd_delta_e",
			Help: "Energy change in the last cycle.",
		}),
		DIISFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsd_diis_fallbacks_total",
			Help: "Cycles in which DIIS could not extrapolate.",
		}),
		UpdateSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ccsd_update_seconds",
			Help:    "Duration of one amplitude update.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		}),
	}
}

func (m *Metrics) observe(normt, de, ecorr, seconds float64) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.Normt.Set(normt)
	m.DeltaE.Set(de)
	m.ECorr.Set(ecorr)
	m.UpdateSeconds.Observe(seconds)
}

func (m *Metrics) diisFallback() {
	if m == nil {
		return
	}
	m.DIISFallbacks.Inc()
}
