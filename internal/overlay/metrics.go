package overlay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/layerstack/internal/mounterr"
)

// Metrics tracks layer stack assemblies.
type Metrics struct {
	assemblies  *prometheus.CounterVec
	degraded    *prometheus.CounterVec
	lowerLayers prometheus.Histogram
}

// NewMetrics creates Metrics and registers them with reg, if reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		assemblies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layerstack_assemblies_total",
			Help: "Total number of layer stack assemblies by result.",
		}, []string{"result"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layerstack_degraded_total",
			Help: "Total number of degraded capabilities found while assembling layer stacks.",
		}, []string{"code"}),
		lowerLayers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "layerstack_lower_layers",
			Help:    "Number of lower layers in assembled layer stacks.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 500},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.assemblies, m.degraded, m.lowerLayers)
	}
	return m
}

func (m *Metrics) observe(fs *Filesystem, err error) {
	if m == nil {
		return
	}
	if err != nil {
		result := "error"
		if code := mounterr.CodeOf(err); code != 0 {
			result = code.String()
		}
		m.assemblies.WithLabelValues(result).Inc()
		return
	}

	m.assemblies.WithLabelValues("success").Inc()
	m.lowerLayers.Observe(float64(len(fs.Stack.Lowers)))
	for _, w := range fs.Warnings {
		m.degraded.WithLabelValues(w.Code.String()).Inc()
	}
}
