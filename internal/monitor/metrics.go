package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the monitoring loop's own instruments.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Violations    *prometheus.GaugeVec
	Escalations   prometheus.Counter
	ZoneTimeouts  prometheus.Counter
}

// NewMetrics registers the loop instruments with reg (nil means the default
// registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_monitor_cycles_total",
			Help: "Monitoring cycles completed.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_monitor_cycle_seconds",
			Help:    "Wall time of one monitoring cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Violations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_violations",
			Help: "Open operating-limit violations per zone.",
		}, []string{"zone"}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_escalations_total",
			Help: "Escalations handed to the strategic tier.",
		}),
		ZoneTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_zone_timeouts_total",
			Help: "Zone engine passes that exceeded their deadline.",
		}),
	}
}
