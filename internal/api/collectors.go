package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/guardian"
	"github.com/gridmind/backend/internal/registry"
)

// RegisterCollectors exposes registry, bus and guardian state as Prometheus
// metrics. Nil components are skipped.
func RegisterCollectors(reg prometheus.Registerer, store *registry.Store, events *bus.Bus, guard *guardian.Guardian) {
	if store != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "grid_registry_servers",
			Help: "Servers currently registered.",
		}, func() float64 { return float64(store.Count()) }))
	}
	if events != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "grid_bus_dropped_total",
			Help: "Messages dropped by slow bus subscribers.",
		}, func() float64 { return float64(events.Dropped()) }))
	}
	if guard != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "grid_guardian_verdicts_approved_total",
			Help: "Guardian verdicts that approved a command.",
		}, func() float64 { approved, _ := guard.Totals(); return float64(approved) }))
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "grid_guardian_verdicts_denied_total",
			Help: "Guardian verdicts that denied a command.",
		}, func() float64 { _, denied := guard.Totals(); return float64(denied) }))
	}
}
