package domain

import (
	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/sim"
)

func init() {
	RegisterAdapter("power_grid", func() (Adapter, error) {
		grid, err := sim.NewSimulation(nil)
		if err != nil {
			return nil, err
		}
		return NewPowerGrid(grid), nil
	})
	RegisterAdapter("robotics", func() (Adapter, error) {
		return &stubAdapter{name: "robotics"}, nil
	})
	RegisterAdapter("satellite", func() (Adapter, error) {
		return &stubAdapter{name: "satellite"}, nil
	})
}

// batterySpec places the demo storage fleet.
type batterySpec struct {
	unit        int
	bus         int
	capacityMWh float64
	initialSoC  float64
	maxMW       float64
}

var batteries = []batterySpec{
	{unit: 0, bus: 10, capacityMWh: 20, initialSoC: 0.5, maxMW: 5},
	{unit: 1, bus: 24, capacityMWh: 15, initialSoC: 0.7, maxMW: 3},
}

// PowerGrid is the transmission-grid domain over the 30-bus simulation.
type PowerGrid struct {
	grid *sim.Simulation
}

func NewPowerGrid(grid *sim.Simulation) *PowerGrid {
	return &PowerGrid{grid: grid}
}

// Grid exposes the underlying simulation for the boot wiring.
func (p *PowerGrid) Grid() *sim.Simulation { return p.grid }

func (p *PowerGrid) DomainName() string { return "power_grid" }

func (p *PowerGrid) SensorTypes() []string {
	return []string{
		endpoint.SensorVoltage, endpoint.SensorCurrent, endpoint.SensorTemperature,
		endpoint.SensorFrequency, endpoint.SensorPowerQuality,
	}
}

func (p *PowerGrid) ActuatorTypes() []string {
	return []string{
		endpoint.ActuatorBreaker, endpoint.ActuatorGenerator, endpoint.ActuatorLoadCtrl,
		endpoint.ActuatorVoltReg, endpoint.ActuatorEnergyStorage,
	}
}

// CreateSensors builds the per-zone sensors plus a single frequency
// sensor: frequency is a system-wide quantity, not a zonal one.
func (p *PowerGrid) CreateSensors() []endpoint.Endpoint {
	var out []endpoint.Endpoint
	for _, zone := range sim.ZoneNames() {
		for _, kind := range []string{
			endpoint.SensorVoltage, endpoint.SensorCurrent,
			endpoint.SensorTemperature, endpoint.SensorPowerQuality,
		} {
			out = append(out, endpoint.NewSensor(p.grid, kind, zone))
		}
	}
	out = append(out, endpoint.NewSensor(p.grid, endpoint.SensorFrequency, "system"))
	return out
}

// CreateActuators builds the switching, dispatch and regulation fleet plus
// the storage units.
func (p *PowerGrid) CreateActuators() []endpoint.Endpoint {
	var out []endpoint.Endpoint
	for _, zone := range sim.ZoneNames() {
		for _, kind := range []string{
			endpoint.ActuatorBreaker, endpoint.ActuatorGenerator,
			endpoint.ActuatorLoadCtrl, endpoint.ActuatorVoltReg,
		} {
			out = append(out, endpoint.NewActuator(p.grid, kind, zone))
		}
	}
	for _, b := range batteries {
		out = append(out, endpoint.NewStorage(p.grid, b.unit, b.bus, b.capacityMWh, b.initialSoC, b.maxMW))
	}
	return out
}

func (p *PowerGrid) CreateCoordinators(events *bus.Bus, auditLog *audit.Log) []*coordinator.ZoneEngine {
	var out []*coordinator.ZoneEngine
	for _, zone := range sim.ZoneNames() {
		out = append(out, coordinator.NewZoneEngine(p.grid, zone, events, auditLog))
	}
	return out
}

func (p *PowerGrid) Constraints() map[string]any {
	return map[string]any{
		"voltage_min_pu":       sim.VoltageMinPU,
		"voltage_max_pu":       sim.VoltageMaxPU,
		"loading_max_percent":  sim.LoadingMaxPercent,
		"frequency_nominal_hz": sim.NominalFrequencyHz,
		"frequency_band_hz":    sim.FrequencyBandHz,
	}
}

func (p *PowerGrid) SafetyRules() []string {
	return []string{
		"trip lines loaded beyond the critical threshold when a parallel path can absorb the flow",
		"switch capacitor banks before shedding load on voltage sags",
		"rehearse every actuator command against a sandbox before applying it",
		"escalate to the strategic tier after three unresolved cycles",
	}
}

// stubAdapter reserves a domain name whose hardware binding is not built
// yet. Everything it reports is empty.
type stubAdapter struct {
	name string
}

func (s *stubAdapter) DomainName() string                   { return s.name }
func (s *stubAdapter) CreateSensors() []endpoint.Endpoint   { return nil }
func (s *stubAdapter) CreateActuators() []endpoint.Endpoint { return nil }
func (s *stubAdapter) CreateCoordinators(*bus.Bus, *audit.Log) []*coordinator.ZoneEngine {
	return nil
}
func (s *stubAdapter) SensorTypes() []string       { return nil }
func (s *stubAdapter) ActuatorTypes() []string     { return nil }
func (s *stubAdapter) Constraints() map[string]any { return map[string]any{} }
func (s *stubAdapter) SafetyRules() []string       { return nil }
