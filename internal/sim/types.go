// Package sim owns the authoritative grid state for the IEEE 30-bus
// reference network. It provides sensor reads, actuator mutations,
// snapshot/rollback, and sandboxed validation of proposed actions.
//
// The numerical power-flow solver is an external collaborator behind the
// Solver interface; the built-in approximate solver is a deterministic
// stand-in suitable for control-plane development and testing.
package sim

import (
	"time"
)

// Bus is a node in the electrical network. VmPU is filled by the solver.
type Bus struct {
	ID   int     `json:"id"`
	Name string  `json:"name"`
	VmPU float64 `json:"vm_pu"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Line is a branch between two buses. Transformer branches are lines with
// IsTransformer set; their winding temperature is inferred from loading.
type Line struct {
	ID             int     `json:"id"`
	FromBus        int     `json:"from_bus"`
	ToBus          int     `json:"to_bus"`
	InService      bool    `json:"in_service"`
	ROhmPU         float64 `json:"r_pu"`
	XOhmPU         float64 `json:"x_pu"`
	MaxIKA         float64 `json:"max_i_ka"`
	IsTransformer  bool    `json:"is_transformer"`
	FlowMW         float64 `json:"flow_mw"`
	CurrentKA      float64 `json:"i_ka"`
	LoadingPercent float64 `json:"loading_percent"`
	LossMW         float64 `json:"loss_mw"`
}

// Generator is a dispatchable active/reactive power source.
type Generator struct {
	ID        int     `json:"id"`
	Bus       int     `json:"bus"`
	InService bool    `json:"in_service"`
	PMW       float64 `json:"p_mw"`
	QMvar     float64 `json:"q_mvar"`
	MinPMW    float64 `json:"min_p_mw"`
	MaxPMW    float64 `json:"max_p_mw"`
}

// Load is a demand connected at a bus.
type Load struct {
	ID        int     `json:"id"`
	Bus       int     `json:"bus"`
	InService bool    `json:"in_service"`
	PMW       float64 `json:"p_mw"`
	QMvar     float64 `json:"q_mvar"`
}

// Shunt is a capacitor bank injecting reactive power at a bus.
type Shunt struct {
	ID        int     `json:"id"`
	Bus       int     `json:"bus"`
	InService bool    `json:"in_service"`
	QMvar     float64 `json:"q_mvar"`
	Name      string  `json:"name"`
}

// State is the full mutable electrical state. The embedded case base is
// shared between clones; everything else is deep-copied by Clone.
type State struct {
	Buses  []Bus
	Lines  []Line
	Gens   []Generator
	Loads  []Load
	Shunts []Shunt

	FrequencyHz float64
	TotalGenMW  float64
	TotalLoadMW float64
	LossesMW    float64
	Converged   bool

	// limits holds per-zone protection overrides; zones absent here use
	// DefaultLimits.
	limits map[string]Limits

	base *caseBase
}

// limitsFor returns the protection thresholds in force for a zone.
func (s *State) limitsFor(zone string) Limits {
	if l, ok := s.limits[zone]; ok {
		return l
	}
	return DefaultLimits()
}

// Clone returns a deep copy of the state sharing the immutable case base.
func (s *State) Clone() *State {
	c := &State{
		Buses:       append([]Bus(nil), s.Buses...),
		Lines:       append([]Line(nil), s.Lines...),
		Gens:        append([]Generator(nil), s.Gens...),
		Loads:       append([]Load(nil), s.Loads...),
		Shunts:      append([]Shunt(nil), s.Shunts...),
		FrequencyHz: s.FrequencyHz,
		TotalGenMW:  s.TotalGenMW,
		TotalLoadMW: s.TotalLoadMW,
		LossesMW:    s.LossesMW,
		Converged:   s.Converged,
		base:        s.base,
	}
	if s.limits != nil {
		c.limits = make(map[string]Limits, len(s.limits))
		for z, l := range s.limits {
			c.limits[z] = l
		}
	}
	return c
}

// Snapshot is an immutable copy of the grid state tagged with a timestamp.
type Snapshot struct {
	State     *State
	Timestamp time.Time
}

// Violation severity levels.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Violation kinds.
const (
	ViolationVoltageLow  = "voltage_low"
	ViolationVoltageHigh = "voltage_high"
	ViolationThermal     = "thermal"
	ViolationFrequency   = "frequency"
)

// Violation records a single constraint breach at a point in time.
type Violation struct {
	Kind      string    `json:"type"`
	Zone      string    `json:"zone"`
	Severity  string    `json:"severity"`
	Component string    `json:"component"`
	Value     float64   `json:"value"`
	Limit     float64   `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// Operating limits for the 30-bus case.
const (
	NominalFrequencyHz = 60.0
	VoltageMinPU       = 0.95
	VoltageMaxPU       = 1.05
	VoltageCriticalLo  = 0.90
	VoltageCriticalHi  = 1.10
	LoadingMaxPercent  = 100.0
	LoadingCriticalPct = 120.0
	FrequencyBandHz    = 0.5
	FrequencyCritHz    = 1.0
)

// Limits are the warning-level protection thresholds a violation sweep
// applies to one zone. Critical thresholds stay at the fixed case limits;
// only the warning band is operator-tunable.
type Limits struct {
	VoltageMinPU      float64 `json:"voltage_min_pu"`
	VoltageMaxPU      float64 `json:"voltage_max_pu"`
	LoadingMaxPercent float64 `json:"loading_max_percent"`
}

// DefaultLimits returns the standard operating limits.
func DefaultLimits() Limits {
	return Limits{
		VoltageMinPU:      VoltageMinPU,
		VoltageMaxPU:      VoltageMaxPU,
		LoadingMaxPercent: LoadingMaxPercent,
	}
}

// NodeState and EdgeState are the public grid-state message elements
// consumed by the dashboard.
type NodeState struct {
	ID   int     `json:"id"`
	VmPU float64 `json:"vm_pu"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zone string  `json:"zone"`
}

type EdgeState struct {
	ID             int     `json:"id"`
	LoadingPercent float64 `json:"loading_percent"`
	FromBus        int     `json:"from_bus"`
	ToBus          int     `json:"to_bus"`
}

// StateMessage is the snapshot published on the grid_state channel.
type StateMessage struct {
	Timestamp         string            `json:"timestamp"`
	TotalGenerationMW float64           `json:"total_generation_mw"`
	TotalLoadMW       float64           `json:"total_load_mw"`
	TotalLossesMW     float64           `json:"total_losses_mw"`
	FrequencyHz       float64           `json:"frequency_hz"`
	Nodes             []NodeState       `json:"nodes"`
	Edges             []EdgeState       `json:"edges"`
	ZoneHealth        map[string]string `json:"zone_health"`
	Violations        []Violation       `json:"violations"`
}
