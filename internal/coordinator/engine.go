// Package coordinator runs the per-zone protection engines: local
// violation handling, relay action, optimization, and escalation to the
// strategic tier when local measures fail three cycles in a row.
package coordinator

import (
	"fmt"
	"log"
	"sync"

	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/sim"
)

var coordLog = log.New(log.Writer(), "[COORD] ", log.LstdFlags)

// Zone engine states.
const (
	StateNormal     = "NORMAL"
	StateWarning    = "WARNING"
	StateAlarm      = "ALARM"
	StateEscalating = "ESCALATING"
)

// EscalationDeadband is how many consecutive cycles a zone tolerates
// unresolved violations before escalating.
const EscalationDeadband = 3

// relayTripThreshold is the loading above which the overcurrent relay
// opens a line without waiting for optimization.
const relayTripThreshold = sim.LoadingCriticalPct

// Result is the outcome of one safety-rule pass.
type Result struct {
	Zone       string          `json:"zone"`
	State      string          `json:"state"`
	Violations []sim.Violation `json:"violations"`
	Actions    []string        `json:"actions"`
	Escalate   bool            `json:"escalate"`
}

// ZoneEngine is the protection engine for one zone.
type ZoneEngine struct {
	zone   string
	grid   *sim.Simulation
	opt    *Optimizer
	events *bus.Bus
	audit  *audit.Log

	mu         sync.Mutex
	state      string
	unresolved int
}

// NewZoneEngine builds the engine for one zone. events and auditLog may be
// nil in tests.
func NewZoneEngine(grid *sim.Simulation, zone string, events *bus.Bus, auditLog *audit.Log) *ZoneEngine {
	return &ZoneEngine{
		zone:   zone,
		grid:   grid,
		opt:    NewOptimizer(grid, zone),
		events: events,
		audit:  auditLog,
		state:  StateNormal,
	}
}

func (e *ZoneEngine) Zone() string { return e.zone }

// State returns the current engine state.
func (e *ZoneEngine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the zone summary together with the engine state.
func (e *ZoneEngine) Status() map[string]any {
	sum := e.grid.ZoneStatus(e.zone)
	return map[string]any{
		"zone":                  sum.Zone,
		"engine_state":          e.State(),
		"health":                sum.Health,
		"vm_min_pu":             sum.VmMinPU,
		"vm_max_pu":             sum.VmMaxPU,
		"max_loading_percent":   sum.MaxLoadingPc,
		"load_mw":               sum.LoadMW,
		"generation_mw":         sum.GenerationMW,
		"violations":            sum.Violations,
		"voltages_pu":           sum.VoltagesPU,
		"line_loadings_percent": sum.LineLoadings,
	}
}

// zoneViolations filters the global sweep down to this zone.
func (e *ZoneEngine) zoneViolations() []sim.Violation {
	var out []sim.Violation
	for _, v := range e.grid.Violations() {
		if v.Zone == e.zone {
			out = append(out, v)
		}
	}
	return out
}

// DetectViolations sweeps the grid for this zone's limit breaches.
func (e *ZoneEngine) DetectViolations() []sim.Violation {
	return e.zoneViolations()
}

// ExecuteSafetyRules runs one protection cycle: relay action for critical
// overloads, then an optimization attempt matched to the violation kinds,
// then the escalation deadband. Once the deadband is reached, local
// remedies have proven ineffective and the cycle hands off to the strategic
// tier without acting again. Call it once per monitoring cycle.
func (e *ZoneEngine) ExecuteSafetyRules() Result {
	viols := e.zoneViolations()
	res := Result{Zone: e.zone, Violations: viols}

	if len(viols) == 0 {
		e.mu.Lock()
		e.state = StateNormal
		e.unresolved = 0
		res.State = e.state
		e.mu.Unlock()
		return res
	}

	e.mu.Lock()
	if e.unresolved+1 >= EscalationDeadband {
		e.unresolved++
		res.Escalate = true
		if e.state != StateEscalating {
			e.state = StateEscalating
			e.escalate(viols)
		}
		res.State = e.state
		e.mu.Unlock()
		return res
	}
	e.mu.Unlock()

	// Relay action first: lines beyond the critical loading are tripped
	// without waiting for an optimizer pass.
	for _, v := range viols {
		if v.Kind == sim.ViolationThermal && v.Value > relayTripThreshold {
			if act := e.relayTrip(v); act != "" {
				res.Actions = append(res.Actions, act)
			}
		}
	}

	res.Actions = append(res.Actions, e.optimizeFor(viols)...)

	// Re-sweep after local measures, then apply the deadband.
	remaining := e.zoneViolations()
	res.Violations = remaining

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case len(remaining) == 0:
		e.state = StateNormal
		e.unresolved = 0
	default:
		e.unresolved++
		e.state = StateWarning
		for _, v := range remaining {
			if v.Severity == sim.SeverityCritical {
				e.state = StateAlarm
				break
			}
		}
	}
	res.State = e.state
	return res
}

// optimizeFor runs the strategies matching the violation kinds present:
// thermal overloads get load balancing, voltage excursions get bank
// switching, and a quiet mix falls back to loss minimization. Both run when
// both kinds coexist.
func (e *ZoneEngine) optimizeFor(viols []sim.Violation) []string {
	var thermal, voltage bool
	for _, v := range viols {
		switch v.Kind {
		case sim.ViolationThermal:
			thermal = true
		case sim.ViolationVoltageLow, sim.ViolationVoltageHigh:
			voltage = true
		}
	}

	var acts []string
	run := func(fn func() (string, error)) {
		act, err := fn()
		if err != nil {
			coordLog.Printf("%s: optimization failed: %v", e.zone, err)
			return
		}
		if act != "" {
			acts = append(acts, act)
			e.publishAction("optimization", act)
		}
	}
	if thermal {
		run(func() (string, error) { return e.opt.BalanceLoading(95) })
	}
	if voltage {
		run(e.opt.RegulateVoltage)
	}
	if !thermal && !voltage {
		run(e.opt.MinimizeLosses)
	}
	return acts
}

// Optimize runs one named optimizer strategy on demand, outside the safety
// cycle. balance_loading uses targetPct (default 95 when zero).
func (e *ZoneEngine) Optimize(strategy string, targetPct float64) (string, error) {
	act, err := e.opt.Run(strategy, targetPct)
	if err != nil {
		return "", err
	}
	if act != "" {
		e.publishAction("optimization", act)
	}
	return act, nil
}

// HandleViolation runs the remedy matched to one violation kind.
func (e *ZoneEngine) HandleViolation(kind string) (string, error) {
	switch kind {
	case sim.ViolationThermal:
		return e.Optimize(StrategyBalanceLoading, 95)
	case sim.ViolationVoltageLow, sim.ViolationVoltageHigh:
		return e.Optimize(StrategyRegulateVoltage, 0)
	case sim.ViolationFrequency:
		// Frequency is a system-wide imbalance; a single zone optimizes its
		// own dispatch and leaves the rest to the strategic tier.
		return e.Optimize(StrategyMinLosses, 0)
	}
	return "", fmt.Errorf("unknown violation kind %q", kind)
}

// ProtectionSettings returns the zone's active warning thresholds.
func (e *ZoneEngine) ProtectionSettings() sim.Limits {
	return e.grid.ZoneLimits(e.zone)
}

// UpdateProtectionSettings applies partial threshold changes to the zone.
// Unknown keys are rejected; the returned limits are the ones now in force.
func (e *ZoneEngine) UpdateProtectionSettings(changes map[string]float64) (sim.Limits, error) {
	cur := e.grid.ZoneLimits(e.zone)
	for key, val := range changes {
		switch key {
		case "voltage_min_pu":
			cur.VoltageMinPU = val
		case "voltage_max_pu":
			cur.VoltageMaxPU = val
		case "loading_max_percent":
			cur.LoadingMaxPercent = val
		default:
			return cur, fmt.Errorf("unknown protection setting %q", key)
		}
	}
	if err := e.grid.SetZoneLimits(e.zone, cur); err != nil {
		return cur, err
	}

	coordLog.Printf("%s: protection settings updated: %+v", e.zone, changes)
	if e.audit != nil {
		e.audit.Record(audit.Entry{
			Zone: e.zone, Event: audit.EventSettingsUpdated, Component: e.zone,
			Details: map[string]any{
				"voltage_min_pu":      cur.VoltageMinPU,
				"voltage_max_pu":      cur.VoltageMaxPU,
				"loading_max_percent": cur.LoadingMaxPercent,
			},
		})
	}
	e.publishAction("settings_updated", fmt.Sprintf("protection settings for %s updated", e.zone))
	return cur, nil
}

// relayTrip opens an overloaded line, provided the grid survives it.
func (e *ZoneEngine) relayTrip(v sim.Violation) string {
	var lineID int
	if _, err := fmt.Sscanf(v.Component, "line_%d", &lineID); err != nil {
		return ""
	}
	check := e.grid.ValidateAction(func(sb *sim.Simulation) error {
		return sb.SetLineStatus(lineID, false)
	})
	if !check.Safe {
		coordLog.Printf("%s: relay hold on line %d: %s", e.zone, lineID, check.Reason)
		return ""
	}
	if err := e.grid.SetLineStatus(lineID, false); err != nil {
		return ""
	}

	coordLog.Printf("%s: relay tripped line %d at %.0f%%", e.zone, lineID, v.Value)
	if e.audit != nil {
		e.audit.Record(audit.Entry{
			Zone: e.zone, Event: audit.EventRelayTrip, Component: v.Component,
			Details: map[string]any{"loading_percent": v.Value},
		})
	}
	if e.events != nil {
		e.events.Publish(bus.ChannelAgentLog, map[string]any{
			"source":  e.zone + "_coordinator",
			"event":   "relay_trip",
			"line_id": lineID,
			"message": fmt.Sprintf("relay tripped line %d at %.0f%% loading", lineID, v.Value),
		})
	}
	return fmt.Sprintf("relay tripped line %d", lineID)
}

func (e *ZoneEngine) publishAction(event, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.ChannelAgentLog, map[string]any{
		"source":  e.zone + "_coordinator",
		"event":   event,
		"message": message,
	})
}

// escalate records the hand-off to the strategic tier; caller holds e.mu.
func (e *ZoneEngine) escalate(viols []sim.Violation) {
	coordLog.Printf("%s: escalating after %d unresolved cycles (%d violations)",
		e.zone, e.unresolved, len(viols))
	if e.audit != nil {
		e.audit.Record(audit.Entry{
			Zone: e.zone, Event: audit.EventEscalation, Component: e.zone,
			Details: map[string]any{
				"unresolved_cycles": e.unresolved,
				"violation_count":   len(viols),
			},
		})
	}
}

// AcknowledgeEscalation resets the deadband after the strategic tier has
// taken over.
func (e *ZoneEngine) AcknowledgeEscalation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unresolved = 0
	if e.state == StateEscalating {
		e.state = StateAlarm
	}
}

// EmergencyIsland opens every tie line of the zone, isolating it from the
// rest of the grid. The whole operation rolls back if any step leaves the
// island infeasible.
func (e *ZoneEngine) EmergencyIsland() error {
	ties := e.grid.TieLines(e.zone)
	if len(ties) == 0 {
		return fmt.Errorf("%s has no closed tie lines", e.zone)
	}

	e.grid.SaveSnapshot()
	for _, id := range ties {
		if err := e.grid.SetLineStatus(id, false); err != nil {
			if rerr := e.grid.RestoreSnapshot(); rerr != nil {
				coordLog.Printf("%s: rollback failed: %v", e.zone, rerr)
			}
			coordLog.Printf("%s: islanding aborted at tie %d: %v", e.zone, id, err)
			return fmt.Errorf("islanding %s aborted: %w", e.zone, err)
		}
	}
	e.grid.DiscardSnapshot()

	coordLog.Printf("%s: islanded (opened ties %v)", e.zone, ties)
	if e.audit != nil {
		e.audit.Record(audit.Entry{
			Zone: e.zone, Event: audit.EventIslanding, Component: e.zone,
			Details: map[string]any{"opened_ties": ties},
		})
	}
	if e.events != nil {
		e.events.Publish(bus.ChannelAgentLog, map[string]any{
			"source":  e.zone + "_coordinator",
			"event":   "islanding",
			"message": fmt.Sprintf("%s islanded, opened %d tie lines", e.zone, len(ties)),
		})
	}
	return nil
}
