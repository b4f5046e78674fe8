package endpoint

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/sim"
)

// Actuator kinds.
const (
	ActuatorBreaker       = "circuit_breaker"
	ActuatorGenerator     = "generator"
	ActuatorLoadCtrl      = "load_controller"
	ActuatorVoltReg       = "voltage_regulator"
	ActuatorEnergyStorage = "energy_storage"
)

// actionAliases maps the verbs agents are known to emit onto canonical
// tool names, per actuator kind.
var actionAliases = map[string]map[string]string{
	ActuatorBreaker: {
		"trip": "open_breaker", "open": "open_breaker",
		"close": "close_breaker", "reclose": "close_breaker",
	},
	ActuatorGenerator: {
		"adjust_output": "set_power", "set_setpoint": "set_power", "dispatch": "set_power",
		"connect": "set_status", "disconnect": "set_status",
	},
	ActuatorLoadCtrl: {
		"shed": "shed_load", "curtail": "shed_load", "restore": "restore_load",
	},
	ActuatorVoltReg: {
		"enable": "enable_bank", "switch_in": "enable_bank",
		"disable": "disable_bank", "switch_out": "disable_bank",
	},
	ActuatorEnergyStorage: {
		"charge_storage": "charge", "discharge_storage": "discharge", "stop": "halt",
		"emergency_stop": "halt", "emergency_shutdown": "halt", "get_status": "get_soc",
	},
}

// ResolveAlias maps a verb to its canonical tool for an actuator kind.
// Unknown verbs pass through unchanged.
func ResolveAlias(kind, verb string) string {
	if m, ok := actionAliases[kind]; ok {
		if canonical, ok := m[verb]; ok {
			return canonical
		}
	}
	return verb
}

// Actuator is a write-capable endpoint. Every state-changing tool is first
// rehearsed against a sandbox copy of the grid; an action that would create
// or worsen violations is refused unless force is set.
type Actuator struct {
	id   string
	name string
	zone string
	kind string
	grid *sim.Simulation

	mu        sync.Mutex
	stopped   bool            // emergency stop latch
	shedAccum map[int]float64 // bus -> cumulative shed factor still applied
}

// NewActuator builds an actuator endpoint of the given kind for a zone.
// Energy storage has its own constructor (NewStorage).
func NewActuator(grid *sim.Simulation, kind, zone string) *Actuator {
	return &Actuator{
		id:        uuid.New().String(),
		name:      fmt.Sprintf("%s_%s", kind, zone),
		zone:      zone,
		kind:      kind,
		grid:      grid,
		shedAccum: map[int]float64{},
	}
}

func (a *Actuator) ID() string   { return a.id }
func (a *Actuator) Name() string { return a.name }
func (a *Actuator) Tier() string { return TierPhysical }
func (a *Actuator) Zone() string { return a.zone }
func (a *Actuator) Kind() string { return a.kind }

func (a *Actuator) Registration() registry.Server {
	var tools []registry.Tool
	switch a.kind {
	case ActuatorBreaker:
		tools = []registry.Tool{
			{Name: "open_breaker", Description: "Open the breaker on a line",
				InputSchema: objSchema("line_id", "integer")},
			{Name: "close_breaker", Description: "Close the breaker on a line",
				InputSchema: objSchema("line_id", "integer")},
			{Name: "list_devices", Description: "Line ids this breaker bank controls"},
		}
	case ActuatorGenerator:
		tools = []registry.Tool{
			{Name: "set_power", Description: "Dispatch a generator to a MW setpoint",
				InputSchema: objSchema("gen_id", "integer")},
			{Name: "set_status", Description: "Connect or disconnect a generator",
				InputSchema: objSchema("gen_id", "integer")},
			{Name: "list_devices", Description: "Generator ids in this zone"},
		}
	case ActuatorLoadCtrl:
		tools = []registry.Tool{
			{Name: "shed_load", Description: "Shed a percentage of load at a bus",
				InputSchema: objSchema("bus_id", "integer")},
			{Name: "restore_load", Description: "Undo previous shedding at a bus",
				InputSchema: objSchema("bus_id", "integer")},
			{Name: "list_devices", Description: "Bus ids with controllable load"},
		}
	case ActuatorVoltReg:
		tools = []registry.Tool{
			{Name: "enable_bank", Description: "Switch a capacitor bank into service",
				InputSchema: objSchema("shunt_id", "integer")},
			{Name: "disable_bank", Description: "Switch a capacitor bank out of service",
				InputSchema: objSchema("shunt_id", "integer")},
			{Name: "list_devices", Description: "Capacitor bank ids in this zone"},
		}
	}
	tools = append(tools,
		registry.Tool{Name: "get_status", Description: "Actuator state and controlled devices"},
		registry.Tool{Name: "emergency_stop", Description: "Latch the actuator; further commands are refused"},
	)
	return registry.Server{
		ID: a.id, Name: a.name, DeviceType: TypeActuator, Tier: TierPhysical,
		Zone: a.zone, Domain: DomainPowerGrid, Tools: tools,
	}
}

// guarded rehearses mutate in a sandbox and applies it live only when safe
// (or forced). The rejected payload carries the validation reason.
func (a *Actuator) guarded(args map[string]any, mutate func(*sim.Simulation) error) (map[string]any, error) {
	force, _ := args["force"].(bool)
	if !force {
		res := a.grid.ValidateAction(mutate)
		if !res.Safe {
			return map[string]any{
				"status": "rejected",
				"reason": res.Reason,
			}, nil
		}
	}
	if err := mutate(a.grid); err != nil {
		return errResult("%v", err), nil
	}
	return okResult(nil), nil
}

func (a *Actuator) Invoke(tool string, args map[string]any) (map[string]any, error) {
	tool = ResolveAlias(a.kind, tool)
	if tool == "emergency_shutdown" {
		tool = "emergency_stop"
	}

	switch tool {
	case "list_devices":
		return okResult(map[string]any{"devices": a.deviceIDs()}), nil
	case "get_status":
		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		return okResult(map[string]any{
			"name": a.name, "kind": a.kind, "zone": a.zone,
			"devices": a.deviceIDs(), "emergency_stopped": stopped,
		}), nil
	case "emergency_stop":
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
		return okResult(map[string]any{"emergency_stopped": true}), nil
	}

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return errResult("emergency stop engaged on %s", a.name), nil
	}

	switch a.kind + "/" + tool {
	case ActuatorBreaker + "/open_breaker", ActuatorBreaker + "/close_breaker":
		lineID, ok := argInt(args, "line_id")
		if !ok {
			return errResult("line_id is required"), nil
		}
		if !a.controlsLine(lineID) {
			return errResult("line %d is not controlled from %s", lineID, a.zone), nil
		}
		closed := tool == "close_breaker"
		res, err := a.guarded(args, func(g *sim.Simulation) error {
			return g.SetLineStatus(lineID, closed)
		})
		if err == nil && res["status"] == "ok" {
			res["line_id"] = lineID
			res["in_service"] = closed
		}
		return res, err

	case ActuatorGenerator + "/set_power":
		genID, ok := argInt(args, "gen_id")
		if !ok {
			return errResult("gen_id is required"), nil
		}
		pMW, ok := argFloat(args, "p_mw")
		if !ok {
			return errResult("p_mw is required"), nil
		}
		if !a.controlsGen(genID) {
			return errResult("generator %d is not in %s", genID, a.zone), nil
		}
		res, err := a.guarded(args, func(g *sim.Simulation) error {
			return g.SetGeneratorMW(genID, pMW)
		})
		if err == nil && res["status"] == "ok" {
			res["gen_id"] = genID
			res["p_mw"] = pMW
		}
		return res, err

	case ActuatorGenerator + "/set_status":
		genID, ok := argInt(args, "gen_id")
		if !ok {
			return errResult("gen_id is required"), nil
		}
		inService, _ := args["in_service"].(bool)
		if !a.controlsGen(genID) {
			return errResult("generator %d is not in %s", genID, a.zone), nil
		}
		return a.guarded(args, func(g *sim.Simulation) error {
			return g.SetGeneratorStatus(genID, inService)
		})

	case ActuatorLoadCtrl + "/shed_load":
		busID, ok := argInt(args, "bus_id")
		if !ok {
			return errResult("bus_id is required"), nil
		}
		pct, ok := argFloat(args, "percent")
		if !ok || pct <= 0 || pct >= 100 {
			return errResult("percent must be in (0, 100)"), nil
		}
		factor := 1 - pct/100
		res, err := a.guarded(args, func(g *sim.Simulation) error {
			return g.ScaleLoadAtBus(busID, factor)
		})
		if err == nil && res["status"] == "ok" {
			a.mu.Lock()
			if _, seen := a.shedAccum[busID]; !seen {
				a.shedAccum[busID] = 1
			}
			a.shedAccum[busID] *= factor
			a.mu.Unlock()
			res["bus_id"] = busID
			res["shed_percent"] = pct
		}
		return res, err

	case ActuatorLoadCtrl + "/restore_load":
		busID, ok := argInt(args, "bus_id")
		if !ok {
			return errResult("bus_id is required"), nil
		}
		a.mu.Lock()
		factor, shed := a.shedAccum[busID]
		a.mu.Unlock()
		if !shed || factor >= 1 {
			return errResult("no shed load to restore at bus %d", busID), nil
		}
		res, err := a.guarded(args, func(g *sim.Simulation) error {
			return g.ScaleLoadAtBus(busID, 1/factor)
		})
		if err == nil && res["status"] == "ok" {
			a.mu.Lock()
			delete(a.shedAccum, busID)
			a.mu.Unlock()
			res["bus_id"] = busID
		}
		return res, err

	case ActuatorVoltReg + "/enable_bank", ActuatorVoltReg + "/disable_bank":
		shuntID, ok := argInt(args, "shunt_id")
		if !ok {
			return errResult("shunt_id is required"), nil
		}
		if !a.controlsShunt(shuntID) {
			return errResult("capacitor bank %d is not in %s", shuntID, a.zone), nil
		}
		enable := tool == "enable_bank"
		res, err := a.guarded(args, func(g *sim.Simulation) error {
			return g.SetShuntStatus(shuntID, enable)
		})
		if err == nil && res["status"] == "ok" {
			res["shunt_id"] = shuntID
			res["in_service"] = enable
		}
		return res, err
	}
	return nil, fmt.Errorf("unknown tool %q for %s", tool, a.name)
}

func (a *Actuator) deviceIDs() []int {
	st := a.grid.State()
	var out []int
	switch a.kind {
	case ActuatorBreaker:
		for _, ln := range st.Lines {
			if sim.ZoneForBus(ln.FromBus) == a.zone || sim.ZoneForBus(ln.ToBus) == a.zone {
				out = append(out, ln.ID)
			}
		}
	case ActuatorGenerator:
		for _, g := range st.Gens {
			if sim.ZoneForBus(g.Bus) == a.zone {
				out = append(out, g.ID)
			}
		}
	case ActuatorLoadCtrl:
		for _, l := range st.Loads {
			if l.InService && sim.ZoneForBus(l.Bus) == a.zone {
				out = append(out, l.Bus)
			}
		}
	case ActuatorVoltReg:
		for _, sh := range st.Shunts {
			if sim.ZoneForBus(sh.Bus) == a.zone {
				out = append(out, sh.ID)
			}
		}
	}
	return out
}

func (a *Actuator) controlsLine(id int) bool  { return a.controls(id) }
func (a *Actuator) controlsGen(id int) bool   { return a.controls(id) }
func (a *Actuator) controlsShunt(id int) bool { return a.controls(id) }

func (a *Actuator) controls(id int) bool {
	for _, d := range a.deviceIDs() {
		if d == id {
			return true
		}
	}
	return false
}
