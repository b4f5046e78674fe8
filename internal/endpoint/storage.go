package endpoint

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/sim"
)

// MinDischargeSoC is the state-of-charge floor below which discharge
// commands are refused to protect the cells.
const MinDischargeSoC = 0.05

const defaultDurationH = 0.25

// Storage is a battery endpoint. Charging presents as extra load at its
// bus, discharging as negative load. Energy for a command's duration is
// accounted up front; the power injection persists until halted or
// replaced.
type Storage struct {
	id   string
	name string
	zone string
	grid *sim.Simulation

	mu          sync.Mutex
	bus         int
	capacityMWh float64
	soc         float64
	maxMW       float64
	injectionMW float64 // +charging, -discharging
}

// NewStorage builds a battery at the given bus.
func NewStorage(grid *sim.Simulation, unit int, bus int, capacityMWh, initialSoC, maxMW float64) *Storage {
	return &Storage{
		id:          uuid.New().String(),
		name:        fmt.Sprintf("energy_storage_%d_%s", unit, sim.ZoneForBus(bus)),
		zone:        sim.ZoneForBus(bus),
		grid:        grid,
		bus:         bus,
		capacityMWh: capacityMWh,
		soc:         initialSoC,
		maxMW:       maxMW,
	}
}

func (s *Storage) ID() string   { return s.id }
func (s *Storage) Name() string { return s.name }
func (s *Storage) Tier() string { return TierPhysical }
func (s *Storage) Zone() string { return s.zone }
func (s *Storage) Kind() string { return ActuatorEnergyStorage }

// SoC returns the current state of charge in [0, 1].
func (s *Storage) SoC() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soc
}

func (s *Storage) Registration() registry.Server {
	return registry.Server{
		ID: s.id, Name: s.name, DeviceType: TypeActuator, Tier: TierPhysical,
		Zone: s.zone, Domain: DomainPowerGrid,
		Tools: []registry.Tool{
			{Name: "charge", Description: "Draw p_mw from the grid for duration_h",
				InputSchema: objSchema("p_mw", "number")},
			{Name: "discharge", Description: "Inject p_mw into the grid for duration_h",
				InputSchema: objSchema("p_mw", "number")},
			{Name: "halt", Description: "Stop charging or discharging"},
			{Name: "get_soc", Description: "Current state of charge"},
		},
	}
}

func (s *Storage) Invoke(tool string, args map[string]any) (map[string]any, error) {
	tool = ResolveAlias(ActuatorEnergyStorage, tool)
	switch tool {
	case "get_soc":
		s.mu.Lock()
		defer s.mu.Unlock()
		return okResult(map[string]any{
			"soc": s.soc, "capacity_mwh": s.capacityMWh,
			"injection_mw": s.injectionMW, "bus_id": s.bus,
		}), nil

	case "charge", "discharge":
		pMW, ok := argFloat(args, "p_mw")
		if !ok || pMW <= 0 {
			return errResult("p_mw must be positive"), nil
		}
		if pMW > s.maxMW {
			pMW = s.maxMW
		}
		duration, ok := argFloat(args, "duration_h")
		if !ok || duration <= 0 {
			duration = defaultDurationH
		}
		return s.command(tool, pMW, duration, args)

	case "halt":
		return s.setInjection(0, args)
	}
	return nil, fmt.Errorf("unknown tool %q for %s", tool, s.name)
}

func (s *Storage) command(tool string, pMW, duration float64, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	deltaSoC := pMW * duration / s.capacityMWh
	target := s.injectionMW
	switch tool {
	case "charge":
		if s.soc+deltaSoC > 1.0 {
			s.mu.Unlock()
			return errResult("charge refused: would exceed capacity (soc=%.2f)", s.soc), nil
		}
		target = pMW
	case "discharge":
		if s.soc <= MinDischargeSoC || s.soc-deltaSoC < MinDischargeSoC {
			s.mu.Unlock()
			return errResult("discharge refused: state of charge at floor (soc=%.2f)", s.soc), nil
		}
		target = -pMW
	}
	s.mu.Unlock()

	res, err := s.setInjection(target, args)
	if err != nil || res["status"] != "ok" {
		return res, err
	}

	s.mu.Lock()
	if tool == "charge" {
		s.soc += deltaSoC
	} else {
		s.soc -= deltaSoC
	}
	soc := s.soc
	s.mu.Unlock()

	res["soc"] = soc
	res["p_mw"] = pMW
	res["duration_h"] = duration
	return res, nil
}

// setInjection moves the bus load injection to target MW, validating the
// change in a sandbox first.
func (s *Storage) setInjection(target float64, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	delta := target - s.injectionMW
	s.mu.Unlock()
	if delta == 0 {
		return okResult(map[string]any{"injection_mw": target}), nil
	}

	mutate := func(g *sim.Simulation) error {
		return g.AddLoadMW(s.bus, delta)
	}
	force, _ := args["force"].(bool)
	if !force {
		if res := s.grid.ValidateAction(mutate); !res.Safe {
			return map[string]any{"status": "rejected", "reason": res.Reason}, nil
		}
	}
	if err := mutate(s.grid); err != nil {
		return errResult("%v", err), nil
	}

	s.mu.Lock()
	s.injectionMW = target
	s.mu.Unlock()
	return okResult(map[string]any{"injection_mw": target}), nil
}
