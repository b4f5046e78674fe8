package endpoint

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/registry"
)

// Coordinator exposes one zone engine as a coordination-tier endpoint, so
// the strategic agent (and REST clients) reach zone protection through the
// same tool surface as the physical devices.
type Coordinator struct {
	id     string
	name   string
	engine *coordinator.ZoneEngine
}

// NewCoordinator wraps a zone engine as an endpoint.
func NewCoordinator(engine *coordinator.ZoneEngine) *Coordinator {
	return &Coordinator{
		id:     uuid.New().String(),
		name:   "coordinator_" + engine.Zone(),
		engine: engine,
	}
}

func (c *Coordinator) ID() string   { return c.id }
func (c *Coordinator) Name() string { return c.name }
func (c *Coordinator) Tier() string { return TierCoordination }
func (c *Coordinator) Zone() string { return c.engine.Zone() }

func (c *Coordinator) Registration() registry.Server {
	return registry.Server{
		ID: c.id, Name: c.name, DeviceType: TypeCoordinator, Tier: TierCoordination,
		Zone: c.engine.Zone(), Domain: DomainPowerGrid,
		Tools: []registry.Tool{
			{Name: "get_zone_status", Description: "Zone summary with engine state"},
			{Name: "detect_violations", Description: "Current limit breaches in the zone"},
			{Name: "execute_safety_rules", Description: "Run one protection cycle now"},
			{Name: "handle_violation", Description: "Run the remedy matched to one violation type",
				InputSchema: objSchema("type", "string")},
			{Name: "optimize_zone_topology", Description: "Run a named optimizer strategy",
				InputSchema: objSchema("strategy", "string")},
			{Name: "load_balancing", Description: "Relieve thermal overloads toward a target loading"},
			{Name: "voltage_regulation", Description: "Switch capacitor banks to restore the voltage band"},
			{Name: "emergency_islanding", Description: "Open every tie line and island the zone"},
			{Name: "update_protection_settings", Description: "Change the zone's warning thresholds"},
		},
	}
}

func (c *Coordinator) Invoke(tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "get_zone_status":
		return okResult(c.engine.Status()), nil

	case "detect_violations":
		viols := c.engine.DetectViolations()
		return okResult(map[string]any{
			"zone": c.engine.Zone(), "violations": viols, "count": len(viols),
		}), nil

	case "execute_safety_rules":
		res := c.engine.ExecuteSafetyRules()
		return okResult(map[string]any{
			"zone": res.Zone, "state": res.State, "actions": res.Actions,
			"violations": res.Violations, "escalate": res.Escalate,
		}), nil

	case "handle_violation":
		kind, _ := args["type"].(string)
		if kind == "" {
			return errResult("type is required"), nil
		}
		act, err := c.engine.HandleViolation(kind)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{"action": act}), nil

	case "optimize_zone_topology":
		strategy, _ := args["strategy"].(string)
		if strategy == "" {
			strategy = coordinator.StrategyMinLosses
		}
		target, _ := argFloat(args, "target_percent")
		act, err := c.engine.Optimize(strategy, target)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{"strategy": strategy, "action": act}), nil

	case "load_balancing":
		target, ok := argFloat(args, "target_percent")
		if !ok {
			target = 0
		}
		act, err := c.engine.Optimize(coordinator.StrategyBalanceLoading, target)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{"action": act}), nil

	case "voltage_regulation":
		act, err := c.engine.Optimize(coordinator.StrategyRegulateVoltage, 0)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{"action": act}), nil

	case "emergency_islanding":
		if err := c.engine.EmergencyIsland(); err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{"zone": c.engine.Zone(), "islanded": true}), nil

	case "update_protection_settings":
		changes := map[string]float64{}
		for _, key := range []string{"voltage_min_pu", "voltage_max_pu", "loading_max_percent"} {
			if v, ok := argFloat(args, key); ok {
				changes[key] = v
			}
		}
		if len(changes) == 0 {
			return errResult("no settings given"), nil
		}
		lim, err := c.engine.UpdateProtectionSettings(changes)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{
			"voltage_min_pu":      lim.VoltageMinPU,
			"voltage_max_pu":      lim.VoltageMaxPU,
			"loading_max_percent": lim.LoadingMaxPercent,
		}), nil
	}
	return nil, fmt.Errorf("unknown tool %q for %s", tool, c.name)
}
