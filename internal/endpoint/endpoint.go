// Package endpoint implements the physical-tier device servers: sensors
// that read the grid and actuators that change it. Every endpoint
// self-describes as a registry entry and answers tool invocations with
// JSON-shaped results.
package endpoint

import (
	"fmt"

	"github.com/gridmind/backend/internal/registry"
)

// Tiers in the control hierarchy.
const (
	TierPhysical     = "physical"
	TierCoordination = "coordination"
	TierStrategic    = "strategic"
)

// Device types as reported to the registry.
const (
	TypeSensor      = "sensor"
	TypeActuator    = "actuator"
	TypeCoordinator = "coordinator"
)

// DomainPowerGrid tags every grid endpoint's registry entry.
const DomainPowerGrid = "power_grid"

// Endpoint is one device server. Invoke runs a named tool with JSON-like
// args; the result map is returned to the caller verbatim.
type Endpoint interface {
	ID() string
	Name() string
	Tier() string
	Zone() string
	Registration() registry.Server
	Invoke(tool string, args map[string]any) (map[string]any, error)
}

// errResult shapes a domain-level refusal. The call itself succeeded, so
// no Go error is returned; the payload carries the reason.
func errResult(format string, a ...any) map[string]any {
	return map[string]any{"status": "error", "error": fmt.Sprintf(format, a...)}
}

func okResult(kv map[string]any) map[string]any {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["status"] = "ok"
	return kv
}

// argInt pulls an integer argument that may arrive as float64 from JSON.
func argInt(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func argFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
