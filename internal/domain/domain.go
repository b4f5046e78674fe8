// Package domain abstracts what the control plane supervises. An Adapter
// turns one physical domain into the endpoint fleet and zone engines the
// rest of the system runs against; the control plane itself never names
// buses or breakers.
package domain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/endpoint"
)

// Adapter binds a physical domain to the control plane.
type Adapter interface {
	DomainName() string
	CreateSensors() []endpoint.Endpoint
	CreateActuators() []endpoint.Endpoint
	CreateCoordinators(events *bus.Bus, auditLog *audit.Log) []*coordinator.ZoneEngine
	SensorTypes() []string
	ActuatorTypes() []string
	Constraints() map[string]any
	SafetyRules() []string
}

var (
	adaptersMu sync.RWMutex
	adapters   = map[string]func() (Adapter, error){}
)

// RegisterAdapter makes a domain constructor available by name.
func RegisterAdapter(name string, build func() (Adapter, error)) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapters[name] = build
}

// Build constructs a registered domain adapter.
func Build(name string) (Adapter, error) {
	adaptersMu.RLock()
	build, ok := adapters[name]
	adaptersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown domain %q (have %v)", name, Available())
	}
	return build()
}

// Available lists the registered domains, sorted.
func Available() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	out := make([]string, 0, len(adapters))
	for name := range adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
