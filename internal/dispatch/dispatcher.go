// Package dispatch flattens the registered device fleet into one tool
// catalog and routes invocations to live endpoints. Agents only ever see
// normalized `<server>_<tool>` names; the dispatcher keeps the reverse
// maps.
package dispatch

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/registry"
)

var dispLog = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)

// MaxAgentTools caps the tool list offered to an LLM agent in one request.
const MaxAgentTools = 10

// ToolSpec is one catalog row as offered to agents.
type ToolSpec struct {
	Name         string         `json:"name"` // normalized <server>_<tool>
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	ServerID     string         `json:"server_id"`
	ServerName   string         `json:"server_name"`
	OriginalName string         `json:"original_name"`
}

// Dispatcher owns the live endpoint map and the normalized catalog.
type Dispatcher struct {
	mu    sync.RWMutex
	store *registry.Store
	live  map[string]endpoint.Endpoint // server id -> endpoint
}

func New(store *registry.Store) *Dispatcher {
	return &Dispatcher{store: store, live: make(map[string]endpoint.Endpoint)}
}

// Attach registers an endpoint with the store and makes it live for
// invocation.
func (d *Dispatcher) Attach(ep endpoint.Endpoint) *registry.Server {
	reg := d.store.Register(ep.Registration())
	d.mu.Lock()
	d.live[reg.ID] = ep
	d.mu.Unlock()
	return reg
}

// Detach removes an endpoint from the live map and the store.
func (d *Dispatcher) Detach(serverID string) {
	d.mu.Lock()
	delete(d.live, serverID)
	d.mu.Unlock()
	d.store.Deregister(serverID)
}

// Normalize lowercases a name and folds every non-alphanumeric run into a
// single underscore.
func Normalize(name string) string {
	var b strings.Builder
	lastUnder := true
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnder = false
		} else if !lastUnder {
			b.WriteByte('_')
			lastUnder = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// Catalog flattens all registered tools under the given filter, sorted by
// normalized name so every caller sees a stable ordering.
func (d *Dispatcher) Catalog(f registry.Filter) []ToolSpec {
	var out []ToolSpec
	for _, ft := range d.store.Tools(f) {
		out = append(out, ToolSpec{
			Name:         Normalize(ft.ServerName) + "_" + ft.Tool.Name,
			Description:  ft.Tool.Description,
			InputSchema:  ft.Tool.InputSchema,
			ServerID:     ft.ServerID,
			ServerName:   ft.ServerName,
			OriginalName: ft.Tool.Name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AgentTools returns the tool view offered to the strategic agent during an
// escalation: every actuator tool, uncapped, so no remedy is hidden. Only
// the whole-catalog fallback (no actuators registered) is capped at
// MaxAgentTools.
func (d *Dispatcher) AgentTools(f registry.Filter) []ToolSpec {
	f.DeviceType = endpoint.TypeActuator
	if tools := d.Catalog(f); len(tools) > 0 {
		return tools
	}
	f.DeviceType = ""
	tools := d.Catalog(f)
	if len(tools) > MaxAgentTools {
		tools = tools[:MaxAgentTools]
	}
	return tools
}

// Lookup resolves a normalized tool name to its spec.
func (d *Dispatcher) Lookup(normalized string) (ToolSpec, bool) {
	for _, spec := range d.Catalog(registry.Filter{}) {
		if spec.Name == normalized {
			return spec, true
		}
	}
	return ToolSpec{}, false
}

// Invoke routes a normalized tool call to its live endpoint. All failure
// modes come back as structured payloads so agents can reason about them.
func (d *Dispatcher) Invoke(normalized string, args map[string]any) map[string]any {
	spec, ok := d.Lookup(normalized)
	if !ok {
		return map[string]any{"error": "unknown_tool", "tool": normalized}
	}

	d.mu.RLock()
	ep, live := d.live[spec.ServerID]
	d.mu.RUnlock()
	if sv, ok := d.store.Get(spec.ServerID); !ok || sv.Status != registry.StatusActive {
		live = false
	}
	if !live {
		return map[string]any{
			"error":  "no_live_server",
			"tool":   normalized,
			"server": spec.ServerName,
		}
	}

	res, err := ep.Invoke(spec.OriginalName, args)
	if err != nil {
		dispLog.Printf("invoke %s failed: %v", normalized, err)
		return map[string]any{"error": err.Error(), "tool": normalized}
	}
	return res
}
