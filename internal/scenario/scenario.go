// Package scenario injects named disturbances into the grid for demos and
// drills. Every trigger saves a snapshot first so Reset can put the case
// back the way it was.
package scenario

import (
	"fmt"
	"log"
	"sort"

	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/sim"
)

var scenLog = log.New(log.Writer(), "[SCENARIO] ", log.LstdFlags)

// Named disturbances.
const (
	LineOverload     = "line_overload"
	VoltageCollapse  = "voltage_collapse"
	CascadingFailure = "cascading_failure"
	FrequencyEvent   = "frequency_event"
)

// Runner applies scenarios to the live grid.
type Runner struct {
	grid   *sim.Simulation
	events *bus.Bus
	audit  *audit.Log
}

// NewRunner builds a scenario runner. events and auditLog may be nil.
func NewRunner(grid *sim.Simulation, events *bus.Bus, auditLog *audit.Log) *Runner {
	return &Runner{grid: grid, events: events, audit: auditLog}
}

var scenarios = map[string]struct {
	description string
	apply       func(g *sim.Simulation) error
}{
	LineOverload: {
		description: "heavy industrial demand overloads the bus 7 feeder",
		apply: func(g *sim.Simulation) error {
			return g.AddLoadMW(7, 50)
		},
	},
	VoltageCollapse: {
		description: "distributed demand growth drags zone 2 voltages down",
		apply: func(g *sim.Simulation) error {
			for _, bus := range []int{10, 12, 14, 15} {
				if err := g.AddLoadMW(bus, 20); err != nil {
					return err
				}
			}
			return nil
		},
	},
	CascadingFailure: {
		description: "loss of the bus 7 backup path followed by demand growth",
		apply: func(g *sim.Simulation) error {
			// With line 39 out, the bus 7 feeder has no parallel path and the
			// relay cannot trip it without islanding the load.
			if err := g.SetLineStatus(39, false); err != nil {
				return err
			}
			return g.AddLoadMW(7, 20)
		},
	},
	FrequencyEvent: {
		description: "loss of four dispatchable units pulls frequency down",
		apply: func(g *sim.Simulation) error {
			for _, gen := range []int{0, 1, 2, 3} {
				if err := g.SetGeneratorStatus(gen, false); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Names lists the available scenarios, sorted.
func Names() []string {
	out := make([]string, 0, len(scenarios))
	for name := range scenarios {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Trigger applies a named scenario on top of the current state.
func (r *Runner) Trigger(name string) error {
	sc, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q (have %v)", name, Names())
	}

	r.grid.SaveSnapshot()
	if err := sc.apply(r.grid); err != nil {
		r.grid.DiscardSnapshot()
		return fmt.Errorf("scenario %s: %w", name, err)
	}

	viols := r.grid.Violations()
	scenLog.Printf("triggered %s: %s (%d violations)", name, sc.description, len(viols))

	if r.audit != nil {
		r.audit.Record(audit.Entry{
			Zone: "system", Event: audit.EventScenario, Component: name,
			Details: map[string]any{
				"description":     sc.description,
				"violation_count": len(viols),
			},
		})
	}
	if r.events != nil {
		r.events.Publish(bus.ChannelAgentLog, map[string]any{
			"source":  "scenario_runner",
			"event":   "scenario_triggered",
			"level":   "warning",
			"message": fmt.Sprintf("scenario %s: %s", name, sc.description),
		})
		r.events.Publish(bus.ChannelGridState, map[string]any{
			"type": "grid_state",
			"data": r.grid.Message(),
		})
	}
	return nil
}

// Reset unwinds the most recent trigger.
func (r *Runner) Reset() error {
	if r.grid.SnapshotDepth() == 0 {
		return fmt.Errorf("nothing to reset")
	}
	if err := r.grid.RestoreSnapshot(); err != nil {
		return err
	}
	scenLog.Print("state restored")
	if r.events != nil {
		r.events.Publish(bus.ChannelGridState, map[string]any{
			"type": "grid_state",
			"data": r.grid.Message(),
		})
	}
	return nil
}
