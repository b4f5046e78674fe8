package api

import (
	"context"
	"log"
	"time"

	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/sim"
)

var demoLog = log.New(log.Writer(), "[DEMO] ", log.LstdFlags)

// DemoStream feeds the dashboard without the real boot sequence: a private
// simulation under a load walk, plus canned agent and guardian chatter.
type DemoStream struct {
	grid     *sim.Simulation
	events   *bus.Bus
	varier   *sim.LoadVarier
	interval time.Duration
}

// NewDemoStream builds the demo publisher on its own simulation.
func NewDemoStream(events *bus.Bus, interval time.Duration) (*DemoStream, error) {
	grid, err := sim.NewSimulation(nil)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &DemoStream{
		grid:     grid,
		events:   events,
		varier:   sim.NewLoadVarier(time.Now().UnixNano(), 0.02),
		interval: interval,
	}, nil
}

var demoAgentLines = []string{
	"zone_1 coordinator: all feeders within limits",
	"zone_2 coordinator: bus voltages steady, no action",
	"zone_3 coordinator: generation dispatch unchanged",
	"strategic agent: periodic review complete, grid healthy",
}

var demoGuardianLines = []struct {
	command string
	risk    string
}{
	{"set_power(gen_id=2, p_mw=35.0)", "LOW"},
	{"enable_bank(shunt_id=0)", "LOW"},
	{"shed_load(bus_id=4, percent=10)", "MEDIUM"},
}

// Run publishes the demo stream until ctx is done.
func (d *DemoStream) Run(ctx context.Context) {
	demoLog.Printf("demo stream started (interval %s)", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			demoLog.Print("demo stream stopped")
			return
		case <-ticker.C:
			tick++
			if err := d.varier.VaryLoads(d.grid); err != nil {
				demoLog.Printf("load walk skipped: %v", err)
			}
			d.events.Publish(bus.ChannelGridState, map[string]any{
				"type": "grid_state",
				"data": d.grid.Message(),
			})
			if tick%3 == 0 {
				d.events.Publish(bus.ChannelAgentLog, map[string]any{
					"source":  "demo",
					"event":   "status",
					"message": demoAgentLines[(tick/3)%len(demoAgentLines)],
				})
			}
			if tick%7 == 0 {
				line := demoGuardianLines[(tick/7)%len(demoGuardianLines)]
				d.events.Publish(bus.ChannelGuardianEvent, map[string]any{
					"approved": true,
					"risk":     line.risk,
					"reason":   "routine demo traffic",
					"command":  line.command,
				})
			}
		}
	}
}

// Grid exposes the demo simulation so the REST surface can serve state in
// demo mode too.
func (d *DemoStream) Grid() *sim.Simulation { return d.grid }
