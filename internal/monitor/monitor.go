// Package monitor drives the supervisory cycle: vary load, sweep for
// violations, run every zone engine in parallel, hand unresolved zones to
// the strategic tier, and broadcast the grid state.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/sim"
)

var monLog = log.New(log.Writer(), "[MONITOR] ", log.LstdFlags)

// Defaults for the loop configuration.
const (
	DefaultInterval          = 5 * time.Second
	DefaultZoneTimeout       = 10 * time.Second
	DefaultEscalationTimeout = 300 * time.Second
	heartbeatEvery           = 6
)

// EscalationHandler receives the zones that exhausted their local
// remedies. It runs on its own goroutine under a deadline.
type EscalationHandler func(ctx context.Context, escalations []coordinator.Result) error

// Engine is what the loop needs from a zone coordinator.
type Engine interface {
	Zone() string
	State() string
	DetectViolations() []sim.Violation
	ExecuteSafetyRules() coordinator.Result
	AcknowledgeEscalation()
}

// Config tunes the monitoring loop. Zero values fall back to defaults.
type Config struct {
	Interval                time.Duration
	ZoneTimeout             time.Duration
	EscalationTimeout       time.Duration
	EscalationMinViolations int
	// StateFile, when set, receives an atomic JSON snapshot of the grid
	// after every cycle for dashboard polling.
	StateFile string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ZoneTimeout <= 0 {
		c.ZoneTimeout = DefaultZoneTimeout
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = DefaultEscalationTimeout
	}
	if c.EscalationMinViolations <= 0 {
		c.EscalationMinViolations = 1
	}
	return c
}

// Loop is the monitoring cycle driver.
type Loop struct {
	grid    *sim.Simulation
	engines []Engine
	events  *bus.Bus
	varier  *sim.LoadVarier // optional
	cfg     Config
	metrics *Metrics

	onEscalation EscalationHandler

	mu         sync.Mutex
	cycle      int
	escalating bool
}

// New builds the loop. events, varier, metrics and handler may be nil;
// a nil metrics disables instrumentation, a nil handler leaves escalated
// zones in their ESCALATING state.
func New(grid *sim.Simulation, engines []Engine, events *bus.Bus,
	varier *sim.LoadVarier, metrics *Metrics, cfg Config, handler EscalationHandler) *Loop {
	return &Loop{
		grid:         grid,
		engines:      engines,
		events:       events,
		varier:       varier,
		cfg:          cfg.withDefaults(),
		metrics:      metrics,
		onEscalation: handler,
	}
}

// Run blocks, executing one cycle per interval until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	monLog.Printf("starting: interval=%s zones=%d", l.cfg.Interval, len(l.engines))
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			monLog.Print("stopped")
			return
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

// RunCycle executes exactly one monitoring cycle. Exported so tests and
// scenario playback can step the loop deterministically.
func (l *Loop) RunCycle(ctx context.Context) []coordinator.Result {
	start := time.Now()

	if l.varier != nil {
		if err := l.varier.VaryLoads(l.grid); err != nil {
			monLog.Printf("load variation skipped: %v", err)
		}
	}

	results := l.dispatchZones(ctx)

	viols := l.grid.Violations()
	l.observe(viols, time.Since(start))
	l.publishState()
	if l.cfg.StateFile != "" {
		if err := l.grid.SaveToFile(l.cfg.StateFile); err != nil {
			monLog.Printf("state file write failed: %v", err)
		}
	}

	var escalations []coordinator.Result
	for _, res := range results {
		if res.Escalate && len(res.Violations) >= l.cfg.EscalationMinViolations {
			escalations = append(escalations, res)
		}
	}
	if len(escalations) > 0 {
		l.escalate(ctx, escalations)
	}

	l.mu.Lock()
	l.cycle++
	if l.cycle%heartbeatEvery == 0 {
		gen, load, loss := l.grid.Totals()
		monLog.Printf("cycle %d: f=%.3f Hz gen=%.1f MW load=%.1f MW loss=%.2f MW violations=%d",
			l.cycle, l.grid.Frequency(), gen, load, loss, len(viols))
	}
	l.mu.Unlock()

	return results
}

// dispatchZones runs every engine concurrently, each under its own
// deadline. A zone that misses its deadline cannot be trusted to have
// contained its violations, so the cycle escalates it with whatever the
// sweep sees right now.
func (l *Loop) dispatchZones(ctx context.Context) []coordinator.Result {
	results := make([]coordinator.Result, len(l.engines))
	var wg sync.WaitGroup
	for i, eng := range l.engines {
		wg.Add(1)
		go func(i int, eng Engine) {
			defer wg.Done()
			done := make(chan coordinator.Result, 1)
			go func() { done <- eng.ExecuteSafetyRules() }()
			select {
			case res := <-done:
				results[i] = res
			case <-time.After(l.cfg.ZoneTimeout):
				monLog.Printf("%s: safety pass exceeded %s, escalating", eng.Zone(), l.cfg.ZoneTimeout)
				if l.metrics != nil {
					l.metrics.ZoneTimeouts.Inc()
				}
				results[i] = coordinator.Result{
					Zone:       eng.Zone(),
					State:      eng.State(),
					Violations: eng.DetectViolations(),
					Escalate:   true,
				}
			case <-ctx.Done():
				results[i] = coordinator.Result{Zone: eng.Zone(), State: eng.State()}
			}
		}(i, eng)
	}
	wg.Wait()
	return results
}

// escalate hands the unresolved zones to the strategic tier, one hand-off
// at a time.
func (l *Loop) escalate(ctx context.Context, escalations []coordinator.Result) {
	if l.metrics != nil {
		l.metrics.Escalations.Inc()
	}
	if l.onEscalation == nil {
		return
	}

	l.mu.Lock()
	if l.escalating {
		l.mu.Unlock()
		return
	}
	l.escalating = true
	l.mu.Unlock()

	zones := make([]string, len(escalations))
	for i, esc := range escalations {
		zones[i] = esc.Zone
	}
	monLog.Printf("escalating zones %v to strategic tier", zones)

	go func() {
		hctx, cancel := context.WithTimeout(ctx, l.cfg.EscalationTimeout)
		defer cancel()
		if err := l.onEscalation(hctx, escalations); err != nil {
			monLog.Printf("escalation handling failed: %v", err)
		} else {
			for _, eng := range l.engines {
				for _, esc := range escalations {
					if eng.Zone() == esc.Zone {
						eng.AcknowledgeEscalation()
					}
				}
			}
		}
		l.mu.Lock()
		l.escalating = false
		l.mu.Unlock()
	}()
}

func (l *Loop) observe(viols []sim.Violation, elapsed time.Duration) {
	if l.metrics == nil {
		return
	}
	l.metrics.Cycles.Inc()
	l.metrics.CycleDuration.Observe(elapsed.Seconds())
	perZone := map[string]int{}
	for _, z := range sim.ZoneNames() {
		perZone[z] = 0
	}
	for _, v := range viols {
		perZone[v.Zone]++
	}
	for zone, n := range perZone {
		l.metrics.Violations.WithLabelValues(zone).Set(float64(n))
	}
}

// publishState broadcasts the full grid snapshot on the state channel.
func (l *Loop) publishState() {
	if l.events == nil {
		return
	}
	msg := l.grid.Message()
	l.events.Publish(bus.ChannelGridState, map[string]any{
		"type": "grid_state",
		"data": msg,
	})
}

// Cycle returns how many cycles have completed.
func (l *Loop) Cycle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycle
}
