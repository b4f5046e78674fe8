package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/sim"
)

func newEngines(g *sim.Simulation) []Engine {
	var out []Engine
	for _, z := range sim.ZoneNames() {
		out = append(out, coordinator.NewZoneEngine(g, z, nil, nil))
	}
	return out
}

// stuckEngine never finishes its safety pass.
type stuckEngine struct {
	zone  string
	viols []sim.Violation
}

func (s *stuckEngine) Zone() string                      { return s.zone }
func (s *stuckEngine) State() string                     { return coordinator.StateAlarm }
func (s *stuckEngine) DetectViolations() []sim.Violation { return s.viols }
func (s *stuckEngine) AcknowledgeEscalation()            {}
func (s *stuckEngine) ExecuteSafetyRules() coordinator.Result {
	select {} // blocks forever
}

func TestCycleOnHealthyGrid(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	events := bus.New(10)
	defer events.Close()
	ch, unsub := events.Subscribe(bus.ChannelGridState)
	defer unsub()

	l := New(g, newEngines(g), events, nil, nil, Config{}, nil)
	results := l.RunCycle(context.Background())

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, coordinator.StateNormal, res.State)
		assert.False(t, res.Escalate)
	}
	assert.Equal(t, 1, l.Cycle())

	msg := <-ch
	assert.Equal(t, "grid_state", msg.Payload["type"])
	state, ok := msg.Payload["data"].(sim.StateMessage)
	require.True(t, ok)
	assert.Len(t, state.Nodes, 30)
	assert.Empty(t, state.Violations)
}

func TestEscalationReachesHandler(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	// A sag in a zone without capacitor banks: the zone engine cannot clear
	// it and escalates on the third cycle.
	require.NoError(t, g.AddLoadMW(5, 30))

	engines := newEngines(g)
	handled := make(chan []coordinator.Result, 1)
	handler := func(ctx context.Context, escs []coordinator.Result) error {
		handled <- escs
		return nil
	}

	l := New(g, engines, nil, nil, nil, Config{}, handler)
	for i := 0; i < 3; i++ {
		l.RunCycle(context.Background())
	}

	select {
	case escs := <-handled:
		require.Len(t, escs, 1)
		assert.Equal(t, "zone_1", escs[0].Zone)
		assert.NotEmpty(t, escs[0].Violations)
	case <-time.After(2 * time.Second):
		t.Fatal("escalation never reached the handler")
	}

	// A successful hand-off acknowledges the zone out of ESCALATING.
	assert.Eventually(t, func() bool {
		return engines[0].State() == coordinator.StateAlarm
	}, 2*time.Second, 10*time.Millisecond)
}

func TestZoneTimeoutEscalates(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)

	stuck := &stuckEngine{zone: "zone_1", viols: []sim.Violation{{
		Kind: sim.ViolationThermal, Component: "line_9", Zone: "zone_1",
	}}}
	handled := make(chan []coordinator.Result, 1)
	handler := func(ctx context.Context, escs []coordinator.Result) error {
		handled <- escs
		return nil
	}

	l := New(g, []Engine{stuck}, nil, nil, nil,
		Config{ZoneTimeout: 20 * time.Millisecond}, handler)
	results := l.RunCycle(context.Background())

	require.Len(t, results, 1)
	assert.True(t, results[0].Escalate, "an unresponsive zone cannot be trusted")
	assert.NotEmpty(t, results[0].Violations)

	select {
	case escs := <-handled:
		require.Len(t, escs, 1)
		assert.Equal(t, "zone_1", escs[0].Zone)
	case <-time.After(time.Second):
		t.Fatal("timed-out zone never reached the handler")
	}
}

func TestEscalationThresholdFiltersSmallSets(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	require.NoError(t, g.AddLoadMW(5, 30))

	handled := make(chan []coordinator.Result, 1)
	handler := func(ctx context.Context, escs []coordinator.Result) error {
		handled <- escs
		return nil
	}

	// The sag produces a single violation; a threshold of two must hold the
	// escalation back.
	l := New(g, newEngines(g), nil, nil, nil, Config{EscalationMinViolations: 2}, handler)
	for i := 0; i < 4; i++ {
		l.RunCycle(context.Background())
	}

	select {
	case <-handled:
		t.Fatal("escalation dispatched below the violation threshold")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoadVariationStaysHealthy(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	varier := sim.NewLoadVarier(7, 0.02)

	l := New(g, newEngines(g), nil, varier, nil, Config{}, nil)
	for i := 0; i < 10; i++ {
		results := l.RunCycle(context.Background())
		for _, res := range results {
			assert.Equal(t, coordinator.StateNormal, res.State)
		}
	}
	assert.Empty(t, g.Violations())
}

func TestMetricsObserved(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	l := New(g, newEngines(g), nil, nil, m, Config{}, nil)
	l.RunCycle(context.Background())
	l.RunCycle(context.Background())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles))
	for _, z := range sim.ZoneNames() {
		assert.Equal(t, 0.0, testutil.ToFloat64(m.Violations.WithLabelValues(z)))
	}
}

func TestCycleWritesStateFile(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "data", "grid_state.json")
	l := New(g, newEngines(g), nil, nil, nil, Config{StateFile: path}, nil)
	l.RunCycle(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var msg sim.StateMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Len(t, msg.Nodes, 30)
	assert.InDelta(t, 60.0, msg.FrequencyHz, 0.01)
}
