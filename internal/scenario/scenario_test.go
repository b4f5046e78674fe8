package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/sim"
)

func newRunner(t *testing.T) (*Runner, *sim.Simulation) {
	t.Helper()
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	return NewRunner(g, nil, nil), g
}

func TestNamesSorted(t *testing.T) {
	assert.Equal(t, []string{
		"cascading_failure", "frequency_event", "line_overload", "voltage_collapse",
	}, Names())
}

func TestLineOverloadCreatesCriticalThermal(t *testing.T) {
	r, g := newRunner(t)
	require.NoError(t, r.Trigger(LineOverload))

	var critical bool
	for _, v := range g.Violations() {
		if v.Kind == sim.ViolationThermal && v.Severity == sim.SeverityCritical {
			critical = true
		}
	}
	assert.True(t, critical)
}

func TestVoltageCollapseSagsZone2(t *testing.T) {
	r, g := newRunner(t)
	require.NoError(t, r.Trigger(VoltageCollapse))

	sagged := 0
	for _, v := range g.Violations() {
		if v.Kind == sim.ViolationVoltageLow && v.Zone == "zone_2" {
			sagged++
		}
	}
	assert.GreaterOrEqual(t, sagged, 3)
}

func TestCascadingFailureRemovesBackupPath(t *testing.T) {
	r, g := newRunner(t)
	require.NoError(t, r.Trigger(CascadingFailure))

	st := g.State()
	assert.False(t, st.Lines[39].InService)

	_, _, loading, err := g.LineMetrics(9)
	require.NoError(t, err)
	assert.Greater(t, loading, 120.0)

	// With the backup path out, tripping the overloaded feeder would island
	// the bus 7 load.
	check := g.ValidateAction(func(sb *sim.Simulation) error {
		return sb.SetLineStatus(9, false)
	})
	assert.False(t, check.Safe)
}

func TestFrequencyEventUnderfrequency(t *testing.T) {
	r, g := newRunner(t)
	require.NoError(t, r.Trigger(FrequencyEvent))

	assert.Less(t, g.Frequency(), 60.0-sim.FrequencyBandHz)

	var found bool
	for _, v := range g.Violations() {
		if v.Kind == sim.ViolationFrequency {
			found = true
			assert.Equal(t, "system", v.Zone)
		}
	}
	assert.True(t, found)
}

func TestTriggerThenReset(t *testing.T) {
	r, g := newRunner(t)
	require.NoError(t, r.Trigger(LineOverload))
	require.NotEmpty(t, g.Violations())

	require.NoError(t, r.Reset())
	assert.Empty(t, g.Violations())
	assert.Zero(t, g.SnapshotDepth())

	assert.Error(t, r.Reset())
}

func TestUnknownScenario(t *testing.T) {
	r, _ := newRunner(t)
	assert.Error(t, r.Trigger("meteor_strike"))
}

func TestEventsPublished(t *testing.T) {
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	events := bus.New(10)
	defer events.Close()
	logCh, unsubLog := events.Subscribe(bus.ChannelAgentLog)
	defer unsubLog()
	stateCh, unsubState := events.Subscribe(bus.ChannelGridState)
	defer unsubState()

	r := NewRunner(g, events, nil)
	require.NoError(t, r.Trigger(FrequencyEvent))

	logMsg := <-logCh
	assert.Equal(t, "scenario_triggered", logMsg.Payload["event"])
	assert.Equal(t, "warning", logMsg.Payload["level"])

	stateMsg := <-stateCh
	assert.Equal(t, "grid_state", stateMsg.Payload["type"])
}
