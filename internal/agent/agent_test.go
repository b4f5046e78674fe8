package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/dispatch"
	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/guardian"
	"github.com/gridmind/backend/internal/llm"
	"github.com/gridmind/backend/internal/memory"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/sim"
)

type fixture struct {
	grid  *sim.Simulation
	store *registry.Store
	disp  *dispatch.Dispatcher
	mem   *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	grid, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"))
	mem, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	return &fixture{grid: grid, store: store, disp: dispatch.New(store), mem: mem}
}

func approvingGuardian() *guardian.Guardian {
	return guardian.New(llm.NewMock("haiku",
		&llm.Response{Text: `{"safe": true, "risk_level": "LOW", "reasoning": "minimal action"}`}), nil, nil)
}

func denyingGuardian() *guardian.Guardian {
	return guardian.New(llm.NewMock("haiku",
		&llm.Response{Text: `{"safe": false, "risk_level": "HIGH", "reasoning": "unjustified switching"}`}), nil, nil)
}

func TestDirectAnswerIsPersisted(t *testing.T) {
	f := newFixture(t)
	mock := llm.NewMock("sonnet", &llm.Response{Text: "All zones nominal, no action required."})
	a := New(mock, f.disp, f.store, nil, f.mem, nil, nil)

	out, err := a.Process(context.Background(), "how is the grid doing?")
	require.NoError(t, err)
	assert.Equal(t, "All zones nominal, no action required.", out.Answer)
	assert.Equal(t, 1, out.Rounds)
	assert.Empty(t, out.Actions)

	decisions, err := f.mem.RecentDecisions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "how is the grid doing?", decisions[0].Query)
	assert.Equal(t, "strategic", decisions[0].Agent)
}

func TestMemoryContextPrecedesQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.mem.StoreDecision(context.Background(), memory.Decision{
		Agent: "strategic", Query: "earlier", Decision: "tripped line 12 to relieve overload",
	})
	require.NoError(t, err)

	mock := llm.NewMock("sonnet", &llm.Response{Text: "done"})
	a := New(mock, f.disp, f.store, nil, f.mem, nil, nil)
	_, err = a.Process(context.Background(), "what happened recently?")
	require.NoError(t, err)

	require.Len(t, mock.Requests, 1)
	prompt := mock.Requests[0].Messages[0].Text
	assert.Contains(t, prompt, "Recent decisions:")
	assert.Contains(t, prompt, "tripped line 12")
	assert.Contains(t, prompt, "what happened recently?")
}

func TestSensorToolLoop(t *testing.T) {
	f := newFixture(t)
	f.disp.Attach(endpoint.NewSensor(f.grid, endpoint.SensorFrequency, "zone_1"))

	mock := llm.NewMock("sonnet",
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "t1", Name: "frequency_sensor_zone_1_read_frequency",
		}}},
		&llm.Response{Text: "Frequency is nominal at 60 Hz."},
	)
	a := New(mock, f.disp, f.store, nil, nil, nil, nil)

	out, err := a.Process(context.Background(), "check the frequency")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Rounds)
	assert.Empty(t, out.Actions, "sensor reads are not actions")

	require.Len(t, mock.Requests, 2)
	second := mock.Requests[1].Messages
	require.Len(t, second, 3)
	require.Len(t, second[2].ToolResults, 1)
	assert.False(t, second[2].ToolResults[0].IsError)
	assert.Contains(t, second[2].ToolResults[0].Content, "frequency_hz")
}

func TestGuardianDeniesActuatorCall(t *testing.T) {
	f := newFixture(t)
	f.disp.Attach(endpoint.NewActuator(f.grid, endpoint.ActuatorBreaker, "zone_1"))

	mock := llm.NewMock("sonnet",
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "t1", Name: "circuit_breaker_zone_1_open_breaker",
			Args: map[string]any{"line_id": 9},
		}}},
		&llm.Response{Text: "The guardian refused the switching operation."},
	)
	a := New(mock, f.disp, f.store, denyingGuardian(), nil, nil, nil)

	out, err := a.Process(context.Background(), "open the breaker on line 9")
	require.NoError(t, err)
	assert.Empty(t, out.Actions)

	st := f.grid.State()
	assert.True(t, st.Lines[9].InService, "denied command must not touch the grid")

	second := mock.Requests[1].Messages
	require.Len(t, second[2].ToolResults, 1)
	assert.True(t, second[2].ToolResults[0].IsError)
	assert.Contains(t, second[2].ToolResults[0].Content, "denied_by_guardian")
}

func TestApprovedActuatorCallExecutes(t *testing.T) {
	f := newFixture(t)
	f.disp.Attach(endpoint.NewActuator(f.grid, endpoint.ActuatorBreaker, "zone_1"))

	mock := llm.NewMock("sonnet",
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "t1", Name: "circuit_breaker_zone_1_open_breaker",
			Args: map[string]any{"line_id": 9},
		}}},
		&llm.Response{Text: "Opened line 9; the parallel path absorbs the flow."},
	)
	a := New(mock, f.disp, f.store, approvingGuardian(), nil, nil, nil)

	out, err := a.Process(context.Background(), "take line 9 out for maintenance")
	require.NoError(t, err)
	assert.Equal(t, []string{"circuit_breaker_zone_1_open_breaker"}, out.Actions)

	st := f.grid.State()
	assert.False(t, st.Lines[9].InService)
}

func TestToolBudgetBoundsTheLoop(t *testing.T) {
	f := newFixture(t)
	f.disp.Attach(endpoint.NewSensor(f.grid, endpoint.SensorFrequency, "zone_1"))

	// The mock repeats its last response, so the model never concludes.
	mock := llm.NewMock("sonnet", &llm.Response{ToolCalls: []llm.ToolCall{{
		ID: "t1", Name: "frequency_sensor_zone_1_read_frequency",
	}}})
	a := New(mock, f.disp, f.store, nil, nil, nil, nil)

	out, err := a.Process(context.Background(), "keep checking forever")
	require.NoError(t, err)
	assert.Equal(t, MaxToolRounds, out.Rounds)
	assert.Contains(t, out.Answer, "budget")
}

func TestSynthesizeDirectiveNamesDevices(t *testing.T) {
	f := newFixture(t)
	f.disp.Attach(endpoint.NewActuator(f.grid, endpoint.ActuatorGenerator, "zone_1"))
	a := New(llm.NewMock("sonnet"), f.disp, f.store, nil, nil, nil, nil)

	directive := a.SynthesizeDirective([]coordinator.Result{{
		Zone: "zone_1", State: coordinator.StateEscalating,
		Violations: []sim.Violation{{
			Kind: sim.ViolationVoltageLow, Component: "bus_5",
			Value: 0.928, Limit: sim.VoltageMinPU, Severity: sim.SeverityWarning,
			Zone: "zone_1",
		}},
	}})

	assert.Contains(t, directive, "zone_1")
	assert.Contains(t, directive, "bus_5")
	assert.Contains(t, directive, "devices [0 1]", "zone 1 generator ids must be listed")
}

func toolNames(defs []llm.ToolDef) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

func TestToolViewMatchesQueryOrigin(t *testing.T) {
	f := newFixture(t)
	f.disp.Attach(endpoint.NewSensor(f.grid, endpoint.SensorVoltage, "zone_1"))
	f.disp.Attach(endpoint.NewActuator(f.grid, endpoint.ActuatorBreaker, "zone_1"))

	mock := llm.NewMock("sonnet", &llm.Response{Text: "nothing to report"})
	a := New(mock, f.disp, f.store, nil, nil, nil, nil)

	_, err := a.Process(context.Background(), "summarize grid conditions")
	require.NoError(t, err)

	_, err = a.HandleEscalation(context.Background(), []coordinator.Result{{
		Zone: "zone_1", State: coordinator.StateEscalating,
		Violations: []sim.Violation{{
			Kind: sim.ViolationThermal, Component: "line_9", Zone: "zone_1",
		}},
	}})
	require.NoError(t, err)

	require.Len(t, mock.Requests, 2)
	freeForm := toolNames(mock.Requests[0].Tools)
	assert.Contains(t, freeForm, "voltage_sensor_zone_1_read_voltage",
		"free-form queries get the whole catalog")
	assert.Contains(t, freeForm, "circuit_breaker_zone_1_open_breaker")

	escalated := toolNames(mock.Requests[1].Tools)
	assert.Contains(t, escalated, "circuit_breaker_zone_1_open_breaker")
	assert.NotContains(t, escalated, "voltage_sensor_zone_1_read_voltage",
		"escalations narrow to the actuator view")
}

func TestHandleEscalationRequiresInput(t *testing.T) {
	f := newFixture(t)
	a := New(llm.NewMock("sonnet"), f.disp, f.store, nil, nil, nil, nil)
	_, err := a.HandleEscalation(context.Background(), nil)
	assert.Error(t, err)
}
