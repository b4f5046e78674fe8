package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/sim"
)

func newDispatcher(t *testing.T) (*Dispatcher, *sim.Simulation) {
	t.Helper()
	g, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	return New(registry.NewStore("")), g
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Voltage Sensor Zone 1":  "voltage_sensor_zone_1",
		"circuit_breaker_zone_2": "circuit_breaker_zone_2",
		"Gen--Controller":        "gen_controller",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestCatalogUsesNormalizedNames(t *testing.T) {
	d, g := newDispatcher(t)
	d.Attach(endpoint.NewSensor(g, endpoint.SensorVoltage, "zone_1"))

	tools := d.Catalog(registry.Filter{})
	require.NotEmpty(t, tools)

	names := map[string]bool{}
	for _, spec := range tools {
		names[spec.Name] = true
		assert.Equal(t, "voltage_sensor_zone_1", spec.ServerName)
	}
	assert.True(t, names["voltage_sensor_zone_1_read_voltage"])
	assert.True(t, names["voltage_sensor_zone_1_check_thresholds"])
}

func TestAgentToolsActuatorViewIsComplete(t *testing.T) {
	d, g := newDispatcher(t)
	for _, zone := range sim.ZoneNames() {
		d.Attach(endpoint.NewSensor(g, endpoint.SensorVoltage, zone))
	}

	// No actuators yet: whole-catalog fallback applies, capped.
	tools := d.AgentTools(registry.Filter{})
	assert.NotEmpty(t, tools)
	assert.LessOrEqual(t, len(tools), MaxAgentTools)

	for _, zone := range sim.ZoneNames() {
		d.Attach(endpoint.NewActuator(g, endpoint.ActuatorBreaker, zone))
		d.Attach(endpoint.NewActuator(g, endpoint.ActuatorGenerator, zone))
	}

	tools = d.AgentTools(registry.Filter{})
	want := d.Catalog(registry.Filter{DeviceType: endpoint.TypeActuator})
	assert.Equal(t, want, tools, "every actuator tool must be offered, uncapped")
	assert.Greater(t, len(tools), MaxAgentTools)
	for _, spec := range tools {
		srv, ok := d.store.Get(spec.ServerID)
		require.True(t, ok)
		assert.Equal(t, endpoint.TypeActuator, srv.DeviceType)
	}

	// Same input, same ordering.
	assert.Equal(t, tools, d.AgentTools(registry.Filter{}))
}

func TestInvokeRoutesToLiveEndpoint(t *testing.T) {
	d, g := newDispatcher(t)
	d.Attach(endpoint.NewSensor(g, endpoint.SensorFrequency, "zone_1"))

	res := d.Invoke("frequency_sensor_zone_1_read_frequency", nil)
	require.Equal(t, "ok", res["status"])
	assert.InDelta(t, 60.0, res["frequency_hz"].(float64), 1e-6)
}

func TestInvokeUnknownTool(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Invoke("nonexistent_tool", nil)
	assert.Equal(t, "unknown_tool", res["error"])
}

func TestInvokeDeadServer(t *testing.T) {
	d, g := newDispatcher(t)
	sensor := endpoint.NewSensor(g, endpoint.SensorVoltage, "zone_2")
	reg := d.Attach(sensor)

	// Simulate a crashed process: registry entry remains, live map loses it.
	d.mu.Lock()
	delete(d.live, reg.ID)
	d.mu.Unlock()

	res := d.Invoke("voltage_sensor_zone_2_read_voltage", map[string]any{"bus_id": 10})
	assert.Equal(t, "no_live_server", res["error"])
	assert.Equal(t, "voltage_sensor_zone_2", res["server"])
}

func TestInvokeStaleServerRefused(t *testing.T) {
	d, g := newDispatcher(t)
	reg := d.Attach(endpoint.NewSensor(g, endpoint.SensorVoltage, "zone_1"))
	require.True(t, d.store.MarkStale(reg.ID))

	res := d.Invoke("voltage_sensor_zone_1_read_voltage", map[string]any{"bus_id": 3})
	assert.Equal(t, "no_live_server", res["error"])

	// A heartbeat reactivates it.
	require.True(t, d.store.Heartbeat(reg.ID))
	res = d.Invoke("voltage_sensor_zone_1_read_voltage", map[string]any{"bus_id": 3})
	assert.Equal(t, "ok", res["status"])
}

func TestDetachRemovesEverywhere(t *testing.T) {
	d, g := newDispatcher(t)
	reg := d.Attach(endpoint.NewSensor(g, endpoint.SensorVoltage, "zone_3"))
	require.Equal(t, 1, d.store.Count())

	d.Detach(reg.ID)
	assert.Zero(t, d.store.Count())
	res := d.Invoke("voltage_sensor_zone_3_read_voltage", map[string]any{"bus_id": 20})
	assert.Equal(t, "unknown_tool", res["error"])
}
