package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/dispatch"
	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/scenario"
	"github.com/gridmind/backend/internal/sim"
)

func newTestServer(t *testing.T) (*Server, *sim.Simulation) {
	t.Helper()
	grid, err := sim.NewSimulation(nil)
	require.NoError(t, err)
	store := registry.NewStore("")
	disp := dispatch.New(store)
	var engines []*coordinator.ZoneEngine
	for _, z := range sim.ZoneNames() {
		engines = append(engines, coordinator.NewZoneEngine(grid, z, nil, nil))
	}
	return &Server{
		Store:      store,
		Dispatcher: disp,
		Grid:       grid,
		Engines:    engines,
		Scenarios:  scenario.NewRunner(grid, nil, nil),
	}, grid
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthAndRegistryCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var health map[string]any
	resp := getJSON(t, ts, "/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 0.0, health["total_servers"])

	var created registry.Server
	resp = postJSON(t, ts, "/api/servers", registry.Server{
		Name: "voltage_sensor_zone_1", DeviceType: "sensor", Zone: "zone_1",
		Tools: []registry.Tool{{Name: "read_voltage"}},
	}, &created)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, registry.StatusActive, created.Status)

	var listing struct {
		Servers []registry.Server `json:"servers"`
	}
	getJSON(t, ts, "/api/servers?zone=zone_1", &listing)
	require.Len(t, listing.Servers, 1)

	resp = postJSON(t, ts, "/api/servers/"+created.ID+"/heartbeat", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/servers/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var removed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&removed))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "removed", removed["status"])
	assert.Equal(t, created.ID, removed["server_id"])

	resp = getJSON(t, ts, "/api/servers/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deleting again is a 404, not a silent 200.
	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/api/servers/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerListTierAndDomainFilters(t *testing.T) {
	s, _ := newTestServer(t)
	s.Dispatcher.Attach(endpoint.NewSensor(s.Grid, endpoint.SensorVoltage, "zone_1"))
	s.Dispatcher.Attach(endpoint.NewCoordinator(s.Engines[0]))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var listing struct {
		Servers []registry.Server `json:"servers"`
	}
	getJSON(t, ts, "/api/servers?layer="+endpoint.TierCoordination, &listing)
	require.Len(t, listing.Servers, 1)
	assert.Equal(t, "coordinator_zone_1", listing.Servers[0].Name)

	getJSON(t, ts, "/api/servers?domain="+endpoint.DomainPowerGrid, &listing)
	assert.Len(t, listing.Servers, 2)

	getJSON(t, ts, "/api/servers?domain=robotics", &listing)
	assert.Empty(t, listing.Servers)
}

func TestToolCatalogAndInvoke(t *testing.T) {
	s, _ := newTestServer(t)
	s.Dispatcher.Attach(endpoint.NewSensor(s.Grid, endpoint.SensorFrequency, "zone_1"))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var catalog struct {
		Tools []dispatch.ToolSpec `json:"tools"`
	}
	getJSON(t, ts, "/api/tools", &catalog)
	require.Len(t, catalog.Tools, 2)

	var lookup struct {
		Tool   dispatch.ToolSpec `json:"tool"`
		Server registry.Server   `json:"server"`
	}
	resp := getJSON(t, ts, "/api/tools/frequency_sensor_zone_1_read_frequency", &lookup)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "read_frequency", lookup.Tool.OriginalName)
	assert.Equal(t, "frequency_sensor_zone_1", lookup.Server.Name)

	var res map[string]any
	resp = postJSON(t, ts, "/api/tools/frequency_sensor_zone_1_read_frequency/invoke",
		map[string]any{}, &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 60.0, res["frequency_hz"], 0.01)

	resp = postJSON(t, ts, "/api/tools/no_such_tool/invoke", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGridStateAndZones(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var state sim.StateMessage
	getJSON(t, ts, "/api/grid/state", &state)
	assert.Len(t, state.Nodes, 30)
	assert.Len(t, state.Edges, 41)
	assert.InDelta(t, 60.0, state.FrequencyHz, 0.01)

	var zone map[string]any
	resp := getJSON(t, ts, "/api/zones/zone_2", &zone)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "zone_2", zone["zone"])
	assert.Equal(t, coordinator.StateNormal, zone["engine_state"])

	resp = getJSON(t, ts, "/api/zones/zone_9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScenarioEndpoints(t *testing.T) {
	s, grid := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var names struct {
		Scenarios []string `json:"scenarios"`
	}
	getJSON(t, ts, "/api/scenarios", &names)
	assert.Contains(t, names.Scenarios, scenario.LineOverload)

	resp := postJSON(t, ts, "/api/scenarios/"+scenario.LineOverload, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, grid.Violations())

	resp = postJSON(t, ts, "/api/scenarios/reset", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, grid.Violations())

	resp = postJSON(t, ts, "/api/scenarios/meteor_strike", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestGridStateStream(t *testing.T) {
	s, _ := newTestServer(t)
	events := bus.New(10)
	defer events.Close()
	s.Events = events

	router := s.Router()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.RunHubs(ctx)

	ts := httptest.NewServer(router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/grid_state"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the publish; give the hub a beat.
	require.Eventually(t, func() bool {
		return s.hubs[bus.ChannelGridState].ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	events.Publish(bus.ChannelGridState, map[string]any{"type": "grid_state", "seq": 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg bus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, bus.ChannelGridState, msg.Channel)
	assert.Equal(t, "grid_state", msg.Payload["type"])
}

func TestCommandsSocket(t *testing.T) {
	s, grid := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/commands"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "list_scenarios"}))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "scenarios", reply["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "trigger_scenario", "scenario": scenario.FrequencyEvent,
	}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "scenario_triggered", reply["type"])
	assert.Less(t, grid.Frequency(), 59.5)

	// No model configured: natural-language queries answer with an error.
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "nl_query", "query": "status?"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	s.CORSOrigin = "http://localhost:5173"
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/servers", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}
