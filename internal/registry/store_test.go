package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsIDAndActivates(t *testing.T) {
	s := NewStore("")
	sv := s.Register(Server{Name: "voltage_sensor_zone_1", DeviceType: "sensor", Zone: "zone_1"})

	assert.NotEmpty(t, sv.ID)
	assert.Equal(t, StatusActive, sv.Status)
	assert.False(t, sv.LastHeartbeat.IsZero())
	assert.Equal(t, 1, s.Count())
}

func TestListFilters(t *testing.T) {
	s := NewStore("")
	s.Register(Server{Name: "voltage_sensor_zone_1", DeviceType: "sensor", Zone: "zone_1",
		Tier: "physical", Domain: "power_grid"})
	s.Register(Server{Name: "breaker_zone_1", DeviceType: "actuator", Zone: "zone_1",
		Tier: "physical", Domain: "power_grid"})
	s.Register(Server{Name: "breaker_zone_2", DeviceType: "actuator", Zone: "zone_2",
		Tier: "physical", Domain: "power_grid"})
	s.Register(Server{Name: "coordinator_zone_1", DeviceType: "coordinator", Zone: "zone_1",
		Tier: "coordination", Domain: "power_grid"})

	assert.Len(t, s.List(Filter{}), 4)
	assert.Len(t, s.List(Filter{Zone: "zone_1"}), 3)
	assert.Len(t, s.List(Filter{DeviceType: "actuator"}), 2)
	assert.Len(t, s.List(Filter{Zone: "zone_2", DeviceType: "actuator"}), 1)
	assert.Len(t, s.List(Filter{Tier: "coordination"}), 1)
	assert.Len(t, s.List(Filter{Domain: "power_grid"}), 4)
	assert.Empty(t, s.List(Filter{Domain: "robotics"}))
	assert.Empty(t, s.List(Filter{Zone: "zone_3"}))
}

func TestMarkStale(t *testing.T) {
	s := NewStore("")
	sv := s.Register(Server{Name: "flaky_sensor", DeviceType: "sensor", Zone: "zone_2"})

	require.True(t, s.MarkStale(sv.ID))
	got, ok := s.Get(sv.ID)
	require.True(t, ok)
	assert.Equal(t, StatusStale, got.Status)

	assert.False(t, s.MarkStale("nope"))
}

func TestToolsFlattened(t *testing.T) {
	s := NewStore("")
	s.Register(Server{
		Name: "breaker_zone_1", DeviceType: "actuator", Zone: "zone_1",
		Tools: []Tool{{Name: "open_breaker"}, {Name: "close_breaker"}},
	})
	s.Register(Server{
		Name: "gen_zone_1", DeviceType: "actuator", Zone: "zone_1",
		Tools: []Tool{{Name: "set_power"}},
	})

	tools := s.Tools(Filter{})
	assert.Len(t, tools, 3)
	names := map[string]bool{}
	for _, ft := range tools {
		names[ft.ServerName+"/"+ft.Tool.Name] = true
	}
	assert.True(t, names["breaker_zone_1/open_breaker"])
	assert.True(t, names["gen_zone_1/set_power"])
}

func TestSweepMarksStale(t *testing.T) {
	s := NewStore("")
	sv := s.Register(Server{Name: "old_sensor", DeviceType: "sensor", Zone: "zone_1"})

	// Age the heartbeat past the stale cutoff.
	s.mu.Lock()
	s.servers[sv.ID].LastHeartbeat = time.Now().UTC().Add(-2 * StaleAfter)
	s.mu.Unlock()

	assert.Equal(t, 1, s.Sweep())
	got, ok := s.Get(sv.ID)
	require.True(t, ok)
	assert.Equal(t, StatusStale, got.Status)

	// Heartbeat brings it back.
	require.True(t, s.Heartbeat(sv.ID))
	got, _ = s.Get(sv.ID)
	assert.Equal(t, StatusActive, got.Status)
}

func TestHeartbeatUnknownServer(t *testing.T) {
	s := NewStore("")
	assert.False(t, s.Heartbeat("nope"))
	assert.False(t, s.Deregister("nope"))
}

func TestSnapshotPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	s := NewStore(path)
	sv := s.Register(Server{Name: "freq_sensor", DeviceType: "sensor", Zone: "zone_2",
		Tools: []Tool{{Name: "read_frequency"}}})
	s.Register(Server{Name: "storage_zone_3", DeviceType: "actuator", Zone: "zone_3"})

	reloaded := NewStore(path)
	assert.Equal(t, 2, reloaded.Count())
	got, ok := reloaded.Get(sv.ID)
	require.True(t, ok)
	assert.Equal(t, "freq_sensor", got.Name)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "read_frequency", got.Tools[0].Name)
}

func TestDeregisterRemovesFromSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s := NewStore(path)
	sv := s.Register(Server{Name: "temp_sensor", DeviceType: "sensor", Zone: "zone_1"})
	require.True(t, s.Deregister(sv.ID))

	reloaded := NewStore(path)
	assert.Zero(t, reloaded.Count())
}
