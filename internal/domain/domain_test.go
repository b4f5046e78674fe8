package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmind/backend/internal/endpoint"
)

func TestAvailableDomains(t *testing.T) {
	assert.Equal(t, []string{"power_grid", "robotics", "satellite"}, Available())

	_, err := Build("submarine")
	assert.Error(t, err)
}

func TestPowerGridFleet(t *testing.T) {
	ad, err := Build("power_grid")
	require.NoError(t, err)
	pg, ok := ad.(*PowerGrid)
	require.True(t, ok)
	require.NotNil(t, pg.Grid())

	sensors := ad.CreateSensors()
	assert.Len(t, sensors, 13, "four zonal sensor kinds per zone plus one frequency sensor")
	var freq []string
	for _, ep := range sensors {
		name := ep.Registration().Name
		if strings.HasPrefix(name, "frequency_sensor") {
			freq = append(freq, name)
		}
	}
	assert.Equal(t, []string{"frequency_sensor_system"}, freq,
		"frequency is system-wide, not zonal")

	actuators := ad.CreateActuators()
	assert.Len(t, actuators, 14, "four actuator kinds per zone plus two batteries")

	zones := map[string]int{}
	var storage int
	for _, ep := range actuators {
		zones[ep.Zone()]++
		if reg := ep.Registration(); reg.DeviceType == endpoint.TypeActuator && reg.Name[:14] == "energy_storage" {
			storage++
		}
	}
	assert.Equal(t, 2, storage)
	assert.Equal(t, 5, zones["zone_2"], "zone 2 carries the first battery")
	assert.Equal(t, 5, zones["zone_3"], "zone 3 carries the second battery")
	assert.Equal(t, 4, zones["zone_1"])
}

func TestPowerGridCoordinators(t *testing.T) {
	ad, err := Build("power_grid")
	require.NoError(t, err)

	engines := ad.CreateCoordinators(nil, nil)
	require.Len(t, engines, 3)
	assert.Equal(t, "zone_1", engines[0].Zone())

	constraints := ad.Constraints()
	assert.Equal(t, 0.95, constraints["voltage_min_pu"])
	assert.NotEmpty(t, ad.SafetyRules())
}

func TestStubDomainsAreEmpty(t *testing.T) {
	for _, name := range []string{"robotics", "satellite"} {
		ad, err := Build(name)
		require.NoError(t, err)
		assert.Equal(t, name, ad.DomainName())
		assert.Empty(t, ad.CreateSensors())
		assert.Empty(t, ad.CreateActuators())
	}
}
