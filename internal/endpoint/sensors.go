package endpoint

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/sim"
)

// Sensor kinds.
const (
	SensorVoltage      = "voltage"
	SensorCurrent      = "current"
	SensorTemperature  = "temperature"
	SensorFrequency    = "frequency"
	SensorPowerQuality = "power_quality"
)

// defaultThresholds are the alert thresholds a sensor starts with, per
// kind. Operators override individual values through set_threshold.
func defaultThresholds(kind string) map[string]float64 {
	switch kind {
	case SensorVoltage:
		return map[string]float64{"vm_min_pu": sim.VoltageMinPU, "vm_max_pu": sim.VoltageMaxPU}
	case SensorCurrent:
		return map[string]float64{"loading_max_percent": sim.LoadingMaxPercent}
	case SensorTemperature:
		return map[string]float64{"temp_max_c": 90}
	case SensorFrequency:
		return map[string]float64{"deviation_max_hz": sim.FrequencyBandHz}
	}
	return map[string]float64{}
}

// Sensor is a read-only endpoint over one measurement family in one zone.
type Sensor struct {
	id   string
	name string
	zone string
	kind string
	grid *sim.Simulation

	mu         sync.Mutex
	thresholds map[string]float64
}

// NewSensor builds a sensor endpoint of the given kind for a zone.
func NewSensor(grid *sim.Simulation, kind, zone string) *Sensor {
	return &Sensor{
		id:         uuid.New().String(),
		name:       fmt.Sprintf("%s_sensor_%s", kind, zone),
		zone:       zone,
		kind:       kind,
		grid:       grid,
		thresholds: defaultThresholds(kind),
	}
}

func (s *Sensor) threshold(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds[key]
}

func (s *Sensor) thresholdSnapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.thresholds))
	for k, v := range s.thresholds {
		out[k] = v
	}
	return out
}

func (s *Sensor) ID() string   { return s.id }
func (s *Sensor) Name() string { return s.name }
func (s *Sensor) Tier() string { return TierPhysical }
func (s *Sensor) Zone() string { return s.zone }
func (s *Sensor) Kind() string { return s.kind }

func (s *Sensor) Registration() registry.Server {
	var tools []registry.Tool
	switch s.kind {
	case SensorVoltage:
		tools = []registry.Tool{
			{Name: "read_voltage", Description: "Voltage magnitude (p.u.) at one bus",
				InputSchema: objSchema("bus_id", "integer")},
			{Name: "read_all_voltages", Description: "Voltage magnitudes for every bus in the zone"},
			{Name: "check_thresholds", Description: "Buses outside the 0.95-1.05 p.u. band"},
		}
	case SensorCurrent:
		tools = []registry.Tool{
			{Name: "read_loading", Description: "Loading percent of one line",
				InputSchema: objSchema("line_id", "integer")},
			{Name: "read_all_loadings", Description: "Loading percent for every zone line"},
			{Name: "check_thresholds", Description: "Lines loaded above 100 percent"},
		}
	case SensorTemperature:
		tools = []registry.Tool{
			{Name: "read_temperature", Description: "Winding temperature (C) of one transformer",
				InputSchema: objSchema("transformer_id", "integer")},
			{Name: "read_all_temperatures", Description: "Winding temperatures for zone transformers"},
			{Name: "check_thresholds", Description: "Transformers above 90 C"},
		}
	case SensorFrequency:
		tools = []registry.Tool{
			{Name: "read_frequency", Description: "System frequency in Hz"},
			{Name: "check_thresholds", Description: "Frequency deviation beyond 0.5 Hz"},
		}
	case SensorPowerQuality:
		tools = []registry.Tool{
			{Name: "read_power_quality", Description: "Composite power quality summary for the zone"},
		}
	}
	tools = append(tools,
		registry.Tool{Name: "set_threshold", Description: "Override one alert threshold",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":  map[string]any{"type": "string"},
					"value": map[string]any{"type": "number"},
				},
				"required": []string{"name", "value"},
			}},
		registry.Tool{Name: "get_metadata", Description: "Sensor identity and active thresholds"},
	)
	return registry.Server{
		ID: s.id, Name: s.name, DeviceType: TypeSensor, Tier: TierPhysical,
		Zone: s.zone, Domain: DomainPowerGrid, Tools: tools,
	}
}

func (s *Sensor) Invoke(tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "set_threshold":
		name, _ := args["name"].(string)
		value, ok := argFloat(args, "value")
		if name == "" || !ok {
			return errResult("name and value are required"), nil
		}
		s.mu.Lock()
		if _, known := s.thresholds[name]; !known {
			s.mu.Unlock()
			return errResult("unknown threshold %q for %s", name, s.name), nil
		}
		s.thresholds[name] = value
		s.mu.Unlock()
		return okResult(map[string]any{"name": name, "value": value}), nil

	case "get_metadata":
		return okResult(map[string]any{
			"id": s.id, "name": s.name, "kind": s.kind, "zone": s.zone,
			"tier": TierPhysical, "thresholds": s.thresholdSnapshot(),
		}), nil
	}

	switch s.kind + "/" + tool {
	case SensorVoltage + "/read_voltage":
		bus, ok := argInt(args, "bus_id")
		if !ok {
			return errResult("bus_id is required"), nil
		}
		vm, err := s.grid.BusVoltage(bus)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{"bus_id": bus, "vm_pu": vm}), nil

	case SensorVoltage + "/read_all_voltages":
		st := s.grid.State()
		readings := map[string]any{}
		for _, b := range sim.ZoneBuses(s.zone) {
			readings[fmt.Sprintf("bus_%d", b)] = st.Buses[b].VmPU
		}
		return okResult(map[string]any{"zone": s.zone, "voltages_pu": readings}), nil

	case SensorVoltage + "/check_thresholds":
		var alerts []map[string]any
		st := s.grid.State()
		lo, hi := s.threshold("vm_min_pu"), s.threshold("vm_max_pu")
		for _, b := range sim.ZoneBuses(s.zone) {
			vm := st.Buses[b].VmPU
			if vm < lo || vm > hi {
				alerts = append(alerts, map[string]any{"bus_id": b, "vm_pu": vm})
			}
		}
		return okResult(map[string]any{"alerts": alerts, "alert_count": len(alerts)}), nil

	case SensorCurrent + "/read_loading":
		id, ok := argInt(args, "line_id")
		if !ok {
			return errResult("line_id is required"), nil
		}
		flow, cur, loading, err := s.grid.LineMetrics(id)
		if err != nil {
			return errResult("%v", err), nil
		}
		return okResult(map[string]any{
			"line_id": id, "flow_mw": flow, "i_ka": cur, "loading_percent": loading,
		}), nil

	case SensorCurrent + "/read_all_loadings":
		readings := map[string]any{}
		for _, ln := range s.zoneLines() {
			readings[fmt.Sprintf("line_%d", ln.ID)] = ln.LoadingPercent
		}
		return okResult(map[string]any{"zone": s.zone, "loadings_percent": readings}), nil

	case SensorCurrent + "/check_thresholds":
		var alerts []map[string]any
		maxPct := s.threshold("loading_max_percent")
		for _, ln := range s.zoneLines() {
			if ln.LoadingPercent > maxPct {
				alerts = append(alerts, map[string]any{
					"line_id": ln.ID, "loading_percent": ln.LoadingPercent,
				})
			}
		}
		return okResult(map[string]any{"alerts": alerts, "alert_count": len(alerts)}), nil

	case SensorTemperature + "/read_temperature":
		id, ok := argInt(args, "transformer_id")
		if !ok {
			return errResult("transformer_id is required"), nil
		}
		for _, ln := range s.zoneTransformers() {
			if ln.ID == id {
				return okResult(map[string]any{
					"transformer_id": id,
					"temp_c":         sim.TransformerTempC(ln.LoadingPercent),
				}), nil
			}
		}
		return errResult("transformer %d not in %s", id, s.zone), nil

	case SensorTemperature + "/read_all_temperatures":
		readings := map[string]any{}
		for _, ln := range s.zoneTransformers() {
			readings[fmt.Sprintf("trafo_%d", ln.ID)] = sim.TransformerTempC(ln.LoadingPercent)
		}
		return okResult(map[string]any{"zone": s.zone, "temperatures_c": readings}), nil

	case SensorTemperature + "/check_thresholds":
		var alerts []map[string]any
		maxC := s.threshold("temp_max_c")
		for _, ln := range s.zoneTransformers() {
			temp := sim.TransformerTempC(ln.LoadingPercent)
			if temp > maxC {
				alerts = append(alerts, map[string]any{"transformer_id": ln.ID, "temp_c": temp})
			}
		}
		return okResult(map[string]any{"alerts": alerts, "alert_count": len(alerts)}), nil

	case SensorFrequency + "/read_frequency":
		return okResult(map[string]any{"frequency_hz": s.grid.Frequency()}), nil

	case SensorFrequency + "/check_thresholds":
		dev := math.Abs(s.grid.Frequency() - sim.NominalFrequencyHz)
		return okResult(map[string]any{
			"frequency_hz": s.grid.Frequency(),
			"deviation_hz": dev,
			"in_band":      dev <= s.threshold("deviation_max_hz"),
		}), nil

	case SensorPowerQuality + "/read_power_quality":
		st := s.grid.State()
		worst := 0.0
		for _, b := range sim.ZoneBuses(s.zone) {
			if d := math.Abs(st.Buses[b].VmPU - 1.0); d > worst {
				worst = d
			}
		}
		return okResult(map[string]any{
			"zone":                   s.zone,
			"frequency_deviation_hz": math.Abs(st.FrequencyHz - sim.NominalFrequencyHz),
			"worst_voltage_dev_pu":   worst,
		}), nil
	}
	return nil, fmt.Errorf("unknown tool %q for %s", tool, s.name)
}

func (s *Sensor) zoneLines() []sim.Line {
	st := s.grid.State()
	var out []sim.Line
	for i := range st.Lines {
		ln := st.Lines[i]
		if !ln.InService {
			continue
		}
		if sim.ZoneForBus(ln.FromBus) == s.zone && sim.ZoneForBus(ln.ToBus) == s.zone {
			out = append(out, ln)
		}
	}
	return out
}

func (s *Sensor) zoneTransformers() []sim.Line {
	var out []sim.Line
	for _, ln := range s.zoneLines() {
		if ln.IsTransformer {
			out = append(out, ln)
		}
	}
	return out
}

func objSchema(field, typ string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			field: map[string]any{"type": typ},
		},
		"required": []string{field},
	}
}
