package sim

import "fmt"

// caseBase holds the immutable IEEE 30-bus case reference values. Clones of
// a State share one caseBase; nothing here is mutated after Case30().
type caseBase struct {
	baseVm       []float64 // nominal per-bus voltage magnitude
	baseLoadBus  []float64 // nominal load MW per bus
	baseZoneLoad map[string]float64
	busZone      []string
	slackBus     int
	slackMaxMW   float64
	baseKV       float64
}

const (
	slackMaxMW = 180.0
	baseKV     = 132.0
)

type loadSpec struct {
	bus int
	p   float64
	q   float64
}

type genSpec struct {
	bus  int
	p    float64
	maxP float64
}

type lineSpec struct {
	from, to int
	r, x     float64
	maxIKA   float64
	trafo    bool
}

// IEEE 30-bus loads, 0-based bus numbering.
var case30Loads = []loadSpec{
	{1, 21.7, 12.7}, {2, 2.4, 1.2}, {3, 7.6, 1.6}, {4, 94.2, 19.0},
	{6, 22.8, 10.9}, {7, 30.0, 30.0}, {9, 5.8, 2.0}, {11, 11.2, 7.5},
	{13, 6.2, 1.6}, {14, 8.2, 2.5}, {15, 3.5, 1.8}, {16, 9.0, 5.8},
	{17, 3.2, 0.9}, {18, 9.5, 3.4}, {19, 2.2, 0.7}, {20, 17.5, 11.2},
	{22, 3.2, 1.6}, {23, 8.7, 6.7}, {25, 3.5, 2.3}, {28, 2.4, 0.9},
	{29, 10.6, 1.9},
}

// Dispatchable generators; the slack source at bus 0 is modelled separately.
var case30Gens = []genSpec{
	{1, 60, 80}, {4, 50, 60}, {12, 35, 40},
	{21, 25, 50}, {22, 18, 30}, {26, 22, 55},
}

// Branch table. Impedances are per-unit on a 100 MVA base; ratings are
// thermal current limits in kA at 132 kV.
var case30Lines = []lineSpec{
	{0, 1, 0.0192, 0.0575, 0.8, false},
	{0, 2, 0.0452, 0.1652, 0.8, false},
	{1, 3, 0.0570, 0.1737, 0.6, false},
	{2, 3, 0.0132, 0.0379, 0.6, false},
	{1, 4, 0.0472, 0.1983, 0.65, false},
	{1, 5, 0.0581, 0.1763, 0.8, false},
	{3, 5, 0.0119, 0.0414, 0.5, false},
	{4, 6, 0.0460, 0.1160, 0.35, false},
	{5, 6, 0.0267, 0.0820, 0.4, false},
	{5, 7, 0.0120, 0.0420, 0.18, false},
	{5, 8, 0.0000, 0.2080, 0.35, true},
	{5, 9, 0.0000, 0.5560, 0.35, true},
	{8, 10, 0.0000, 0.2080, 0.3, false},
	{8, 9, 0.0000, 0.1100, 0.4, false},
	{3, 11, 0.0000, 0.2560, 0.4, true},
	{11, 12, 0.0000, 0.1400, 0.4, false},
	{11, 13, 0.1231, 0.2559, 0.3, false},
	{11, 14, 0.0662, 0.1304, 0.3, false},
	{11, 15, 0.0945, 0.1987, 0.3, false},
	{13, 14, 0.2210, 0.1997, 0.25, false},
	{15, 16, 0.0524, 0.1923, 0.25, false},
	{14, 17, 0.1073, 0.2185, 0.25, false},
	{17, 18, 0.0639, 0.1292, 0.25, false},
	{18, 19, 0.0340, 0.0680, 0.25, false},
	{9, 19, 0.0936, 0.2090, 0.3, false},
	{9, 16, 0.0324, 0.0845, 0.3, false},
	{9, 20, 0.0348, 0.0749, 0.3, false},
	{9, 21, 0.0727, 0.1499, 0.3, false},
	{20, 21, 0.0116, 0.0236, 0.3, false},
	{14, 22, 0.1000, 0.2020, 0.25, false},
	{21, 23, 0.1150, 0.1790, 0.25, false},
	{22, 23, 0.1320, 0.2700, 0.25, false},
	{23, 24, 0.1885, 0.3292, 0.25, false},
	{24, 25, 0.2544, 0.3800, 0.25, false},
	{24, 26, 0.1093, 0.2087, 0.3, false},
	{27, 26, 0.0000, 0.3960, 0.35, true},
	{26, 28, 0.2198, 0.4153, 0.3, false},
	{26, 29, 0.3202, 0.6027, 0.3, false},
	{28, 29, 0.2399, 0.4533, 0.25, false},
	{7, 27, 0.0636, 0.2000, 0.3, false},
	{5, 27, 0.0169, 0.0599, 0.35, false},
}

// Nominal solved voltage profile, all within the operating band.
var case30BaseVm = []float64{
	1.030, 1.025, 0.995, 0.990, 0.968, 0.982, 0.972, 0.975, 0.990, 0.988,
	0.990, 0.992, 1.015, 0.986, 0.985, 0.986, 0.984, 0.982, 0.980, 0.981,
	0.978, 1.010, 1.008, 0.975, 0.977, 0.970, 1.012, 0.976, 0.968, 0.965,
}

// Rough schematic coordinates for the dashboard layout.
var case30XY = [][2]float64{
	{0, 0}, {2, 0}, {0, 2}, {2, 2}, {4, 0}, {4, 2}, {5, 1}, {6, 0},
	{5, 3}, {6, 3}, {7, 4}, {3, 4}, {2, 5}, {4, 5}, {5, 5}, {4, 6},
	{6, 5}, {6, 6}, {7, 6}, {7, 5}, {8, 4}, {8, 5}, {9, 5}, {9, 6},
	{10, 6}, {11, 6}, {10, 4}, {8, 2}, {11, 4}, {11, 5},
}

// ZoneForBus maps a bus to its protection zone. Buses 0-9 form zone_1,
// 10-19 zone_2, 20-29 zone_3.
func ZoneForBus(bus int) string {
	switch {
	case bus < 10:
		return "zone_1"
	case bus < 20:
		return "zone_2"
	default:
		return "zone_3"
	}
}

// ZoneNames lists the protection zones in order.
func ZoneNames() []string {
	return []string{"zone_1", "zone_2", "zone_3"}
}

// Case30 builds the initial state for the IEEE 30-bus case.
func Case30() *State {
	base := &caseBase{
		baseVm:       case30BaseVm,
		baseLoadBus:  make([]float64, 30),
		baseZoneLoad: map[string]float64{"zone_1": 0, "zone_2": 0, "zone_3": 0},
		busZone:      make([]string, 30),
		slackBus:     0,
		slackMaxMW:   slackMaxMW,
		baseKV:       baseKV,
	}
	for b := 0; b < 30; b++ {
		base.busZone[b] = ZoneForBus(b)
	}
	for _, l := range case30Loads {
		base.baseLoadBus[l.bus] += l.p
		base.baseZoneLoad[base.busZone[l.bus]] += l.p
	}

	st := &State{base: base, FrequencyHz: NominalFrequencyHz}

	st.Buses = make([]Bus, 30)
	for b := 0; b < 30; b++ {
		st.Buses[b] = Bus{
			ID:   b,
			Name: fmt.Sprintf("bus_%d", b),
			VmPU: case30BaseVm[b],
			X:    case30XY[b][0],
			Y:    case30XY[b][1],
		}
	}

	for i, l := range case30Loads {
		st.Loads = append(st.Loads, Load{
			ID: i, Bus: l.bus, InService: true, PMW: l.p, QMvar: l.q,
		})
	}

	for i, g := range case30Gens {
		st.Gens = append(st.Gens, Generator{
			ID: i, Bus: g.bus, InService: true, PMW: g.p, MaxPMW: g.maxP,
		})
	}

	for i, l := range case30Lines {
		st.Lines = append(st.Lines, Line{
			ID: i, FromBus: l.from, ToBus: l.to, InService: true,
			ROhmPU: l.r, XOhmPU: l.x, MaxIKA: l.maxIKA, IsTransformer: l.trafo,
		})
	}

	// Capacitor banks start out of service so voltage regulation has headroom.
	st.Shunts = []Shunt{
		{ID: 0, Bus: 10, InService: false, QMvar: -5, Name: "shunt_0"},
		{ID: 1, Bus: 24, InService: false, QMvar: -5, Name: "shunt_1"},
		{ID: 2, Bus: 29, InService: false, QMvar: -5, Name: "shunt_2"},
	}

	return st
}
