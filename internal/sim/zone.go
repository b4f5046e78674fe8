package sim

// ZoneBuses lists the bus ids belonging to a zone.
func ZoneBuses(zone string) []int {
	var out []int
	for b := 0; b < 30; b++ {
		if ZoneForBus(b) == zone {
			out = append(out, b)
		}
	}
	return out
}

// ZoneSummary is the full status view of one protection zone, as reported
// by the get_zone_status tool.
type ZoneSummary struct {
	Zone         string      `json:"zone"`
	Health       string      `json:"health"`
	Buses        []int       `json:"buses"`
	VoltagesPU   []float64   `json:"voltages_pu"`
	VmMinPU      float64     `json:"vm_min_pu"`
	VmMaxPU      float64     `json:"vm_max_pu"`
	LineLoadings []float64   `json:"line_loadings_percent"`
	MaxLoadingPc float64     `json:"max_loading_percent"`
	LoadMW       float64     `json:"load_mw"`
	GenerationMW float64     `json:"generation_mw"`
	Violations   []Violation `json:"violations"`
}

// ZoneStatus computes the summary for one zone. Lines count when both
// endpoints are inside the zone.
func (s *Simulation) ZoneStatus(zone string) ZoneSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state

	sum := ZoneSummary{Zone: zone, Buses: ZoneBuses(zone), VmMinPU: 2.0}
	for _, b := range sum.Buses {
		vm := st.Buses[b].VmPU
		sum.VoltagesPU = append(sum.VoltagesPU, round3(vm))
		if vm < sum.VmMinPU {
			sum.VmMinPU = vm
		}
		if vm > sum.VmMaxPU {
			sum.VmMaxPU = vm
		}
	}
	sum.VmMinPU = round3(sum.VmMinPU)
	sum.VmMaxPU = round3(sum.VmMaxPU)

	for i := range st.Lines {
		ln := &st.Lines[i]
		if !ln.InService {
			continue
		}
		if ZoneForBus(ln.FromBus) != zone || ZoneForBus(ln.ToBus) != zone {
			continue
		}
		sum.LineLoadings = append(sum.LineLoadings, round2(ln.LoadingPercent))
		if ln.LoadingPercent > sum.MaxLoadingPc {
			sum.MaxLoadingPc = round2(ln.LoadingPercent)
		}
	}

	for _, l := range st.Loads {
		if l.InService && ZoneForBus(l.Bus) == zone {
			sum.LoadMW += l.PMW
		}
	}
	for _, g := range st.Gens {
		if g.InService && ZoneForBus(g.Bus) == zone {
			sum.GenerationMW += g.PMW
		}
	}
	sum.LoadMW = round2(sum.LoadMW)
	sum.GenerationMW = round2(sum.GenerationMW)

	all := checkViolations(st)
	for _, v := range all {
		if v.Zone == zone || v.Zone == "system" {
			sum.Violations = append(sum.Violations, v)
		}
	}
	sum.Health = ZoneHealth(all)[zone]
	return sum
}

// TieLines lists the in-service lines crossing the zone boundary. Opening
// all of them islands the zone.
func (s *Simulation) TieLines(zone string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i := range s.state.Lines {
		ln := &s.state.Lines[i]
		if !ln.InService {
			continue
		}
		fz, tz := ZoneForBus(ln.FromBus), ZoneForBus(ln.ToBus)
		if (fz == zone) != (tz == zone) {
			out = append(out, ln.ID)
		}
	}
	return out
}
