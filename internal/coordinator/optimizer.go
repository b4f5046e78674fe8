// Optimization strategies the zone engines run before escalating. Every
// candidate change is rehearsed in a sandbox; only safe improvements reach
// the live grid.
package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gridmind/backend/internal/sim"
)

// Optimizer strategies.
const (
	StrategyMinLosses       = "min_losses"
	StrategyRegulateVoltage = "regulate_voltage"
	StrategyBalanceLoading  = "balance_loading"
)

// genProbes are the dispatch deltas tried per generator when minimizing
// losses.
var genProbes = []float64{-5, -2, 2, 5}

// Optimizer adjusts setpoints inside one zone.
type Optimizer struct {
	grid *sim.Simulation
	zone string
}

func NewOptimizer(grid *sim.Simulation, zone string) *Optimizer {
	return &Optimizer{grid: grid, zone: zone}
}

// MinimizeLosses probes small redispatches of every zone generator and
// applies the single best safe improvement. Returns a description of the
// applied action, or "" when nothing improved.
func (o *Optimizer) MinimizeLosses() (string, error) {
	_, _, baseLoss := o.grid.Totals()
	st := o.grid.State()

	bestLoss := baseLoss
	bestGen, bestP := -1, 0.0
	for _, g := range st.Gens {
		if !g.InService || sim.ZoneForBus(g.Bus) != o.zone {
			continue
		}
		for _, delta := range genProbes {
			target := g.PMW + delta
			if target < 0 || target > g.MaxPMW {
				continue
			}
			var probeLoss float64
			res := o.grid.ValidateAction(func(sb *sim.Simulation) error {
				if err := sb.SetGeneratorMW(g.ID, target); err != nil {
					return err
				}
				_, _, probeLoss = sb.Totals()
				return nil
			})
			if res.Safe && probeLoss < bestLoss-0.01 {
				bestLoss = probeLoss
				bestGen, bestP = g.ID, target
			}
		}
	}

	if bestGen < 0 {
		return "", nil
	}
	if err := o.grid.SetGeneratorMW(bestGen, bestP); err != nil {
		return "", err
	}
	return fmt.Sprintf("set generator %d to %.1f MW (losses %.2f -> %.2f MW)",
		bestGen, bestP, baseLoss, bestLoss), nil
}

// RegulateVoltage switches capacitor banks to pull zone voltages back into
// band: banks in for low voltage, out for high. Every bank in the zone is
// considered, so a sag spanning several buses engages the full fleet in one
// pass.
func (o *Optimizer) RegulateVoltage() (string, error) {
	low, high := o.voltageSpread()
	if !low && !high {
		return "", nil
	}
	st := o.grid.State()

	var acts []string
	for _, sh := range st.Shunts {
		if sim.ZoneForBus(sh.Bus) != o.zone {
			continue
		}
		var target bool
		switch {
		case low && !sh.InService:
			target = true
		case high && sh.InService:
			target = false
		default:
			continue
		}

		res := o.grid.ValidateAction(func(sb *sim.Simulation) error {
			return sb.SetShuntStatus(sh.ID, target)
		})
		if !res.Safe {
			continue
		}
		if err := o.grid.SetShuntStatus(sh.ID, target); err != nil {
			return strings.Join(acts, "; "), err
		}
		verb := "enabled"
		if !target {
			verb = "disabled"
		}
		acts = append(acts, fmt.Sprintf("%s capacitor bank %d at bus %d", verb, sh.ID, sh.Bus))
	}
	return strings.Join(acts, "; "), nil
}

// BalanceLoading relieves every thermal overload in the zone, worst line
// first, by scaling demand at each line's sink bus down to the target
// loading. Earlier relief may already have cleared a later candidate; each
// line is re-read before acting on it.
func (o *Optimizer) BalanceLoading(targetPct float64) (string, error) {
	st := o.grid.State()

	type overload struct {
		lineID  int
		loading float64
	}
	var cands []overload
	for i := range st.Lines {
		ln := &st.Lines[i]
		if !ln.InService || sim.LineZone(ln) != o.zone {
			continue
		}
		if ln.LoadingPercent > targetPct {
			cands = append(cands, overload{lineID: ln.ID, loading: ln.LoadingPercent})
		}
	}
	if len(cands) == 0 {
		return "", nil
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].loading > cands[j].loading })

	var acts []string
	for _, c := range cands {
		_, _, loading, err := o.grid.LineMetrics(c.lineID)
		if err != nil || loading <= targetPct {
			continue
		}
		cur := o.grid.State()
		ln := cur.Lines[c.lineID]
		sink := ln.ToBus
		if ln.FlowMW < 0 {
			sink = ln.FromBus
		}
		if !o.hasLoad(cur, sink) {
			// Fall back to the other endpoint when the sink carries no load.
			other := ln.FromBus + ln.ToBus - sink
			if !o.hasLoad(cur, other) {
				continue
			}
			sink = other
		}

		factor := targetPct / loading
		if err := o.grid.ScaleLoadAtBus(sink, factor); err != nil {
			return strings.Join(acts, "; "), err
		}
		acts = append(acts, fmt.Sprintf("scaled load at bus %d by %.2f to relieve line %d (%.0f%% -> target %.0f%%)",
			sink, factor, ln.ID, loading, targetPct))
	}
	return strings.Join(acts, "; "), nil
}

func (o *Optimizer) hasLoad(st *sim.State, bus int) bool {
	for _, l := range st.Loads {
		if l.InService && l.Bus == bus && l.PMW > 0 {
			return true
		}
	}
	return false
}

// voltageSpread reports whether the zone currently has low or high voltage
// buses, judged against the zone's active protection settings.
func (o *Optimizer) voltageSpread() (low, high bool) {
	st := o.grid.State()
	lim := o.grid.ZoneLimits(o.zone)
	for _, b := range sim.ZoneBuses(o.zone) {
		vm := st.Buses[b].VmPU
		if vm < lim.VoltageMinPU {
			low = true
		}
		if vm > lim.VoltageMaxPU {
			high = true
		}
	}
	return low, high
}

// Run dispatches a strategy by name. balance_loading uses the given target
// percent (default 95 when zero).
func (o *Optimizer) Run(strategy string, targetPct float64) (string, error) {
	switch strategy {
	case StrategyMinLosses:
		return o.MinimizeLosses()
	case StrategyRegulateVoltage:
		return o.RegulateVoltage()
	case StrategyBalanceLoading:
		if targetPct <= 0 {
			targetPct = 95
		}
		return o.BalanceLoading(targetPct)
	}
	return "", fmt.Errorf("unknown strategy %q", strategy)
}
