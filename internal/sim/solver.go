package sim

import (
	"errors"
	"math"
	"sort"
)

// ErrNotConverged is returned when no feasible operating point exists for
// the requested state, e.g. an island without enough generation capacity.
var ErrNotConverged = errors.New("power flow did not converge")

// Solver computes branch flows, bus voltages and system totals in place.
type Solver interface {
	Solve(st *State) error
}

// ApproxSolver is a deterministic DC-style solver: flows come from a
// spanning tree rooted at the slack bus, losses from branch resistance,
// voltages from a sensitivity model around the nominal profile. It trades
// AC fidelity for reproducibility, which is what the supervisory layer
// needs.
type ApproxSolver struct{}

func NewApproxSolver() *ApproxSolver { return &ApproxSolver{} }

// netgraph is the in-service topology used during a solve.
type netgraph struct {
	lines []Line
	adj   map[int][]int // bus -> sorted in-service line ids
}

func newNetgraph(st *State) *netgraph {
	g := &netgraph{lines: st.Lines, adj: map[int][]int{}}
	for i := range st.Lines {
		ln := &st.Lines[i]
		if !ln.InService {
			continue
		}
		g.adj[ln.FromBus] = append(g.adj[ln.FromBus], i)
		g.adj[ln.ToBus] = append(g.adj[ln.ToBus], i)
	}
	for b := range g.adj {
		sort.Ints(g.adj[b])
	}
	return g
}

func (g *netgraph) other(lineID, bus int) int {
	ln := &g.lines[lineID]
	if ln.FromBus == bus {
		return ln.ToBus
	}
	return ln.FromBus
}

// components labels each bus with a connected-component id.
func (g *netgraph) components(n int) []int {
	comp := make([]int, n)
	for i := range comp {
		comp[i] = -1
	}
	next := 0
	for s := 0; s < n; s++ {
		if comp[s] != -1 {
			continue
		}
		comp[s] = next
		queue := []int{s}
		for len(queue) > 0 {
			b := queue[0]
			queue = queue[1:]
			for _, li := range g.adj[b] {
				o := g.other(li, b)
				if comp[o] == -1 {
					comp[o] = next
					queue = append(queue, o)
				}
			}
		}
		next++
	}
	return comp
}

// bfsTree walks each component breadth-first from its root, recording for
// every non-root bus the line linking it to its parent. Roots are the slack
// bus for its component and the lowest bus id elsewhere. Returns the visit
// order (parents before children).
func (g *netgraph) bfsTree(n, slack int, comp []int, parentLine, parentBus []int) []int {
	for i := range parentLine {
		parentLine[i] = -1
		parentBus[i] = -1
	}
	roots := map[int]int{comp[slack]: slack}
	for b := 0; b < n; b++ {
		if _, ok := roots[comp[b]]; !ok {
			roots[comp[b]] = b
		}
	}
	rootIDs := make([]int, 0, len(roots))
	for _, r := range roots {
		rootIDs = append(rootIDs, r)
	}
	sort.Ints(rootIDs)

	visited := make([]bool, n)
	order := make([]int, 0, n)
	for _, root := range rootIDs {
		visited[root] = true
		order = append(order, root)
		queue := []int{root}
		for len(queue) > 0 {
			b := queue[0]
			queue = queue[1:]
			for _, li := range g.adj[b] {
				o := g.other(li, b)
				if visited[o] {
					continue
				}
				visited[o] = true
				parentLine[o] = li
				parentBus[o] = b
				order = append(order, o)
				queue = append(queue, o)
			}
		}
	}
	return order
}

func (a *ApproxSolver) Solve(st *State) error {
	n := len(st.Buses)
	base := st.base

	loadAt := make([]float64, n)
	genAt := make([]float64, n)
	var totalLoad float64
	for _, l := range st.Loads {
		if l.InService {
			loadAt[l.Bus] += l.PMW
			totalLoad += l.PMW
		}
	}
	var dispatched float64
	for _, g := range st.Gens {
		if g.InService {
			genAt[g.Bus] += g.PMW
			dispatched += g.PMW
		}
	}

	g := newNetgraph(st)
	comp := g.components(n)

	// Every island must either contain the slack bus or be self-sufficient
	// on generation capacity, otherwise there is no solution.
	slackComp := comp[base.slackBus]
	capByComp := map[int]float64{}
	loadByComp := map[int]float64{}
	for b := 0; b < n; b++ {
		loadByComp[comp[b]] += loadAt[b]
	}
	for _, gen := range st.Gens {
		if gen.InService {
			capByComp[comp[gen.Bus]] += gen.MaxPMW
		}
	}
	for c, loadMW := range loadByComp {
		if c == slackComp {
			continue
		}
		if loadMW > capByComp[c] {
			st.Converged = false
			return ErrNotConverged
		}
	}

	parentLine := make([]int, n)
	parentBus := make([]int, n)
	order := g.bfsTree(n, base.slackBus, comp, parentLine, parentBus)

	// Tree branch flow equals the net demand of the subtree behind it;
	// non-tree branches carry no flow in this approximation.
	subNet := make([]float64, n)
	for b := 0; b < n; b++ {
		subNet[b] = loadAt[b] - genAt[b]
	}
	flow := make([]float64, len(st.Lines))
	for i := len(order) - 1; i >= 0; i-- {
		b := order[i]
		li := parentLine[b]
		if li < 0 {
			continue
		}
		ln := &st.Lines[li]
		// Sign convention: positive FlowMW points from FromBus to ToBus.
		if ln.FromBus == parentBus[b] {
			flow[li] = subNet[b]
		} else {
			flow[li] = -subNet[b]
		}
		subNet[parentBus[b]] += subNet[b]
	}

	var losses float64
	for i := range st.Lines {
		ln := &st.Lines[i]
		if !ln.InService {
			ln.FlowMW, ln.CurrentKA, ln.LoadingPercent, ln.LossMW = 0, 0, 0, 0
			continue
		}
		ln.FlowMW = flow[i]
		ln.LossMW = ln.ROhmPU * ln.FlowMW * ln.FlowMW / 100.0
		losses += ln.LossMW
	}

	// Slack picks up the imbalance; its output is capacity-limited, and any
	// shortfall shows up as a frequency deviation.
	slackP := totalLoad + losses - dispatched
	clamped := slackP
	if clamped > base.slackMaxMW {
		clamped = base.slackMaxMW
	}
	if clamped < 0 {
		clamped = 0
	}
	totalGen := dispatched + clamped

	denom := totalLoad + losses
	if denom < 1 {
		denom = 1
	}
	st.FrequencyHz = NominalFrequencyHz + 3.0*(totalGen-(totalLoad+losses))/denom

	st.TotalGenMW = totalGen
	st.TotalLoadMW = totalLoad
	st.LossesMW = losses

	a.solveVoltages(st, loadAt, genAt)

	for i := range st.Lines {
		ln := &st.Lines[i]
		if !ln.InService {
			continue
		}
		vmAvg := (st.Buses[ln.FromBus].VmPU + st.Buses[ln.ToBus].VmPU) / 2
		if vmAvg < 0.1 {
			vmAvg = 0.1
		}
		ln.CurrentKA = math.Abs(ln.FlowMW) / (math.Sqrt(3) * base.baseKV * vmAvg)
		if ln.MaxIKA > 0 {
			ln.LoadingPercent = ln.CurrentKA / ln.MaxIKA * 100.0
		}
	}

	st.Converged = true
	return nil
}

// solveVoltages applies load, shunt and generation sensitivities on top of
// the nominal voltage profile.
func (a *ApproxSolver) solveVoltages(st *State, loadAt, genAt []float64) {
	base := st.base

	zoneLoad := map[string]float64{}
	for b, p := range loadAt {
		zoneLoad[base.busZone[b]] += p
	}

	for b := range st.Buses {
		zone := base.busZone[b]
		vm := base.baseVm[b]
		vm -= 0.0015 * (loadAt[b] - base.baseLoadBus[b])
		vm -= 0.0003 * (zoneLoad[zone] - base.baseZoneLoad[zone])
		for _, sh := range st.Shunts {
			if !sh.InService {
				continue
			}
			if sh.Bus == b {
				vm += 0.010 * math.Abs(sh.QMvar)
			} else if base.busZone[sh.Bus] == zone {
				vm += 0.007 * math.Abs(sh.QMvar)
			}
		}
		vm += 0.0008 * (genAt[b] - baseGenAt(b))
		if vm < 0.5 {
			vm = 0.5
		}
		if vm > 1.2 {
			vm = 1.2
		}
		st.Buses[b].VmPU = vm
	}
}

func baseGenAt(bus int) float64 {
	for _, g := range case30Gens {
		if g.bus == bus {
			return g.p
		}
	}
	return 0
}

// TransformerTempC estimates winding temperature from loading.
func TransformerTempC(loadingPercent float64) float64 {
	if loadingPercent < 0 {
		loadingPercent = 0
	}
	return 25.0 + 65.0*math.Pow(loadingPercent/100.0, 1.6)
}
