package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var simLog = log.New(log.Writer(), "[SIM] ", log.LstdFlags)

// Simulation is the authoritative grid model. All access goes through its
// lock; mutations re-run the solver and revert on non-convergence.
type Simulation struct {
	mu        sync.RWMutex
	solver    Solver
	state     *State
	snapshots []Snapshot
}

// NewSimulation builds the 30-bus case and solves the initial operating
// point.
func NewSimulation(solver Solver) (*Simulation, error) {
	if solver == nil {
		solver = NewApproxSolver()
	}
	st := Case30()
	if err := solver.Solve(st); err != nil {
		return nil, fmt.Errorf("initial power flow: %w", err)
	}
	return &Simulation{solver: solver, state: st}, nil
}

// State returns a deep copy of the current state.
func (s *Simulation) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// BusVoltage returns the voltage magnitude at a bus in per-unit.
func (s *Simulation) BusVoltage(bus int) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bus < 0 || bus >= len(s.state.Buses) {
		return 0, fmt.Errorf("bus %d out of range", bus)
	}
	return s.state.Buses[bus].VmPU, nil
}

// LineMetrics returns flow (MW), current (kA) and loading (percent) for a
// line.
func (s *Simulation) LineMetrics(lineID int) (flowMW, currentKA, loadingPct float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lineID < 0 || lineID >= len(s.state.Lines) {
		return 0, 0, 0, fmt.Errorf("line %d out of range", lineID)
	}
	ln := s.state.Lines[lineID]
	return ln.FlowMW, ln.CurrentKA, ln.LoadingPercent, nil
}

// Frequency returns the system frequency in Hz.
func (s *Simulation) Frequency() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FrequencyHz
}

// Totals returns generation, load and losses in MW.
func (s *Simulation) Totals() (genMW, loadMW, lossMW float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TotalGenMW, s.state.TotalLoadMW, s.state.LossesMW
}

// ---- mutations ----

// mutate applies fn under the write lock, re-solves, and rolls back the
// whole mutation if the solver reports non-convergence.
func (s *Simulation) mutate(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.state.Clone()
	if err := fn(s.state); err != nil {
		s.state = backup
		return err
	}
	if err := s.solver.Solve(s.state); err != nil {
		s.state = backup
		simLog.Printf("mutation reverted: %v", err)
		return err
	}
	return nil
}

// SetLineStatus opens or closes a line.
func (s *Simulation) SetLineStatus(lineID int, inService bool) error {
	return s.mutate(func(st *State) error {
		if lineID < 0 || lineID >= len(st.Lines) {
			return fmt.Errorf("line %d out of range", lineID)
		}
		st.Lines[lineID].InService = inService
		return nil
	})
}

// SetGeneratorMW dispatches a generator, clamping to [0, MaxPMW].
func (s *Simulation) SetGeneratorMW(genID int, pMW float64) error {
	return s.mutate(func(st *State) error {
		if genID < 0 || genID >= len(st.Gens) {
			return fmt.Errorf("generator %d out of range", genID)
		}
		g := &st.Gens[genID]
		if pMW < 0 {
			pMW = 0
		}
		if pMW > g.MaxPMW {
			pMW = g.MaxPMW
		}
		g.PMW = pMW
		return nil
	})
}

// SetGeneratorStatus connects or disconnects a generator.
func (s *Simulation) SetGeneratorStatus(genID int, inService bool) error {
	return s.mutate(func(st *State) error {
		if genID < 0 || genID >= len(st.Gens) {
			return fmt.Errorf("generator %d out of range", genID)
		}
		st.Gens[genID].InService = inService
		return nil
	})
}

// ScaleLoadAtBus multiplies all load at a bus by factor.
func (s *Simulation) ScaleLoadAtBus(bus int, factor float64) error {
	if factor < 0 {
		return errors.New("scale factor must be non-negative")
	}
	return s.mutate(func(st *State) error {
		found := false
		for i := range st.Loads {
			if st.Loads[i].Bus == bus {
				st.Loads[i].PMW *= factor
				st.Loads[i].QMvar *= factor
				found = true
			}
		}
		if !found {
			return fmt.Errorf("no load at bus %d", bus)
		}
		return nil
	})
}

// AddLoadMW adds (or removes, when negative) demand at a bus. Used by
// scenarios and by storage units presenting charge/discharge as load; a
// net-negative load is an injection.
func (s *Simulation) AddLoadMW(bus int, deltaMW float64) error {
	return s.mutate(func(st *State) error {
		if bus < 0 || bus >= len(st.Buses) {
			return fmt.Errorf("bus %d out of range", bus)
		}
		for i := range st.Loads {
			if st.Loads[i].Bus == bus {
				st.Loads[i].PMW += deltaMW
				return nil
			}
		}
		st.Loads = append(st.Loads, Load{
			ID: len(st.Loads), Bus: bus, InService: true, PMW: deltaMW,
		})
		return nil
	})
}

// SetLoadMW sets the total demand at a bus to an absolute value.
func (s *Simulation) SetLoadMW(bus int, pMW float64) error {
	if pMW < 0 {
		return errors.New("load must be non-negative")
	}
	return s.mutate(func(st *State) error {
		first := -1
		for i := range st.Loads {
			if st.Loads[i].Bus == bus {
				if first == -1 {
					first = i
				} else {
					st.Loads[i].PMW = 0
				}
			}
		}
		if first == -1 {
			return fmt.Errorf("no load at bus %d", bus)
		}
		st.Loads[first].PMW = pMW
		return nil
	})
}

// SetShuntStatus switches a capacitor bank in or out.
func (s *Simulation) SetShuntStatus(shuntID int, inService bool) error {
	return s.mutate(func(st *State) error {
		if shuntID < 0 || shuntID >= len(st.Shunts) {
			return fmt.Errorf("shunt %d out of range", shuntID)
		}
		st.Shunts[shuntID].InService = inService
		return nil
	})
}

// ---- snapshots ----

// SaveSnapshot pushes a copy of the current state and returns its
// timestamp.
func (s *Simulation) SaveSnapshot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().UTC()
	s.snapshots = append(s.snapshots, Snapshot{State: s.state.Clone(), Timestamp: ts})
	return ts
}

// RestoreSnapshot pops the most recent snapshot and makes it current.
func (s *Simulation) RestoreSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return errors.New("no snapshot to restore")
	}
	snap := s.snapshots[len(s.snapshots)-1]
	s.snapshots = s.snapshots[:len(s.snapshots)-1]
	s.state = snap.State.Clone()
	return nil
}

// DiscardSnapshot pops the most recent snapshot without restoring it.
func (s *Simulation) DiscardSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) > 0 {
		s.snapshots = s.snapshots[:len(s.snapshots)-1]
	}
}

// SnapshotDepth reports how many snapshots are stacked.
func (s *Simulation) SnapshotDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// ---- validation ----

// ValidationResult is the outcome of a sandboxed what-if evaluation.
type ValidationResult struct {
	Safe          bool        `json:"safe"`
	Reason        string      `json:"reason,omitempty"`
	NewViolations []Violation `json:"new_violations,omitempty"`
	Worsened      []Violation `json:"worsened_violations,omitempty"`
}

// ValidateAction evaluates a mutation against a sandbox copy of the grid.
// The action is safe iff it introduces no new violations and does not
// materially worsen any pre-existing one. The live state is never touched.
func (s *Simulation) ValidateAction(apply func(sandbox *Simulation) error) ValidationResult {
	s.mu.RLock()
	pre := checkViolations(s.state)
	sandbox := &Simulation{solver: s.solver, state: s.state.Clone()}
	s.mu.RUnlock()

	if err := apply(sandbox); err != nil {
		return ValidationResult{Safe: false, Reason: fmt.Sprintf("action failed in sandbox: %v", err)}
	}

	sandbox.mu.RLock()
	post := checkViolations(sandbox.state)
	sandbox.mu.RUnlock()

	res := ValidationResult{Safe: true}
	preKeys := map[string]Violation{}
	for _, v := range pre {
		preKeys[v.Kind+"|"+v.Component] = v
	}
	for _, v := range post {
		prev, existed := preKeys[v.Kind+"|"+v.Component]
		if !existed {
			res.NewViolations = append(res.NewViolations, v)
			continue
		}
		if violationWorsened(prev, v) {
			res.Worsened = append(res.Worsened, v)
		}
	}
	if len(res.NewViolations) > 0 || len(res.Worsened) > 0 {
		res.Safe = false
		res.Reason = fmt.Sprintf("%d new, %d worsened violations",
			len(res.NewViolations), len(res.Worsened))
	}
	return res
}

// violationWorsened reports whether post is materially worse than pre,
// with a per-kind tolerance so equivalent states do not flag.
func violationWorsened(pre, post Violation) bool {
	switch post.Kind {
	case ViolationVoltageLow, ViolationVoltageHigh:
		return math.Abs(post.Value-1.0) > math.Abs(pre.Value-1.0)+0.05
	case ViolationThermal:
		return post.Value > pre.Value+5.0
	case ViolationFrequency:
		return math.Abs(post.Value-NominalFrequencyHz) > math.Abs(pre.Value-NominalFrequencyHz)+0.05
	}
	return false
}

// ---- violations and zones ----

// LineZone assigns a line to the zone of its from-bus; lines whose
// endpoints share a zone belong wholly to it.
func LineZone(ln *Line) string {
	return ZoneForBus(ln.FromBus)
}

// Violations sweeps the current state for limit breaches.
func (s *Simulation) Violations() []Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return checkViolations(s.state)
}

// ZoneLimits returns the protection thresholds in force for a zone.
func (s *Simulation) ZoneLimits(zone string) Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.limitsFor(zone)
}

// SetZoneLimits overrides the warning-level protection thresholds for one
// zone. The override travels with clones, so sandbox rehearsals and
// snapshots judge actions against the same settings.
func (s *Simulation) SetZoneLimits(zone string, l Limits) error {
	if !validZone(zone) {
		return fmt.Errorf("unknown zone %q", zone)
	}
	if l.VoltageMinPU <= 0 || l.VoltageMinPU >= l.VoltageMaxPU {
		return fmt.Errorf("voltage band [%.3f, %.3f] is invalid", l.VoltageMinPU, l.VoltageMaxPU)
	}
	if l.LoadingMaxPercent <= 0 {
		return fmt.Errorf("loading limit must be positive, got %.1f", l.LoadingMaxPercent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.limits == nil {
		s.state.limits = map[string]Limits{}
	}
	s.state.limits[zone] = l
	return nil
}

func validZone(zone string) bool {
	for _, z := range ZoneNames() {
		if z == zone {
			return true
		}
	}
	return false
}

func checkViolations(st *State) []Violation {
	now := time.Now().UTC()
	var out []Violation

	for _, b := range st.Buses {
		zone := ZoneForBus(b.ID)
		lim := st.limitsFor(zone)
		if b.VmPU < lim.VoltageMinPU {
			sev := SeverityWarning
			if b.VmPU < VoltageCriticalLo {
				sev = SeverityCritical
			}
			out = append(out, Violation{
				Kind: ViolationVoltageLow, Zone: zone, Severity: sev,
				Component: fmt.Sprintf("bus_%d", b.ID), Value: b.VmPU,
				Limit: lim.VoltageMinPU, Timestamp: now,
			})
		} else if b.VmPU > lim.VoltageMaxPU {
			sev := SeverityWarning
			if b.VmPU > VoltageCriticalHi {
				sev = SeverityCritical
			}
			out = append(out, Violation{
				Kind: ViolationVoltageHigh, Zone: zone, Severity: sev,
				Component: fmt.Sprintf("bus_%d", b.ID), Value: b.VmPU,
				Limit: lim.VoltageMaxPU, Timestamp: now,
			})
		}
	}

	for i := range st.Lines {
		ln := &st.Lines[i]
		if !ln.InService {
			continue
		}
		zone := LineZone(ln)
		lim := st.limitsFor(zone)
		if ln.LoadingPercent <= lim.LoadingMaxPercent {
			continue
		}
		sev := SeverityWarning
		if ln.LoadingPercent > LoadingCriticalPct {
			sev = SeverityCritical
		}
		out = append(out, Violation{
			Kind: ViolationThermal, Zone: zone, Severity: sev,
			Component: fmt.Sprintf("line_%d", ln.ID), Value: ln.LoadingPercent,
			Limit: lim.LoadingMaxPercent, Timestamp: now,
		})
	}

	dev := math.Abs(st.FrequencyHz - NominalFrequencyHz)
	if dev > FrequencyBandHz {
		sev := SeverityWarning
		if dev > FrequencyCritHz {
			sev = SeverityCritical
		}
		out = append(out, Violation{
			Kind: ViolationFrequency, Zone: "system", Severity: sev,
			Component: "system", Value: st.FrequencyHz,
			Limit: FrequencyBandHz, Timestamp: now,
		})
	}

	return out
}

// ZoneHealth derives a health label per zone from a violation sweep:
// healthy, warning or critical. Frequency violations count against every
// zone.
func ZoneHealth(viols []Violation) map[string]string {
	health := map[string]string{}
	for _, z := range ZoneNames() {
		health[z] = "healthy"
	}
	degrade := func(zone, sev string) {
		cur := health[zone]
		if sev == SeverityCritical {
			health[zone] = "critical"
		} else if cur == "healthy" {
			health[zone] = "warning"
		}
	}
	for _, v := range viols {
		if v.Zone == "system" {
			for _, z := range ZoneNames() {
				degrade(z, v.Severity)
			}
			continue
		}
		degrade(v.Zone, v.Severity)
	}
	return health
}

// ---- state message + file sync ----

// Message builds the grid_state payload for the dashboard.
func (s *Simulation) Message() StateMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	viols := checkViolations(st)

	msg := StateMessage{
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		TotalGenerationMW: round2(st.TotalGenMW),
		TotalLoadMW:       round2(st.TotalLoadMW),
		TotalLossesMW:     round2(st.LossesMW),
		FrequencyHz:       round3(st.FrequencyHz),
		ZoneHealth:        ZoneHealth(viols),
		Violations:        viols,
	}
	for _, b := range st.Buses {
		msg.Nodes = append(msg.Nodes, NodeState{
			ID: b.ID, VmPU: round3(b.VmPU), X: b.X, Y: b.Y, Zone: ZoneForBus(b.ID),
		})
	}
	for i := range st.Lines {
		ln := &st.Lines[i]
		msg.Edges = append(msg.Edges, EdgeState{
			ID: ln.ID, LoadingPercent: round2(ln.LoadingPercent),
			FromBus: ln.FromBus, ToBus: ln.ToBus,
		})
	}
	return msg
}

// SaveToFile writes the state message to path atomically (temp then
// rename) so dashboard pollers never read a torn file.
func (s *Simulation) SaveToFile(path string) error {
	msg := s.Message()
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
