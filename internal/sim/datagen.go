package sim

import (
	"math/rand"
)

// LoadVarier nudges demand each monitoring cycle so the demo grid is not
// perfectly static. The walk is bounded around the nominal case so it never
// manufactures violations on its own.
type LoadVarier struct {
	rng      *rand.Rand
	stepFrac float64
	minFrac  float64
	maxFrac  float64
}

// NewLoadVarier seeds the walk. stepFrac is the per-cycle maximum relative
// change (default 0.02 when zero).
func NewLoadVarier(seed int64, stepFrac float64) *LoadVarier {
	if stepFrac <= 0 {
		stepFrac = 0.02
	}
	return &LoadVarier{
		rng:      rand.New(rand.NewSource(seed)),
		stepFrac: stepFrac,
		minFrac:  0.95,
		maxFrac:  1.05,
	}
}

// VaryLoads applies one step of the walk to every in-service load. The
// mutation goes through the normal solve-and-revert path.
func (lv *LoadVarier) VaryLoads(s *Simulation) error {
	return s.mutate(func(st *State) error {
		for i := range st.Loads {
			ld := &st.Loads[i]
			if !ld.InService {
				continue
			}
			base := st.base.baseLoadBus[ld.Bus]
			if base <= 0 {
				continue
			}
			// Loads far outside the nominal band were perturbed by a
			// scenario; leave them for the control loop to handle.
			if ld.PMW > base*1.3 || ld.PMW < base*0.7 {
				continue
			}
			delta := (lv.rng.Float64()*2 - 1) * lv.stepFrac * base
			p := ld.PMW + delta
			if p < base*lv.minFrac {
				p = base * lv.minFrac
			}
			if p > base*lv.maxFrac {
				p = base * lv.maxFrac
			}
			ld.PMW = p
		}
		return nil
	})
}
