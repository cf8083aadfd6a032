package predict

import (
	"math"

	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/model"
)

const baseEpsilon = 1e-6

// Scores holds one prediction pass: per-exe launch probabilities and
// the per-map scores derived from them.
type Scores struct {
	Exe map[model.ExeID]float32
	Map map[model.MapID]float32
}

// Predictor turns the pair graph and usage history into launch
// probabilities for exes that are not currently running.
type Predictor struct {
	useCorrelation bool
	cycle          uint64
	log            *zap.Logger
}

// New creates a predictor. cycle is the tick period in seconds; it
// sets the horizon of the dwell-time weighting.
func New(useCorrelation bool, cycle uint64, log *zap.Logger) *Predictor {
	return &Predictor{
		useCorrelation: useCorrelation,
		cycle:          cycle,
		log:            log.Named("predictor"),
	}
}

// Predict scores every tracked exe and map. Running exes score zero;
// everything else combines base usage frequency with transition
// evidence from edges whose other endpoint is currently running.
func (p *Predictor) Predict(st *model.State) *Scores {
	scores := &Scores{
		Exe: make(map[model.ExeID]float32, st.Exes.Len()),
		Map: make(map[model.MapID]float32, st.Maps.Len()),
	}

	st.Exes.Each(func(exe *model.Exe) {
		if exe.Running {
			scores.Exe[exe.ID] = 0
			return
		}
		scores.Exe[exe.ID] = p.base(exe, st.ModelTime)
	})

	st.Graph.Each(func(key model.EdgeKey, e model.Edge) {
		var candidate model.ExeID
		var target model.PairState
		switch e.State() {
		case model.StateOnlyA:
			candidate, target = key.B, model.StateOnlyB
		case model.StateOnlyB:
			candidate, target = key.A, model.StateOnlyA
		default:
			return
		}
		cur, ok := scores.Exe[candidate]
		if !ok || st.Exes.Get(candidate).Running {
			return
		}
		c := p.contribution(st, key, e, target)
		if c != c {
			p.log.Debug("dropping non-finite contribution",
				zap.Uint32("exe", uint32(candidate)))
			return
		}
		scores.Exe[candidate] = cur + c
	})

	for id, s := range scores.Exe {
		scores.Exe[id] = clamp01(s)
	}

	for id, s := range scores.Exe {
		if s <= 0 {
			continue
		}
		st.Index.MapsForExe(id, func(m model.MapID) {
			scores.Map[m] += s
		})
	}
	return scores
}

// base is the usage-frequency prior.
func (p *Predictor) base(exe *model.Exe, modelTime uint64) float32 {
	if modelTime == 0 {
		return baseEpsilon
	}
	b := float32(exe.TotalRunningTime) / float32(modelTime)
	if b < baseEpsilon || b != b {
		return baseEpsilon
	}
	return b
}

// contribution is the transition evidence one edge lends its
// non-running endpoint: the probability of leaving the current state
// within a cycle, times the probability mass of states where the
// candidate runs, damped by co-running correlation.
func (p *Predictor) contribution(st *model.State, key model.EdgeKey, e model.Edge, target model.PairState) float32 {
	state := e.State()
	ttl := e.TTL(state)
	if ttl <= 0 {
		// The edge has never been observed leaving this state.
		return 0
	}
	leave := 1 - fastExpNeg(float32(p.cycle)/ttl)
	mass := e.Prob(state, target) + e.Prob(state, model.StateBoth)
	return leave * mass * p.correlation(st, key, e)
}

// correlation is the absolute phi coefficient of the two endpoints'
// running histories. Indeterminate values fall back to the smallest
// positive normal float, keeping the evidence present but weak.
func (p *Predictor) correlation(st *model.State, key model.EdgeKey, e model.Edge) float32 {
	if !p.useCorrelation {
		return 1
	}
	both := e.BothRunningTime()
	if both == 0 {
		return smallestNormal32
	}
	t := float64(st.ModelTime)
	ra := float64(st.Exes.Get(key.A).TotalRunningTime)
	rb := float64(st.Exes.Get(key.B).TotalRunningTime)
	denom := math.Sqrt(ra * rb * (t - ra) * (t - rb))
	if denom == 0 || denom != denom {
		return smallestNormal32
	}
	phi := (t*float64(both) - ra*rb) / denom
	abs := float32(math.Abs(phi))
	if abs != abs {
		return smallestNormal32
	}
	if abs > 1 {
		abs = 1
	}
	return abs
}

func clamp01(x float32) float32 {
	switch {
	case x != x:
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
