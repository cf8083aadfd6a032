package predict

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/model"
)

func TestFastExpNeg(t *testing.T) {
	for _, x := range []float32{0, 0.001, 0.1, 0.5, 1, 2, 5, 10, 20, 50, 80} {
		want := math.Exp(-float64(x))
		got := float64(fastExpNeg(x))
		if want == 0 {
			if got != 0 {
				t.Errorf("fastExpNeg(%v) = %v, want 0", x, got)
			}
			continue
		}
		if rel := math.Abs(got-want) / want; rel > 1e-4 {
			t.Errorf("fastExpNeg(%v) = %v, want %v (rel err %v)", x, got, want, rel)
		}
	}
	if got := fastExpNeg(100); got != 0 {
		t.Errorf("fastExpNeg(100) = %v, want underflow to 0", got)
	}
	if got := fastExpNeg(-1); got != 1 {
		t.Errorf("fastExpNeg(-1) = %v, want 1", got)
	}
	if got := fastExpNeg(float32(math.NaN())); got == got {
		t.Errorf("fastExpNeg(NaN) = %v, want NaN", got)
	}
}

func TestSmallestNormal(t *testing.T) {
	if smallestNormal32 != 1.17549435e-38 {
		t.Errorf("smallestNormal32 = %g", smallestNormal32)
	}
	if math.Float32bits(smallestNormal32) != 0x00800000 {
		t.Errorf("bits = %#x", math.Float32bits(smallestNormal32))
	}
}

func newPredictor(useCorrelation bool) *Predictor {
	return New(useCorrelation, 20, zap.NewNop())
}

func TestPredictBaseOnly(t *testing.T) {
	st := model.NewState(21600)
	a := st.Exes.Intern("/a", 0)
	st.ModelTime = 100
	st.Exes.Get(a).TotalRunningTime = 25

	scores := newPredictor(false).Predict(st)
	if got := scores.Exe[a]; got != 0.25 {
		t.Errorf("score = %v, want 0.25", got)
	}
}

func TestPredictBaseFloor(t *testing.T) {
	st := model.NewState(21600)
	a := st.Exes.Intern("/a", 0)
	st.ModelTime = 1000

	scores := newPredictor(false).Predict(st)
	if got := scores.Exe[a]; got != baseEpsilon {
		t.Errorf("score = %v, want epsilon floor %v", got, baseEpsilon)
	}
}

func TestPredictRunningExeScoresZero(t *testing.T) {
	st := model.NewState(21600)
	a := st.Exes.Intern("/a", 0)
	st.Exes.Get(a).Running = true
	st.Exes.Get(a).TotalRunningTime = 50
	st.ModelTime = 100

	scores := newPredictor(false).Predict(st)
	if got := scores.Exe[a]; got != 0 {
		t.Errorf("running exe score = %v, want 0", got)
	}
}

// edgePair sets up a running exe /f and a candidate /e with one edge
// in state only_A (f is the smaller id and currently running). The
// edge carries a smoothed dwell time of one cycle for only_A and
// uniform transition rows.
func edgePair(t *testing.T) (*model.State, model.ExeID, model.ExeID, model.Edge) {
	t.Helper()
	st := model.NewState(21600)
	f := st.Exes.Intern("/f", 0)
	e := st.Exes.Intern("/e", 0)
	st.Exes.Get(f).Running = true
	st.Active.Update(f, 0)
	st.Active.Update(e, 0)
	st.ModelTime = 1000
	st.Exes.Get(f).TotalRunningTime = 500
	st.Exes.Get(e).TotalRunningTime = 100

	var ttl [4]float32
	ttl[model.StateOnlyA] = 20
	var prob [4][4]float32
	for p := range prob {
		for s := range prob[p] {
			prob[p][s] = 0.25
		}
	}
	edge := st.Graph.Restore(model.NewEdgeKey(f, e), model.StateOnlyA, 0, ttl, prob, 0)
	return st, f, e, edge
}

// leaveWeight is 1 - exp(-cycle/ttl) for the edgePair fixture, where
// both are 20 seconds.
func leaveWeight() float64 { return 1 - math.Exp(-1) }

func TestPredictMarkovContribution(t *testing.T) {
	st, _, e, edge := edgePair(t)
	scores := newPredictor(false).Predict(st)

	// Uniform rows: mass = P(only_B) + P(both) = 0.5; base = 100/1000.
	want := 0.1 + leaveWeight()*0.5
	if got := scores.Exe[e]; math.Abs(float64(got)-want) > 1e-4 {
		t.Errorf("score = %v, want %v", got, want)
	}
	_ = edge
}

func TestPredictFreshEdgeNoEvidence(t *testing.T) {
	st := model.NewState(21600)
	f := st.Exes.Intern("/f", 0)
	e := st.Exes.Intern("/e", 0)
	st.Exes.Get(f).Running = true
	st.ModelTime = 1000
	st.Exes.Get(e).TotalRunningTime = 100
	st.Graph.Ensure(model.NewEdgeKey(f, e), model.StateOnlyA, 0)

	// A just-created edge has zero dwell time, so it lends nothing
	// beyond the base score.
	scores := newPredictor(false).Predict(st)
	if got := scores.Exe[e]; got != 0.1 {
		t.Errorf("score = %v, want base only", got)
	}
}

func TestPredictCorrelationFallback(t *testing.T) {
	st, _, e, _ := edgePair(t)
	scores := New(true, 20, zap.NewNop()).Predict(st)

	// both_running_time is 0, so the Markov term is damped to nearly
	// nothing and the base dominates.
	got := scores.Exe[e]
	if math.Abs(float64(got-0.1)) > 1e-6 {
		t.Errorf("score = %v, want ~0.1 with dampened markov term", got)
	}
}

func TestPredictCorrelationWeighsEvidence(t *testing.T) {
	st, f, e, edge := edgePair(t)
	edge.AddBothRunning(100)
	scores := New(true, 20, zap.NewNop()).Predict(st)

	t64 := 1000.0
	ra := 500.0
	rb := 100.0
	phi := (t64*100 - ra*rb) / math.Sqrt(ra*rb*(t64-ra)*(t64-rb))
	want := 0.1 + leaveWeight()*0.5*math.Abs(phi)
	if got := scores.Exe[e]; math.Abs(float64(got)-want) > 1e-4 {
		t.Errorf("score = %v, want %v", got, want)
	}
	_ = f
}

func TestPredictScoreClamped(t *testing.T) {
	st, _, e, _ := edgePair(t)
	st.Exes.Get(e).TotalRunningTime = 900
	scores := newPredictor(false).Predict(st)
	if got := scores.Exe[e]; got != 1 {
		t.Errorf("score = %v, want clamp to 1", got)
	}
}

func TestPredictMapScoreSumsOwners(t *testing.T) {
	st := model.NewState(21600)
	a := st.Exes.Intern("/a", 0)
	b := st.Exes.Intern("/b", 0)
	st.ModelTime = 100
	st.Exes.Get(a).TotalRunningTime = 30
	st.Exes.Get(b).TotalRunningTime = 20
	shared, _ := st.Maps.Intern(model.MapSegment{Path: "/lib/libc.so", Length: 4096})
	st.Link(a, shared)
	st.Link(b, shared)

	scores := newPredictor(false).Predict(st)
	if got := scores.Map[shared]; math.Abs(float64(got-0.5)) > 1e-6 {
		t.Errorf("map score = %v, want 0.5", got)
	}
}

func TestPredictNoEdgeNoContribution(t *testing.T) {
	st := model.NewState(21600)
	f := st.Exes.Intern("/f", 0)
	e := st.Exes.Intern("/e", 0)
	st.Exes.Get(f).Running = true
	st.ModelTime = 100
	st.Exes.Get(e).TotalRunningTime = 10

	scores := newPredictor(false).Predict(st)
	if got := scores.Exe[e]; got != 0.1 {
		t.Errorf("score = %v, want base only", got)
	}
}
