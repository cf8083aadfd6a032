package observe

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/model"
)

func testUpdater(t *testing.T, minSize uint64) *Updater {
	t.Helper()
	policy := NewPolicy(nil, nil, minSize, 300, 64)
	return NewUpdater(policy, 0, 0.01, zap.NewNop())
}

func scanAt(id, begin uint64, events ...Event) *Observation {
	return &Observation{
		ScanID:    id,
		BeginTime: begin,
		EndTime:   begin,
		Events:    events,
	}
}

func seg(path string, offset, length uint64) model.MapSegment {
	return model.MapSegment{Path: path, Offset: offset, Length: length}
}

func TestApplySingleExeSingleMap(t *testing.T) {
	st := model.NewState(21600)
	u := testUpdater(t, 0)

	obs := scanAt(1, 100,
		ExeSeen{Path: "/a", PID: 100},
		MapSeen{ExePath: "/a", Seg: seg("/a", 0, 4096)},
	)
	if err := u.Apply(st, obs); err != nil {
		t.Fatal(err)
	}

	if st.Exes.Len() != 1 || st.Maps.Len() != 1 {
		t.Fatalf("exes=%d maps=%d, want 1/1", st.Exes.Len(), st.Maps.Len())
	}
	id, ok := st.Exes.IDByPath("/a")
	if !ok {
		t.Fatal("exe /a missing")
	}
	if st.Index.MapCount(id) != 1 {
		t.Errorf("link count = %d, want 1", st.Index.MapCount(id))
	}
	if st.Graph.Len() != 0 {
		t.Errorf("edges = %d with one exe", st.Graph.Len())
	}
	if st.ModelTime != 0 {
		t.Errorf("ModelTime = %d after first scan, want 0", st.ModelTime)
	}
	if !st.Exes.Get(id).Running {
		t.Error("exe not marked running")
	}
}

func TestApplyCoRunningPairBuildsEdge(t *testing.T) {
	st := model.NewState(21600)
	u := testUpdater(t, 0)

	both := func(id, at uint64) *Observation {
		return scanAt(id, at, ExeSeen{Path: "/a"}, ExeSeen{Path: "/b"})
	}
	if err := u.Apply(st, both(1, 100)); err != nil {
		t.Fatal(err)
	}
	if err := u.Apply(st, both(2, 101)); err != nil {
		t.Fatal(err)
	}

	if st.Graph.Len() != 1 {
		t.Fatalf("edges = %d, want 1", st.Graph.Len())
	}
	a, _ := st.Exes.IDByPath("/a")
	b, _ := st.Exes.IDByPath("/b")
	e, ok := st.Graph.Get(model.NewEdgeKey(a, b))
	if !ok {
		t.Fatal("edge (a,b) missing")
	}
	if e.BothRunningTime() != 1 {
		t.Errorf("both_running_time = %d, want 1", e.BothRunningTime())
	}
	if e.State() != model.StateBoth {
		t.Errorf("state = %d, want both", e.State())
	}
	var sum float32
	for s := model.PairState(0); s < 4; s++ {
		sum += e.Prob(model.StateBoth, s)
	}
	if math.Abs(float64(sum)-1) > 1e-3 {
		t.Errorf("both row sums to %v", sum)
	}
	if st.ModelTime != 1 {
		t.Errorf("ModelTime = %d, want 1", st.ModelTime)
	}
	if got := st.Exes.Get(a).TotalRunningTime; got != 1 {
		t.Errorf("total_running_time = %d, want 1", got)
	}
}

func TestApplyActiveWindowPrunesEdges(t *testing.T) {
	st := model.NewState(5)
	u := testUpdater(t, 0)

	if err := u.Apply(st, scanAt(1, 100, ExeSeen{Path: "/a"}, ExeSeen{Path: "/b"})); err != nil {
		t.Fatal(err)
	}
	if st.Graph.Len() != 1 {
		t.Fatalf("edges = %d after first scan, want 1", st.Graph.Len())
	}
	// /b goes unseen for 6s, past the 5s window.
	if err := u.Apply(st, scanAt(2, 106, ExeSeen{Path: "/a"})); err != nil {
		t.Fatal(err)
	}
	if st.Graph.Len() != 0 {
		t.Errorf("edges = %d after aging, want 0", st.Graph.Len())
	}
	b, _ := st.Exes.IDByPath("/b")
	if st.Active.Contains(b) {
		t.Error("/b still in active set")
	}
	if st.Exes.Get(b) == nil {
		t.Error("/b was removed from stores, aging only prunes edges")
	}
}

func TestApplyRunningTimeRequiresContinuousPresence(t *testing.T) {
	st := model.NewState(21600)
	u := testUpdater(t, 0)

	u.Apply(st, scanAt(1, 100, ExeSeen{Path: "/a"}))
	u.Apply(st, scanAt(2, 110))                      // /a gone
	u.Apply(st, scanAt(3, 120, ExeSeen{Path: "/a"})) // back

	a, _ := st.Exes.IDByPath("/a")
	if got := st.Exes.Get(a).TotalRunningTime; got != 0 {
		t.Errorf("total_running_time = %d, want 0 for interrupted presence", got)
	}
	u.Apply(st, scanAt(4, 130, ExeSeen{Path: "/a"}))
	if got := st.Exes.Get(a).TotalRunningTime; got != 10 {
		t.Errorf("total_running_time = %d, want 10", got)
	}
	if got := st.Exes.Get(a).TotalRunningTime; got > st.ModelTime {
		t.Errorf("total_running_time %d exceeds model time %d", got, st.ModelTime)
	}
}

func TestApplyMinSizeRejectsThenReloadAdmits(t *testing.T) {
	st := model.NewState(21600)
	policy := NewPolicy(nil, nil, 100000, 300, 64)
	u := NewUpdater(policy, 0, 0.01, zap.NewNop())

	small := scanAt(1, 100,
		ExeSeen{Path: "/usr/bin/tiny"},
		MapSeen{ExePath: "/usr/bin/tiny", Seg: seg("/usr/bin/tiny", 0, 4096)},
	)
	u.Apply(st, small)
	if st.Exes.Len() != 0 {
		t.Fatalf("undersized exe admitted")
	}

	// Reload drops minsize and flushes the cache.
	policy2 := NewPolicy(nil, nil, 0, 300, 64)
	u2 := NewUpdater(policy2, 0, 0.01, zap.NewNop())
	again := scanAt(2, 120,
		ExeSeen{Path: "/usr/bin/tiny"},
		MapSeen{ExePath: "/usr/bin/tiny", Seg: seg("/usr/bin/tiny", 0, 4096)},
	)
	u2.Apply(st, again)
	if st.Exes.Len() != 1 {
		t.Error("exe not admitted after reload lowered minsize")
	}
}

func TestApplyMapRejectionDoesNotBlockExe(t *testing.T) {
	st := model.NewState(21600)
	policy := NewPolicy(nil, []string{"!/tmp/"}, 0, 300, 64)
	u := NewUpdater(policy, 0, 0.01, zap.NewNop())

	u.Apply(st, scanAt(1, 100,
		ExeSeen{Path: "/usr/bin/app"},
		MapSeen{ExePath: "/usr/bin/app", Seg: seg("/tmp/scratch", 0, 8192)},
		MapSeen{ExePath: "/usr/bin/app", Seg: seg("/usr/bin/app", 0, 4096)},
	))
	if st.Exes.Len() != 1 {
		t.Fatal("exe rejected")
	}
	if st.Maps.Len() != 1 {
		t.Fatalf("maps = %d, want only the admissible one", st.Maps.Len())
	}
	if _, ok := st.Maps.IDByKey(model.MapKey{Path: "/tmp/scratch", Length: 8192}); ok {
		t.Error("denied map interned")
	}
}

func TestApplyTimeMovingBackwardsFails(t *testing.T) {
	st := model.NewState(21600)
	u := testUpdater(t, 0)
	u.Apply(st, scanAt(1, 100, ExeSeen{Path: "/a"}))
	if err := u.Apply(st, scanAt(2, 50)); err == nil {
		t.Error("backwards observation accepted")
	}
}

func TestReapplyRemovesNewlyDeniedMaps(t *testing.T) {
	st := model.NewState(21600)
	u := testUpdater(t, 0)
	u.Apply(st, scanAt(1, 100,
		ExeSeen{Path: "/usr/bin/app"},
		MapSeen{ExePath: "/usr/bin/app", Seg: seg("/opt/lib.so", 0, 4096)},
		MapSeen{ExePath: "/usr/bin/app", Seg: seg("/usr/bin/app", 0, 4096)},
	))

	policy := NewPolicy(nil, []string{"!/opt/"}, 0, 300, 64)
	u2 := NewUpdater(policy, 0, 0.01, zap.NewNop())
	u2.Reapply(st, 200)

	if st.Maps.Len() != 1 {
		t.Fatalf("maps = %d after reapply, want 1", st.Maps.Len())
	}
	if st.Exes.Len() != 1 {
		t.Errorf("exe with a surviving map was purged")
	}
}

func TestAlphaForHalfLifeOverridesDecay(t *testing.T) {
	policy := NewPolicy(nil, nil, 0, 300, 64)
	u := NewUpdater(policy, 10, 0.5, zap.NewNop())
	// One half-life elapsed: alpha = 1 - 2^-1 = 0.5.
	if got := u.alphaFor(10); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("alphaFor(10) = %v, want 0.5", got)
	}
	if got := u.alphaFor(0); got != 0 {
		t.Errorf("alphaFor(0) = %v, want 0", got)
	}

	u = NewUpdater(policy, 0, 0.01, zap.NewNop())
	want := 1 - math.Exp(-0.01*20)
	if got := u.alphaFor(20); math.Abs(float64(got)-want) > 1e-6 {
		t.Errorf("alphaFor(20) = %v, want %v", got, want)
	}
}
