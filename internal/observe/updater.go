package observe

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/model"
)

// Updater applies complete observations to the model. A scan is
// aggregated first and applied second, so a failed or rejected event
// never leaves the stores half-updated.
type Updater struct {
	policy   *Policy
	halfLife float64
	decay    float64
	log      *zap.Logger
}

// NewUpdater creates an updater. halfLife in seconds takes precedence
// over decay when nonzero.
func NewUpdater(policy *Policy, halfLife, decay float64, log *zap.Logger) *Updater {
	return &Updater{
		policy:   policy,
		halfLife: halfLife,
		decay:    decay,
		log:      log.Named("updater"),
	}
}

// alphaFor derives the smoothing weight for an elapsed interval of dt
// seconds.
func (u *Updater) alphaFor(dt uint64) float32 {
	if dt == 0 {
		return 0
	}
	if u.halfLife > 0 {
		return float32(1 - math.Exp2(-float64(dt)/u.halfLife))
	}
	return float32(1 - math.Exp(-u.decay*float64(dt)))
}

type exeAgg struct {
	path        string
	partial     bool
	segs        []model.MapSegment
	mappedBytes uint64
}

// Apply folds one observation into the state. Admission runs during
// aggregation; the mutation pass cannot fail short of a broken
// invariant.
func (u *Updater) Apply(st *model.State, obs *Observation) error {
	now := obs.BeginTime
	var dt uint64
	if st.LastAccounting != 0 {
		if now < st.LastAccounting {
			return fmt.Errorf("observation time moved backwards: %d < %d", now, st.LastAccounting)
		}
		dt = now - st.LastAccounting
	}

	// Aggregate: collect per-exe segments in event order, then decide
	// admission with the mapped-byte totals in hand.
	order := make([]string, 0, 32)
	aggs := make(map[string]*exeAgg, 32)
	for _, ev := range obs.Events {
		switch e := ev.(type) {
		case ExeSeen:
			a, ok := aggs[e.Path]
			if !ok {
				a = &exeAgg{path: e.Path}
				aggs[e.Path] = a
				order = append(order, e.Path)
			}
			a.partial = a.partial || e.Partial
		case MapSeen:
			a, ok := aggs[e.ExePath]
			if !ok {
				continue
			}
			a.mappedBytes += e.Seg.Length
			if u.policy.AcceptMap(e.Seg.Path, now).Admit {
				a.segs = append(a.segs, e.Seg)
			}
		}
	}

	running := make(map[model.ExeID]*exeAgg, len(order))
	for _, path := range order {
		a := aggs[path]
		if _, known := st.Exes.IDByPath(path); !known {
			if d := u.policy.AcceptExe(path, a.mappedBytes, now); !d.Admit {
				u.log.Debug("exe rejected",
					zap.String("path", path),
					zap.Stringer("reason", d.Reason))
				continue
			}
		}
		running[st.Exes.Intern(path, now)] = a
	}

	// Apply.
	st.ModelTime += dt
	st.LastAccounting = now

	for id, a := range running {
		exe := st.Exes.Get(id)
		wasRunning := exe.Running
		exe.UpdateTime = now
		exe.LastSeenTime = now
		exe.Partial = a.partial
		if !exe.Running {
			exe.Running = true
			exe.ChangeTime = now
		}
		if wasRunning {
			exe.TotalRunningTime += dt
			if exe.TotalRunningTime > st.ModelTime {
				exe.TotalRunningTime = st.ModelTime
			}
		}
		for _, seg := range a.segs {
			seg.UpdateTime = now
			mid, _ := st.Maps.Intern(seg)
			st.Link(id, mid)
		}
	}

	st.Exes.Each(func(exe *model.Exe) {
		if _, ok := running[exe.ID]; ok {
			return
		}
		if exe.Running {
			exe.Running = false
			exe.ChangeTime = now
		}
	})

	for id := range running {
		st.Active.Update(id, now)
	}
	for _, evicted := range st.Active.Prune(now) {
		st.Graph.RemoveExe(evicted)
	}

	st.EnsureEdges(st.Active.IDs(), now)

	alpha := u.alphaFor(dt)
	st.Graph.Each(func(key model.EdgeKey, e model.Edge) {
		a := st.Exes.Get(key.A)
		b := st.Exes.Get(key.B)
		s := model.PairStateOf(a.Running, b.Running)
		e.Observe(s, now, alpha)
		if s == model.StateBoth {
			e.AddBothRunning(dt)
		}
	})

	return nil
}

// Reapply re-runs admission over everything already in the state,
// removing what the current rules no longer allow. Called after a
// config reload, once the rejection cache has been flushed.
func (u *Updater) Reapply(st *model.State, now uint64) {
	var dropMaps []model.MapID
	st.Maps.Each(func(id model.MapID, seg *model.MapSegment) {
		if !u.policy.AcceptMap(seg.Path, now).Admit {
			dropMaps = append(dropMaps, id)
		}
	})
	for _, id := range dropMaps {
		st.PurgeMap(id)
	}

	var dropExes []model.ExeID
	st.Exes.Each(func(exe *model.Exe) {
		if !u.policy.AcceptExe(exe.Path, st.MappedBytes(exe.ID), now).Admit {
			dropExes = append(dropExes, exe.ID)
		}
	})
	for _, id := range dropExes {
		if exe := st.Exes.Get(id); exe != nil {
			u.log.Info("exe evicted by reload", zap.String("path", exe.Path))
			st.PurgeExe(id)
		}
	}
}
