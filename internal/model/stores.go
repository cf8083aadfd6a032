package model

// State is the complete in-memory model: exe and map stores, their
// relation, the pair graph, and the active set. All mutation goes
// through it so cross-store invariants hold after every call.
type State struct {
	Exes   *ExeStore
	Maps   *MapStore
	Index  *ExeMapIndex
	Graph  *MarkovGraph
	Active *ActiveSet

	// ModelTime is the accumulated observed seconds across all runs.
	ModelTime uint64
	// LastAccounting is the ObsBegin timestamp of the last completed
	// scan, 0 before the first.
	LastAccounting uint64
}

// NewState creates an empty model with the given active window.
func NewState(activeWindow uint64) *State {
	return &State{
		Exes:   NewExeStore(),
		Maps:   NewMapStore(),
		Index:  NewExeMapIndex(),
		Graph:  NewMarkovGraph(),
		Active: NewActiveSet(activeWindow),
	}
}

// Link attaches a map segment to an exe.
func (st *State) Link(exe ExeID, m MapID) {
	st.Index.Attach(exe, m)
}

// Unlink detaches one exe/map pair and drops the segment when no owner
// remains.
func (st *State) Unlink(exe ExeID, m MapID) {
	st.Index.Detach(exe, m)
	if len(st.Index.mapToExes[m]) == 0 {
		st.Maps.Remove(m)
	}
}

// PurgeExe removes an exe and everything hanging off it: its edges, its
// index entries, and any map segments left without an owner.
func (st *State) PurgeExe(exe ExeID) {
	st.Graph.RemoveExe(exe)
	st.Active.Remove(exe)
	for _, orphan := range st.Index.RemoveExe(exe) {
		st.Maps.Remove(orphan)
	}
	st.Exes.Remove(exe)
}

// PurgeMap removes a map segment everywhere. Owning exes that end up
// with no segments are purged too, and the purged exe IDs returned.
func (st *State) PurgeMap(m MapID) []ExeID {
	var owners []ExeID
	st.Index.ExesForMap(m, func(exe ExeID) {
		owners = append(owners, exe)
	})
	st.Index.RemoveMap(m)
	st.Maps.Remove(m)

	var purged []ExeID
	for _, exe := range owners {
		if st.Index.MapCount(exe) == 0 {
			st.PurgeExe(exe)
			purged = append(purged, exe)
		}
	}
	return purged
}

// MappedBytes returns the total length in bytes of every segment
// attached to exe.
func (st *State) MappedBytes(exe ExeID) uint64 {
	var total uint64
	st.Index.MapsForExe(exe, func(m MapID) {
		if seg := st.Maps.Get(m); seg != nil {
			total += seg.Length
		}
	})
	return total
}

// EnsureEdges creates any missing edges among the given exes, each
// initialized from the exes' current running flags at time now. All
// exes must already be interned.
func (st *State) EnsureEdges(exes []ExeID, now uint64) {
	for i := 0; i < len(exes); i++ {
		for j := i + 1; j < len(exes); j++ {
			a, b := exes[i], exes[j]
			if a == b {
				continue
			}
			key := NewEdgeKey(a, b)
			ea, eb := st.Exes.Get(key.A), st.Exes.Get(key.B)
			st.Graph.Ensure(key, PairStateOf(ea.Running, eb.Running), now)
		}
	}
}
