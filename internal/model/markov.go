package model

import "math"

// PairState encodes which members of an exe pair are currently running.
type PairState uint8

const (
	StateNeither PairState = 0
	StateOnlyA   PairState = 1
	StateOnlyB   PairState = 2
	StateBoth    PairState = 3
)

// PairStateOf derives the pair state from the two running flags.
func PairStateOf(aRunning, bRunning bool) PairState {
	s := StateNeither
	if aRunning {
		s |= StateOnlyA
	}
	if bRunning {
		s |= StateOnlyB
	}
	return s
}

// EdgeKey identifies an undirected exe pair. A is always the smaller ID.
type EdgeKey struct {
	A ExeID
	B ExeID
}

// NewEdgeKey builds a canonical key. Panics on a self-edge; callers must
// never pair an exe with itself.
func NewEdgeKey(a, b ExeID) EdgeKey {
	if a == b {
		panic("model: self-edge")
	}
	if a > b {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b}
}

const uniformRowProb = 0.25

// MarkovGraph holds the pairwise launch-correlation machines in
// struct-of-arrays layout. All per-edge slices share a common index and
// edges are removed by swapping with the last element.
type MarkovGraph struct {
	keys          []EdgeKey
	states        []PairState
	lastChange    []uint64
	stateLastLeft [][4]uint64
	timeToLeave   [][4]float32
	transProb     [][4][4]float32
	bothRunning   []uint64
	index         map[EdgeKey]int
}

// NewMarkovGraph creates an empty graph.
func NewMarkovGraph() *MarkovGraph {
	return &MarkovGraph{index: make(map[EdgeKey]int)}
}

// Len returns the number of edges.
func (g *MarkovGraph) Len() int {
	return len(g.keys)
}

// Ensure inserts the edge if absent, initialized to the given state at
// time now with uniform transition rows. The second return is true when
// the edge was newly created.
func (g *MarkovGraph) Ensure(key EdgeKey, state PairState, now uint64) (Edge, bool) {
	if i, ok := g.index[key]; ok {
		return Edge{g: g, i: i}, false
	}
	i := len(g.keys)
	g.keys = append(g.keys, key)
	g.states = append(g.states, state)
	g.lastChange = append(g.lastChange, now)
	g.stateLastLeft = append(g.stateLastLeft, [4]uint64{})
	g.timeToLeave = append(g.timeToLeave, [4]float32{})
	var rows [4][4]float32
	for p := range rows {
		for s := range rows[p] {
			rows[p][s] = uniformRowProb
		}
	}
	g.transProb = append(g.transProb, rows)
	g.bothRunning = append(g.bothRunning, 0)
	g.index[key] = i
	return Edge{g: g, i: i}, true
}

// Restore inserts an edge with explicit statistics, as read from a
// snapshot. Replaces any existing edge for key.
func (g *MarkovGraph) Restore(key EdgeKey, state PairState, lastChange uint64, ttl [4]float32, prob [4][4]float32, both uint64) Edge {
	e, created := g.Ensure(key, state, lastChange)
	if !created {
		g.states[e.i] = state
		g.lastChange[e.i] = lastChange
	}
	g.timeToLeave[e.i] = ttl
	g.transProb[e.i] = prob
	g.bothRunning[e.i] = both
	return e
}

// Get returns the edge for key.
func (g *MarkovGraph) Get(key EdgeKey) (Edge, bool) {
	i, ok := g.index[key]
	if !ok {
		return Edge{}, false
	}
	return Edge{g: g, i: i}, true
}

// Remove deletes the edge for key by swapping in the last element.
func (g *MarkovGraph) Remove(key EdgeKey) bool {
	i, ok := g.index[key]
	if !ok {
		return false
	}
	g.removeAt(i)
	return true
}

func (g *MarkovGraph) removeAt(i int) {
	last := len(g.keys) - 1
	delete(g.index, g.keys[i])
	if i != last {
		g.keys[i] = g.keys[last]
		g.states[i] = g.states[last]
		g.lastChange[i] = g.lastChange[last]
		g.stateLastLeft[i] = g.stateLastLeft[last]
		g.timeToLeave[i] = g.timeToLeave[last]
		g.transProb[i] = g.transProb[last]
		g.bothRunning[i] = g.bothRunning[last]
		g.index[g.keys[i]] = i
	}
	g.keys = g.keys[:last]
	g.states = g.states[:last]
	g.lastChange = g.lastChange[:last]
	g.stateLastLeft = g.stateLastLeft[:last]
	g.timeToLeave = g.timeToLeave[:last]
	g.transProb = g.transProb[:last]
	g.bothRunning = g.bothRunning[:last]
}

// RemoveExe deletes every edge touching exe.
func (g *MarkovGraph) RemoveExe(exe ExeID) {
	for i := 0; i < len(g.keys); {
		k := g.keys[i]
		if k.A == exe || k.B == exe {
			g.removeAt(i)
			continue
		}
		i++
	}
}

// Each calls fn for every edge. fn must not add or remove edges.
func (g *MarkovGraph) Each(fn func(EdgeKey, Edge)) {
	for i, k := range g.keys {
		fn(k, Edge{g: g, i: i})
	}
}

// Edge is a view into one pair machine. Valid only until the graph is
// next mutated.
type Edge struct {
	g *MarkovGraph
	i int
}

// Key returns the edge's canonical pair key.
func (e Edge) Key() EdgeKey { return e.g.keys[e.i] }

// State returns the current pair state.
func (e Edge) State() PairState { return e.g.states[e.i] }

// LastChange returns the timestamp of the last state transition.
func (e Edge) LastChange() uint64 { return e.g.lastChange[e.i] }

// StateLastLeft returns when state s was last exited, 0 if never.
func (e Edge) StateLastLeft(s PairState) uint64 {
	return e.g.stateLastLeft[e.i][s]
}

// TTL returns the smoothed dwell time for state s, in seconds.
func (e Edge) TTL(s PairState) float32 {
	return e.g.timeToLeave[e.i][s]
}

// Prob returns the smoothed transition probability from state p to s.
func (e Edge) Prob(p, s PairState) float32 {
	return e.g.transProb[e.i][p][s]
}

// BothRunningTime returns the accumulated seconds both exes ran
// together.
func (e Edge) BothRunningTime() uint64 { return e.g.bothRunning[e.i] }

// AddBothRunning accrues dt seconds of joint running time.
func (e Edge) AddBothRunning(dt uint64) {
	e.g.bothRunning[e.i] += dt
}

// Observe records a transition to state s at time now, smoothing the
// dwell time of the state being left and pulling the left state's
// transition row toward the one-hot vector for s with weight alpha.
// A no-op when s equals the current state.
func (e Edge) Observe(s PairState, now uint64, alpha float32) {
	g, i := e.g, e.i
	p := g.states[i]
	if s == p {
		return
	}

	dwell := float32(now - g.lastChange[i])
	ttl := &g.timeToLeave[i][p]
	*ttl += alpha * (dwell - *ttl)
	if math.IsNaN(float64(*ttl)) {
		*ttl = 0
	}

	row := &g.transProb[i][p]
	for t := range row {
		var target float32
		if PairState(t) == s {
			target = 1
		}
		row[t] += alpha * (target - row[t])
		if math.IsNaN(float64(row[t])) {
			row[t] = uniformRowProb
		}
	}

	g.stateLastLeft[i][p] = now
	g.lastChange[i] = now
	g.states[i] = s
}
