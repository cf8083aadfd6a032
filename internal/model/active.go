package model

// ActiveSet tracks the exes seen running within the active window.
// Only members may carry Markov edges.
type ActiveSet struct {
	lastSeen map[ExeID]uint64
	window   uint64
}

// NewActiveSet creates a set with the given window in seconds.
func NewActiveSet(window uint64) *ActiveSet {
	return &ActiveSet{
		lastSeen: make(map[ExeID]uint64),
		window:   window,
	}
}

// SetWindow changes the aging window. Takes effect on the next Prune.
func (a *ActiveSet) SetWindow(window uint64) {
	a.window = window
}

// Update marks exe as seen running at time now.
func (a *ActiveSet) Update(exe ExeID, now uint64) {
	a.lastSeen[exe] = now
}

// Contains reports membership.
func (a *ActiveSet) Contains(exe ExeID) bool {
	_, ok := a.lastSeen[exe]
	return ok
}

// Len returns the number of members.
func (a *ActiveSet) Len() int {
	return len(a.lastSeen)
}

// Remove drops exe from the set.
func (a *ActiveSet) Remove(exe ExeID) {
	delete(a.lastSeen, exe)
}

// Prune evicts members not seen within the window and returns them.
func (a *ActiveSet) Prune(now uint64) []ExeID {
	var evicted []ExeID
	for exe, seen := range a.lastSeen {
		if now-seen > a.window {
			delete(a.lastSeen, exe)
			evicted = append(evicted, exe)
		}
	}
	return evicted
}

// Each calls fn for every member.
func (a *ActiveSet) Each(fn func(ExeID)) {
	for exe := range a.lastSeen {
		fn(exe)
	}
}

// IDs returns the members in unspecified order.
func (a *ActiveSet) IDs() []ExeID {
	ids := make([]ExeID, 0, len(a.lastSeen))
	for exe := range a.lastSeen {
		ids = append(ids, exe)
	}
	return ids
}
