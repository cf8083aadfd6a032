package model

// ExeMapIndex is the many-to-many relation between exes and map
// segments. Both directions are kept consistent; neither side may hold
// a dangling ID.
type ExeMapIndex struct {
	exeToMaps map[ExeID]map[MapID]struct{}
	mapToExes map[MapID]map[ExeID]struct{}
}

// NewExeMapIndex creates an empty index.
func NewExeMapIndex() *ExeMapIndex {
	return &ExeMapIndex{
		exeToMaps: make(map[ExeID]map[MapID]struct{}),
		mapToExes: make(map[MapID]map[ExeID]struct{}),
	}
}

// Attach links exe and map. Attaching an existing pair is a no-op.
func (x *ExeMapIndex) Attach(exe ExeID, m MapID) {
	maps, ok := x.exeToMaps[exe]
	if !ok {
		maps = make(map[MapID]struct{})
		x.exeToMaps[exe] = maps
	}
	maps[m] = struct{}{}

	exes, ok := x.mapToExes[m]
	if !ok {
		exes = make(map[ExeID]struct{})
		x.mapToExes[m] = exes
	}
	exes[exe] = struct{}{}
}

// Detach unlinks a single exe/map pair.
func (x *ExeMapIndex) Detach(exe ExeID, m MapID) {
	if maps, ok := x.exeToMaps[exe]; ok {
		delete(maps, m)
		if len(maps) == 0 {
			delete(x.exeToMaps, exe)
		}
	}
	if exes, ok := x.mapToExes[m]; ok {
		delete(exes, exe)
		if len(exes) == 0 {
			delete(x.mapToExes, m)
		}
	}
}

// RemoveExe unlinks every map of exe and returns the maps left with no
// remaining owner.
func (x *ExeMapIndex) RemoveExe(exe ExeID) []MapID {
	maps, ok := x.exeToMaps[exe]
	if !ok {
		return nil
	}
	delete(x.exeToMaps, exe)

	var orphans []MapID
	for m := range maps {
		exes := x.mapToExes[m]
		delete(exes, exe)
		if len(exes) == 0 {
			delete(x.mapToExes, m)
			orphans = append(orphans, m)
		}
	}
	return orphans
}

// RemoveMap unlinks every exe of m.
func (x *ExeMapIndex) RemoveMap(m MapID) {
	exes, ok := x.mapToExes[m]
	if !ok {
		return
	}
	delete(x.mapToExes, m)
	for exe := range exes {
		maps := x.exeToMaps[exe]
		delete(maps, m)
		if len(maps) == 0 {
			delete(x.exeToMaps, exe)
		}
	}
}

// MapsForExe calls fn for every map linked to exe.
func (x *ExeMapIndex) MapsForExe(exe ExeID, fn func(MapID)) {
	for m := range x.exeToMaps[exe] {
		fn(m)
	}
}

// ExesForMap calls fn for every exe linked to m.
func (x *ExeMapIndex) ExesForMap(m MapID, fn func(ExeID)) {
	for exe := range x.mapToExes[m] {
		fn(exe)
	}
}

// MapCount returns the number of maps linked to exe.
func (x *ExeMapIndex) MapCount(exe ExeID) int {
	return len(x.exeToMaps[exe])
}
