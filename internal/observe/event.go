package observe

import (
	"context"

	"github.com/lazypower/preheat/internal/model"
)

// Event is one entry of a scan's ordered event stream. An ExeSeen for
// an exe always precedes every MapSeen referring to it within the same
// scan.
type Event interface {
	isEvent()
}

// ExeSeen reports a running executable.
type ExeSeen struct {
	Path string
	PID  int
	// Partial is set when the process's map list could not be read
	// completely.
	Partial bool
}

// MapSeen reports a file-backed map segment of a previously reported
// exe.
type MapSeen struct {
	ExePath string
	Seg     model.MapSegment
}

func (ExeSeen) isEvent() {}
func (MapSeen) isEvent() {}

// Observation is one complete scan. BeginTime and EndTime are wall
// seconds; ScanID is strictly increasing across scans from the same
// scanner.
type Observation struct {
	ScanID    uint64
	BeginTime uint64
	EndTime   uint64
	Events    []Event
	Mem       model.MemStat
	// HasMem is false when memory stats could not be read this scan.
	HasMem   bool
	Warnings []error
}

// Scanner produces one complete observation per call. Implementations
// are best-effort: processes dying mid-scan drop events rather than
// fail the scan.
type Scanner interface {
	Scan(ctx context.Context) (*Observation, error)
}
