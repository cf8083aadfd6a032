package prefetch

import (
	"context"

	"github.com/lazypower/preheat/internal/model"
)

// Item is one planned prefetch: a file range chosen for warming.
type Item struct {
	Map    model.MapID
	Path   string
	Offset uint64
	Length uint64
}

// Plan is an ordered selection of items fitting the memory budget.
type Plan struct {
	Items []Item
	// TotalKB is the summed item length in KB, never above the budget
	// the planner was given.
	TotalKB  uint64
	BudgetKB uint64
}

// OutcomeKind classifies the result of one prefetch item.
type OutcomeKind uint8

const (
	OutcomeOk OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

// FailureClass distinguishes failed items that need different
// handling.
type FailureClass uint8

const (
	FailureNone FailureClass = iota
	FailureIO
	FailurePermission
	FailureMissing
)

// Outcome is the result of executing one item.
type Outcome struct {
	Item    Item
	Kind    OutcomeKind
	Bytes   uint64
	Reason  string
	Failure FailureClass
	Err     error
}

// Report collects per-item outcomes of one plan execution, in plan
// order.
type Report struct {
	Outcomes []Outcome
}

// BytesPrefetched sums the bytes of successful items.
func (r *Report) BytesPrefetched() uint64 {
	var total uint64
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeOk {
			total += o.Bytes
		}
	}
	return total
}

// Missing returns the items whose files no longer exist.
func (r *Report) Missing() []Item {
	var items []Item
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeFailed && o.Failure == FailureMissing {
			items = append(items, o.Item)
		}
	}
	return items
}

// Errs returns the errors of failed items other than missing files.
func (r *Report) Errs() []error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeFailed && o.Failure != FailureMissing && o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Prefetcher executes a plan and reports each item's outcome.
type Prefetcher interface {
	Run(ctx context.Context, plan *Plan) (*Report, error)
}
