package prefetch

import (
	"fmt"
	"sort"

	"github.com/lazypower/preheat/internal/model"
	"github.com/lazypower/preheat/internal/predict"
)

// SortStrategy selects the tie-break order among equally scored maps.
type SortStrategy uint8

const (
	SortNone SortStrategy = iota
	SortPath
	SortBlock
	SortInode
)

// ParseSortStrategy maps a config string to a strategy.
func ParseSortStrategy(s string) (SortStrategy, error) {
	switch s {
	case "", "none":
		return SortNone, nil
	case "path":
		return SortPath, nil
	case "block":
		return SortBlock, nil
	case "inode":
		return SortInode, nil
	}
	return 0, fmt.Errorf("unknown sort strategy %q", s)
}

func (s SortStrategy) String() string {
	switch s {
	case SortPath:
		return "path"
	case SortBlock:
		return "block"
	case SortInode:
		return "inode"
	default:
		return "none"
	}
}

// Planner turns scored maps into a budgeted plan.
type Planner struct {
	memTotalPct int
	memAvailPct int
	strategy    SortStrategy
}

// NewPlanner creates a planner. The percent weights are each in
// [-100, 100]; negative weights subtract from the budget.
func NewPlanner(memTotalPct, memAvailPct int, strategy SortStrategy) *Planner {
	return &Planner{
		memTotalPct: memTotalPct,
		memAvailPct: memAvailPct,
		strategy:    strategy,
	}
}

// BudgetKB computes the prefetch budget from current memory stats,
// clamped to [0, mem_available].
func (p *Planner) BudgetKB(mem model.MemStat) uint64 {
	budget := int64(p.memTotalPct)*int64(mem.Total)/100 +
		int64(p.memAvailPct)*int64(mem.Available)/100
	if budget < 0 {
		return 0
	}
	if uint64(budget) > mem.Available {
		return mem.Available
	}
	return uint64(budget)
}

type planItem struct {
	id     model.MapID
	score  float32
	path   string
	offset uint64
	length uint64
	device uint64
	inode  uint64
}

// Build filters, sorts, and greedily selects scored maps within the
// budget. Selection stops at the first item that would exceed it.
func (p *Planner) Build(st *model.State, scores *predict.Scores, mem model.MemStat) *Plan {
	budget := p.BudgetKB(mem)

	items := make([]planItem, 0, len(scores.Map))
	for id, score := range scores.Map {
		if !(score > 0) {
			continue
		}
		seg := st.Maps.Get(id)
		if seg == nil {
			continue
		}
		items = append(items, planItem{
			id:     id,
			score:  score,
			path:   seg.Path,
			offset: seg.Offset,
			length: seg.Length,
			device: seg.Device,
			inode:  seg.Inode,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return p.less(items[i], items[j])
	})

	plan := &Plan{BudgetKB: budget}
	for _, it := range items {
		kb := (it.length + 1023) / 1024
		if plan.TotalKB+kb > budget {
			break
		}
		plan.Items = append(plan.Items, Item{
			Map:    it.id,
			Path:   it.path,
			Offset: it.offset,
			Length: it.length,
		})
		plan.TotalKB += kb
	}
	return plan
}

// less orders by score descending under a total order: NaN scores sort
// last, ties fall to the configured strategy, and every comparison
// bottoms out at the map ID so the result is deterministic.
func (p *Planner) less(a, b planItem) bool {
	an, bn := a.score != a.score, b.score != b.score
	if an != bn {
		return bn
	}
	if !an && a.score != b.score {
		return a.score > b.score
	}
	return p.tieLess(a, b)
}

func (p *Planner) tieLess(a, b planItem) bool {
	switch p.strategy {
	case SortPath:
		if a.path != b.path {
			return a.path < b.path
		}
	case SortBlock:
		ka, aok := blockKey(a)
		kb, bok := blockKey(b)
		if aok && bok && ka != kb {
			return lessKey(ka, kb)
		}
		if aok != bok {
			return aok
		}
	case SortInode:
		if a.inode != 0 && b.inode != 0 && a.inode != b.inode {
			return a.inode < b.inode
		}
		if (a.inode != 0) != (b.inode != 0) {
			return a.inode != 0
		}
	}
	return a.id < b.id
}

// blockKey approximates on-disk placement with (device, inode,
// offset). Items without device metadata fall back to ID order.
func blockKey(it planItem) ([3]uint64, bool) {
	if it.device == 0 {
		return [3]uint64{}, false
	}
	return [3]uint64{it.device, it.inode, it.offset}, true
}

func lessKey(a, b [3]uint64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
