package prefetch

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
	"go.uber.org/zap"
)

// workerCount resolves the configured concurrency: negative means one
// worker per CPU, zero is handled by callers via NoopPrefetcher.
func workerCount(concurrency int) int {
	if concurrency < 0 {
		return runtime.GOMAXPROCS(0)
	}
	if concurrency == 0 {
		return 1
	}
	return concurrency
}

// runPool executes fn for every plan item on a bounded worker pool and
// returns outcomes in plan order. Remaining items are marked skipped
// once ctx is canceled.
func runPool(ctx context.Context, plan *Plan, concurrency int, fn func(Item) Outcome) *Report {
	n := len(plan.Items)
	outcomes := make([]Outcome, n)
	indexes := make(chan int)
	var wg sync.WaitGroup

	workers := workerCount(concurrency)
	if workers > n {
		workers = n
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				outcomes[i] = fn(plan.Items[i])
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case indexes <- i:
				continue
			}
		}
		for j := i; j < n; j++ {
			outcomes[j] = Outcome{
				Item:   plan.Items[j],
				Kind:   OutcomeSkipped,
				Reason: "canceled",
			}
		}
		break feed
	}
	close(indexes)
	wg.Wait()
	return &Report{Outcomes: outcomes}
}

func failureOutcome(item Item, err error) Outcome {
	o := Outcome{Item: item, Kind: OutcomeFailed, Err: err}
	switch {
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOENT):
		o.Failure = FailureMissing
	case errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EACCES):
		o.Failure = FailurePermission
	default:
		o.Failure = FailureIO
	}
	return o
}

// AdvisePrefetcher warms ranges with readahead hints. When the whole
// range is already resident the item is skipped instead of re-advised.
type AdvisePrefetcher struct {
	concurrency int
	log         *zap.Logger
}

// NewAdvisePrefetcher creates the default kernel-hint prefetcher.
func NewAdvisePrefetcher(concurrency int, log *zap.Logger) *AdvisePrefetcher {
	return &AdvisePrefetcher{concurrency: concurrency, log: log.Named("prefetch")}
}

// Run implements Prefetcher.
func (p *AdvisePrefetcher) Run(ctx context.Context, plan *Plan) (*Report, error) {
	return runPool(ctx, plan, p.concurrency, p.fetch), nil
}

func (p *AdvisePrefetcher) fetch(item Item) Outcome {
	f, err := os.Open(item.Path)
	if err != nil {
		return failureOutcome(item, err)
	}
	defer f.Close()
	fd := int(f.Fd())

	if resident(fd, item.Offset, item.Length) {
		return Outcome{Item: item, Kind: OutcomeSkipped, Reason: "resident"}
	}

	if err := unix.Fadvise(fd, int64(item.Offset), int64(item.Length), unix.FADV_WILLNEED); err != nil {
		return failureOutcome(item, err)
	}
	if err := readahead(fd, int64(item.Offset), uintptr(item.Length)); err != nil {
		return failureOutcome(item, err)
	}
	return Outcome{Item: item, Kind: OutcomeOk, Bytes: item.Length}
}

// resident reports whether every page of the range is already in the
// page cache. Probe failures count as not resident.
func resident(fd int, offset, length uint64) bool {
	if length == 0 {
		return true
	}
	pageSize := uint64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	span := length + (offset - aligned)

	data, err := unix.Mmap(fd, int64(aligned), int(span), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return false
	}
	defer unix.Munmap(data)

	vec := make([]byte, (span+pageSize-1)/pageSize)
	if err := mincore(data, vec); err != nil {
		return false
	}
	for _, v := range vec {
		if v&1 == 0 {
			return false
		}
	}
	return true
}

// ReadPrefetcher pulls ranges through plain reads. Fallback for
// filesystems where readahead hints are inert.
type ReadPrefetcher struct {
	concurrency int
	log         *zap.Logger
}

// NewReadPrefetcher creates the read-based fallback prefetcher.
func NewReadPrefetcher(concurrency int, log *zap.Logger) *ReadPrefetcher {
	return &ReadPrefetcher{concurrency: concurrency, log: log.Named("prefetch")}
}

// Run implements Prefetcher.
func (p *ReadPrefetcher) Run(ctx context.Context, plan *Plan) (*Report, error) {
	return runPool(ctx, plan, p.concurrency, p.fetch), nil
}

const readChunk = 1 << 20

func (p *ReadPrefetcher) fetch(item Item) Outcome {
	f, err := os.Open(item.Path)
	if err != nil {
		return failureOutcome(item, err)
	}
	defer f.Close()

	// Hint only; the reads below do the work either way.
	_ = unix.Fadvise(int(f.Fd()), int64(item.Offset), int64(item.Length), unix.FADV_SEQUENTIAL)

	buf := make([]byte, readChunk)
	var total uint64
	remaining := item.Length
	pos := int64(item.Offset)
	for remaining > 0 {
		n := uint64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := f.ReadAt(buf[:n], pos)
		total += uint64(read)
		pos += int64(read)
		remaining -= uint64(read)
		if err == io.EOF {
			break
		}
		if err != nil {
			return failureOutcome(item, err)
		}
	}
	return Outcome{Item: item, Kind: OutcomeOk, Bytes: total}
}

// NoopPrefetcher satisfies the interface without touching the page
// cache. Used when prefetching is configured off and in tests.
type NoopPrefetcher struct{}

// Run implements Prefetcher.
func (NoopPrefetcher) Run(_ context.Context, plan *Plan) (*Report, error) {
	outcomes := make([]Outcome, len(plan.Items))
	for i, item := range plan.Items {
		outcomes[i] = Outcome{Item: item, Kind: OutcomeSkipped, Reason: "disabled"}
	}
	return &Report{Outcomes: outcomes}, nil
}
