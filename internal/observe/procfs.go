package observe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/model"
)

// mapRescanInterval controls how often a cached process's map list is
// re-read, in scans.
const mapRescanInterval = 5

type procCacheEntry struct {
	starttime uint64
	exePath   string
	partial   bool
	segs      []model.MapSegment
	lastMaps  uint64
	seen      uint64
}

// ProcScanner walks /proc and emits one observation per Scan call.
// Map lists are cached per pid+starttime and refreshed every
// mapRescanInterval scans; a replaced pid invalidates its entry.
type ProcScanner struct {
	fs     procfs.FS
	scanID uint64
	cache  map[int]*procCacheEntry
	log    *zap.Logger
}

// NewProcScanner opens the default /proc mount.
func NewProcScanner(log *zap.Logger) (*ProcScanner, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcScanner{
		fs:    fs,
		cache: make(map[int]*procCacheEntry),
		log:   log.Named("scanner"),
	}, nil
}

// Scan implements Scanner.
func (s *ProcScanner) Scan(ctx context.Context) (*Observation, error) {
	s.scanID++
	obs := &Observation{
		ScanID:    s.scanID,
		BeginTime: uint64(time.Now().Unix()),
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := s.observeProc(p)
		if entry == nil {
			continue
		}
		entry.seen = s.scanID
		obs.Events = append(obs.Events, ExeSeen{
			Path:    entry.exePath,
			PID:     p.PID,
			Partial: entry.partial,
		})
		for _, seg := range entry.segs {
			obs.Events = append(obs.Events, MapSeen{ExePath: entry.exePath, Seg: seg})
		}
	}

	for pid, entry := range s.cache {
		if entry.seen != s.scanID {
			delete(s.cache, pid)
		}
	}

	if mem, err := s.readMemStat(); err != nil {
		obs.Warnings = append(obs.Warnings, fmt.Errorf("read memory stats: %w", err))
	} else {
		obs.Mem = mem
		obs.HasMem = true
	}

	obs.EndTime = uint64(time.Now().Unix())
	return obs, nil
}

// observeProc resolves one process, reusing its cached map list when
// still fresh. Returns nil for processes to skip; dying processes are
// dropped silently.
func (s *ProcScanner) observeProc(p procfs.Proc) *procCacheEntry {
	stat, err := p.Stat()
	if err != nil {
		return nil
	}
	entry, ok := s.cache[p.PID]
	if ok && entry.starttime == stat.Starttime {
		if s.scanID-entry.lastMaps >= mapRescanInterval {
			s.readMaps(p, entry)
		}
		return entry
	}

	exe, err := p.Executable()
	if err != nil {
		return nil
	}
	path, ok := sanitizePath(exe)
	if !ok {
		return nil
	}
	entry = &procCacheEntry{starttime: stat.Starttime, exePath: path}
	s.readMaps(p, entry)
	s.cache[p.PID] = entry
	return entry
}

// readMaps refreshes the entry's file-backed segment list.
func (s *ProcScanner) readMaps(p procfs.Proc, entry *procCacheEntry) {
	entry.lastMaps = s.scanID
	maps, err := p.ProcMaps()
	if err != nil {
		entry.partial = true
		entry.segs = nil
		return
	}
	entry.partial = false
	entry.segs = entry.segs[:0]
	for _, m := range maps {
		path, ok := sanitizePath(m.Pathname)
		if !ok {
			continue
		}
		length := uint64(m.EndAddr) - uint64(m.StartAddr)
		if length == 0 {
			continue
		}
		entry.segs = append(entry.segs, model.MapSegment{
			Path:   path,
			Offset: uint64(m.Offset),
			Length: length,
			Device: uint64(m.Dev),
			Inode:  m.Inode,
		})
	}
}

// sanitizePath normalizes a procfs-reported path. Only absolute
// file-backed paths survive; " (deleted)" markers and prelink
// temporaries are stripped or dropped.
func sanitizePath(path string) (string, bool) {
	path = strings.TrimSuffix(path, " (deleted)")
	if i := strings.Index(path, ".#prelink#."); i >= 0 {
		path = path[:i]
	}
	if path == "" || path[0] != '/' {
		return "", false
	}
	return path, true
}

// readMemStat combines meminfo with the paging counters from vmstat.
func (s *ProcScanner) readMemStat() (model.MemStat, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return model.MemStat{}, err
	}
	kb := func(v *uint64) uint64 {
		if v == nil {
			return 0
		}
		return *v
	}
	stat := model.MemStat{
		Total:     kb(mi.MemTotal),
		Available: kb(mi.MemAvailable),
		Free:      kb(mi.MemFree),
		Cached:    kb(mi.Cached),
	}
	// vmstat has no parser in the procfs library, so pgpgin/pgpgout
	// are read directly. Their absence is not an error.
	if in, out, err := readPaging("/proc/vmstat"); err == nil {
		stat.PageIn = in
		stat.PageOut = out
	} else {
		s.log.Debug("vmstat unavailable", zap.Error(err))
	}
	return stat, nil
}

func readPaging(path string) (in, out int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		switch name {
		case "pgpgin":
			in, _ = strconv.ParseInt(value, 10, 64)
		case "pgpgout":
			out, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	return in, out, sc.Err()
}
