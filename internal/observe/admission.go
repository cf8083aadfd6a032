package observe

import "strings"

// RejectReason classifies why admission turned a subject away.
type RejectReason uint8

const (
	RejectPrefix RejectReason = iota + 1
	RejectTooSmall
)

func (r RejectReason) String() string {
	switch r {
	case RejectPrefix:
		return "prefix"
	case RejectTooSmall:
		return "too-small"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Admit  bool
	Reason RejectReason
}

var admitted = Decision{Admit: true}

// Rule is one parsed prefix entry. Deny entries are written with a
// leading "!", allow entries with an optional leading "+".
type Rule struct {
	Prefix string
	Deny   bool
}

// ParseRules converts configured prefix strings into rules.
func ParseRules(entries []string) []Rule {
	rules := make([]Rule, 0, len(entries))
	for _, e := range entries {
		switch {
		case strings.HasPrefix(e, "!"):
			rules = append(rules, Rule{Prefix: e[1:], Deny: true})
		case strings.HasPrefix(e, "+"):
			rules = append(rules, Rule{Prefix: e[1:]})
		default:
			rules = append(rules, Rule{Prefix: e})
		}
	}
	return rules
}

// matchRules resolves a path against a rule list. The longest matching
// prefix wins; a deny beats an allow of equal length; with no match
// the path is admitted.
func matchRules(rules []Rule, path string) bool {
	bestLen := -1
	deny := false
	for _, r := range rules {
		if !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		n := len(r.Prefix)
		if n > bestLen {
			bestLen = n
			deny = r.Deny
		} else if n == bestLen && r.Deny {
			deny = true
		}
	}
	return !deny
}

// Policy decides which exes and maps enter the model. Rejections are
// remembered in a TTL-and-capacity-bounded cache so repeat offenders
// skip rule evaluation.
type Policy struct {
	exeRules []Rule
	mapRules []Rule
	minSize  uint64
	cache    *rejectionCache
}

// NewPolicy builds a policy from configured prefix lists. ttl is in
// seconds; capacity bounds the rejection cache.
func NewPolicy(exePrefixes, mapPrefixes []string, minSize uint64, ttl uint64, capacity int) *Policy {
	return &Policy{
		exeRules: ParseRules(exePrefixes),
		mapRules: ParseRules(mapPrefixes),
		minSize:  minSize,
		cache:    newRejectionCache(ttl, capacity),
	}
}

// AcceptExe decides admission for an executable given the total bytes
// of its observed file-backed maps.
func (p *Policy) AcceptExe(path string, mappedBytes uint64, now uint64) Decision {
	if reason, ok := p.cache.lookup("x:"+path, now); ok {
		return Decision{Reason: reason}
	}
	if !matchRules(p.exeRules, path) {
		p.cache.insert("x:"+path, RejectPrefix, now)
		return Decision{Reason: RejectPrefix}
	}
	if mappedBytes < p.minSize {
		p.cache.insert("x:"+path, RejectTooSmall, now)
		return Decision{Reason: RejectTooSmall}
	}
	return admitted
}

// AcceptMap decides admission for a map segment path.
func (p *Policy) AcceptMap(path string, now uint64) Decision {
	if reason, ok := p.cache.lookup("m:"+path, now); ok {
		return Decision{Reason: reason}
	}
	if !matchRules(p.mapRules, path) {
		p.cache.insert("m:"+path, RejectPrefix, now)
		return Decision{Reason: RejectPrefix}
	}
	return admitted
}

// Flush empties the rejection cache. Called on config reload so new
// rules apply immediately.
func (p *Policy) Flush() {
	p.cache.flush()
}

// CacheStats returns the rejection cache counters.
func (p *Policy) CacheStats() CacheStats {
	return p.cache.stats
}

// CacheLen returns the number of live rejection entries.
func (p *Policy) CacheLen() int {
	return p.cache.len()
}
