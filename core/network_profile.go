package core

import (
	"math"
	"sort"
	"sync"
)

// Resolver answers time-indexed link queries. Query never fails: pairs
// the resolver cannot answer for resolve to UnavailableLink.
type Resolver interface {
	Query(src, dst NodeID, t float64) LinkMetrics
}

// Profile is a writable network profile: a time series per directed
// pair plus a standing override layer that wins over the series.
type Profile interface {
	Resolver
	// Put inserts or replaces the series entry effective from the given
	// time. Malformed input is dropped silently.
	Put(src, dst NodeID, effectiveFrom float64, m LinkMetrics)
	// Override installs a standing value for the pair, superseding the
	// series for every query time until cleared or replaced.
	Override(src, dst NodeID, m LinkMetrics)
	// ClearOverride removes a standing override, if any.
	ClearOverride(src, dst NodeID)
}

// LinkKey names a directed node pair.
type LinkKey struct {
	Src NodeID
	Dst NodeID
}

type seriesEntry struct {
	from    float64
	metrics LinkMetrics
}

// MemoryProfile is the in-memory Profile. It is safe for concurrent
// readers alongside a writer; every read of a pair happens under the
// read lock so callers never observe a half-inserted series.
type MemoryProfile struct {
	mu sync.RWMutex

	series    map[LinkKey][]seriesEntry
	overrides map[LinkKey]LinkMetrics
}

// NewMemoryProfile creates an empty profile.
func NewMemoryProfile() *MemoryProfile {
	return &MemoryProfile{
		series:    make(map[LinkKey][]seriesEntry),
		overrides: make(map[LinkKey]LinkMetrics),
	}
}

//
// ---------- Writes ----------
//

// Put inserts m into the pair's series at effectiveFrom, keeping the
// series sorted. A second Put at the same instant replaces the first.
func (p *MemoryProfile) Put(src, dst NodeID, effectiveFrom float64, m LinkMetrics) {
	if src == "" || dst == "" || math.IsNaN(effectiveFrom) {
		return
	}
	key := LinkKey{Src: src, Dst: dst}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.series[key]
	i := sort.Search(len(s), func(i int) bool { return s[i].from >= effectiveFrom })
	if i < len(s) && s[i].from == effectiveFrom {
		s[i].metrics = m
		return
	}
	s = append(s, seriesEntry{})
	copy(s[i+1:], s[i:])
	s[i] = seriesEntry{from: effectiveFrom, metrics: m}
	p.series[key] = s
}

// Override installs a standing override for the pair.
func (p *MemoryProfile) Override(src, dst NodeID, m LinkMetrics) {
	if src == "" || dst == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[LinkKey{Src: src, Dst: dst}] = m
}

// ClearOverride removes the pair's override.
func (p *MemoryProfile) ClearOverride(src, dst NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.overrides, LinkKey{Src: src, Dst: dst})
}

//
// ---------- Reads ----------
//

// Query resolves the pair at time t. See Lookup for the rule.
func (p *MemoryProfile) Query(src, dst NodeID, t float64) LinkMetrics {
	m, _ := p.Lookup(src, dst, t)
	return m
}

// Lookup resolves the pair at time t and reports whether the profile
// knows the pair at all. Resolution order: standing override, the entry
// with the greatest effective time <= t, the earliest entry when t
// precedes the series, and UnavailableLink for unknown pairs. A NaN t
// resolves to the latest entry.
func (p *MemoryProfile) Lookup(src, dst NodeID, t float64) (LinkMetrics, bool) {
	key := LinkKey{Src: src, Dst: dst}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if ov, ok := p.overrides[key]; ok {
		return ov, true
	}
	s := p.series[key]
	if len(s) == 0 {
		return UnavailableLink, false
	}
	if math.IsNaN(t) {
		return s[len(s)-1].metrics, true
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].from > t })
	if i == 0 {
		return s[0].metrics, true
	}
	return s[i-1].metrics, true
}

// HasOverride reports whether a standing override is installed.
func (p *MemoryProfile) HasOverride(src, dst NodeID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.overrides[LinkKey{Src: src, Dst: dst}]
	return ok
}

// Pairs returns every pair with a series or an override, sorted by
// source then destination.
func (p *MemoryProfile) Pairs() []LinkKey {
	p.mu.RLock()
	seen := make(map[LinkKey]struct{}, len(p.series)+len(p.overrides))
	for k := range p.series {
		seen[k] = struct{}{}
	}
	for k := range p.overrides {
		seen[k] = struct{}{}
	}
	p.mu.RUnlock()

	out := make([]LinkKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		return out[i].Dst < out[j].Dst
	})
	return out
}

// SeriesLen returns the number of series entries stored for the pair.
func (p *MemoryProfile) SeriesLen(src, dst NodeID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.series[LinkKey{Src: src, Dst: dst}])
}

// Len returns the total number of series entries across all pairs.
func (p *MemoryProfile) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.series {
		n += len(s)
	}
	return n
}
