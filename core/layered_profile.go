package core

// LayeredProfile is the hybrid backend: a writable MemoryProfile on top
// of a read-only Resolver (for example an OrbitalResolver). Anything the
// memory layer knows about a pair, including the override, wins; other
// pairs fall through to the base.
type LayeredProfile struct {
	top  *MemoryProfile
	base Resolver
}

// NewLayeredProfile layers a fresh MemoryProfile over base. A nil base
// behaves like an empty profile.
func NewLayeredProfile(top *MemoryProfile, base Resolver) *LayeredProfile {
	if top == nil {
		top = NewMemoryProfile()
	}
	return &LayeredProfile{top: top, base: base}
}

// Top exposes the writable layer.
func (p *LayeredProfile) Top() *MemoryProfile { return p.top }

func (p *LayeredProfile) Put(src, dst NodeID, effectiveFrom float64, m LinkMetrics) {
	p.top.Put(src, dst, effectiveFrom, m)
}

func (p *LayeredProfile) Override(src, dst NodeID, m LinkMetrics) {
	p.top.Override(src, dst, m)
}

func (p *LayeredProfile) ClearOverride(src, dst NodeID) {
	p.top.ClearOverride(src, dst)
}

func (p *LayeredProfile) Query(src, dst NodeID, t float64) LinkMetrics {
	if m, ok := p.top.Lookup(src, dst, t); ok {
		return m
	}
	if p.base == nil {
		return UnavailableLink
	}
	return p.base.Query(src, dst, t)
}
