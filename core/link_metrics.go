package core

import (
	"fmt"
	"math"
)

// NodeID identifies a network node at either end of a directed link.
type NodeID = string

// LinkMetrics is an immutable snapshot of a directed link. Bandwidths are
// raw (before loss) in Mbps, the latency is a round-trip time in
// milliseconds and loss is a ratio in [0,1].
//
// The zero value is the unavailable link: no bandwidth, flag down.
type LinkMetrics struct {
	rttMs    float64
	upMbps   float64
	downMbps float64
	loss     float64
	up       bool
}

// UnavailableLink is returned for pairs a profile knows nothing about.
var UnavailableLink = LinkMetrics{}

// NewLinkMetrics builds a LinkMetrics value. Latency and bandwidths are
// clamped to >= 0 and loss into [0,1]; NaN and infinite bandwidths are
// treated as 0. An infinite latency marks the link down.
func NewLinkMetrics(rttMs, upMbps, downMbps, loss float64, up bool) LinkMetrics {
	if math.IsInf(rttMs, 1) {
		up = false
	}
	return LinkMetrics{
		rttMs:    nonNegative(rttMs),
		upMbps:   nonNegative(upMbps),
		downMbps: nonNegative(downMbps),
		loss:     math.Min(1, nonNegative(loss)),
		up:       up,
	}
}

func (m LinkMetrics) RTTMs() float64    { return m.rttMs }
func (m LinkMetrics) UpMbps() float64   { return m.upMbps }
func (m LinkMetrics) DownMbps() float64 { return m.downMbps }
func (m LinkMetrics) Loss() float64     { return m.loss }
func (m LinkMetrics) IsUp() bool        { return m.up }

// EffectiveUpMbps is the upstream bandwidth after loss.
func (m LinkMetrics) EffectiveUpMbps() float64 { return m.upMbps * (1 - m.loss) }

// EffectiveDownMbps is the downstream bandwidth after loss.
func (m LinkMetrics) EffectiveDownMbps() float64 { return m.downMbps * (1 - m.loss) }

// Available reports whether the flag is set and at least one direction
// still carries traffic after loss.
func (m LinkMetrics) Available() bool {
	return m.up && (m.EffectiveUpMbps() > 0 || m.EffectiveDownMbps() > 0)
}

// WithUp returns a copy with the availability flag replaced.
func (m LinkMetrics) WithUp(up bool) LinkMetrics {
	return NewLinkMetrics(m.rttMs, m.upMbps, m.downMbps, m.loss, up)
}

// WithLoss returns a copy with the loss ratio replaced.
func (m LinkMetrics) WithLoss(loss float64) LinkMetrics {
	return NewLinkMetrics(m.rttMs, m.upMbps, m.downMbps, loss, m.up)
}

// WithRTT returns a copy with the round-trip latency replaced.
func (m LinkMetrics) WithRTT(rttMs float64) LinkMetrics {
	return NewLinkMetrics(rttMs, m.upMbps, m.downMbps, m.loss, m.up)
}

// WithBandwidth returns a copy with both raw bandwidths replaced.
func (m LinkMetrics) WithBandwidth(upMbps, downMbps float64) LinkMetrics {
	return NewLinkMetrics(m.rttMs, upMbps, downMbps, m.loss, m.up)
}

func (m LinkMetrics) String() string {
	return fmt.Sprintf("LinkMetrics{rtt=%gms up=%gMbps down=%gMbps loss=%g up=%v}",
		m.rttMs, m.upMbps, m.downMbps, m.loss, m.up)
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
