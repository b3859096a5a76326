package core

import "math"

// DefaultEnergyPerBit is the network energy charged per transferred bit.
// It is deliberately independent of the link the bits cross.
const DefaultEnergyPerBit = 5e-9

// Direction selects which effective bandwidth of a link a transfer uses.
type Direction int

const (
	// Upstream moves the job's input from its source node to the resource.
	Upstream Direction = iota
	// Downstream moves the job's output back.
	Downstream
)

func (d Direction) String() string {
	if d == Downstream {
		return "downstream"
	}
	return "upstream"
}

// TransferCostModel turns link lookups into one-way transfer durations
// and energy figures.
type TransferCostModel struct {
	links        Resolver
	energyPerBit float64
}

// NewTransferCostModel builds a cost model over links. A non-positive
// energyPerBit selects DefaultEnergyPerBit.
func NewTransferCostModel(links Resolver, energyPerBit float64) *TransferCostModel {
	if energyPerBit <= 0 || math.IsNaN(energyPerBit) {
		energyPerBit = DefaultEnergyPerBit
	}
	return &TransferCostModel{links: links, energyPerBit: energyPerBit}
}

// EnergyPerBit returns the configured joules per bit.
func (m *TransferCostModel) EnergyPerBit() float64 { return m.energyPerBit }

// Duration returns the one-way transfer time in seconds for bits over
// src->dst at time t, with the direction's effective bandwidth shared
// evenly among concurrentFlows. Half the RTT is added as propagation
// delay. The result is +Inf when the link cannot carry the transfer:
// the link is unavailable or the chosen direction has no bandwidth.
func (m *TransferCostModel) Duration(dir Direction, src, dst NodeID, bits, t float64, concurrentFlows int) float64 {
	lm := m.links.Query(src, dst, t)
	if !lm.Available() {
		return math.Inf(1)
	}
	eff := lm.EffectiveUpMbps()
	if dir == Downstream {
		eff = lm.EffectiveDownMbps()
	}
	if eff <= 0 {
		return math.Inf(1)
	}
	if concurrentFlows < 1 {
		concurrentFlows = 1
	}
	if bits < 0 || math.IsNaN(bits) {
		bits = 0
	}
	share := eff * 1e6 / float64(concurrentFlows)
	return bits/share + lm.RTTMs()/2000.0
}

// UpSeconds is Duration in the Upstream direction.
func (m *TransferCostModel) UpSeconds(src, dst NodeID, bits, t float64, concurrentFlows int) float64 {
	return m.Duration(Upstream, src, dst, bits, t, concurrentFlows)
}

// DownSeconds is Duration in the Downstream direction.
func (m *TransferCostModel) DownSeconds(src, dst NodeID, bits, t float64, concurrentFlows int) float64 {
	return m.Duration(Downstream, src, dst, bits, t, concurrentFlows)
}

// Energy returns the joules spent moving bits.
func (m *TransferCostModel) Energy(bits float64) float64 {
	if bits <= 0 || math.IsNaN(bits) {
		return 0
	}
	return bits * m.energyPerBit
}

// Reachable reports whether a duration returned by the model describes
// a transfer that can complete.
func Reachable(seconds float64) bool {
	return !math.IsInf(seconds, 0) && !math.IsNaN(seconds)
}
