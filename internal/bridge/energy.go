package bridge

import (
	"math"
	"sort"
	"sync"
)

// Default CPU power bounds in watts.
const (
	DefaultIdleWatts = 10.0
	DefaultPeakWatts = 35.0
)

// EnergyLedger accumulates per-resource compute energy and the run's
// network energy. Totals only grow; a ledger lives for one run.
type EnergyLedger struct {
	idle float64
	peak float64

	mu         sync.Mutex
	compute    map[int64]float64
	network    float64
	downstream map[int64]struct{}
}

// NewEnergyLedger returns an empty ledger. Non-positive or inverted
// wattages fall back to the defaults.
func NewEnergyLedger(idleWatts, peakWatts float64) *EnergyLedger {
	if !(idleWatts >= 0) || !(peakWatts > 0) || peakWatts < idleWatts {
		idleWatts, peakWatts = DefaultIdleWatts, DefaultPeakWatts
	}
	return &EnergyLedger{
		idle:       idleWatts,
		peak:       peakWatts,
		compute:    make(map[int64]float64),
		downstream: make(map[int64]struct{}),
	}
}

// Power returns the instantaneous draw at utilization u.
func (l *EnergyLedger) Power(u float64) float64 {
	return l.idle + (l.peak-l.idle)*clamp01(u)
}

// AccumulateCompute charges Power(u) for seconds to resource id and
// returns the resource's new total.
func (l *EnergyLedger) AccumulateCompute(id int64, u, seconds float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seconds > 0 && !math.IsInf(seconds, 0) {
		l.compute[id] += l.Power(u) * seconds
	}
	return l.compute[id]
}

// AddNetwork adds joules to the network total. Negative or non-finite
// amounts are ignored.
func (l *EnergyLedger) AddNetwork(joules float64) {
	if !(joules > 0) || math.IsInf(joules, 0) {
		return
	}
	l.mu.Lock()
	l.network += joules
	l.mu.Unlock()
}

// ChargeDownstreamOnce adds joules for a finished job the first time it
// is seen and reports whether it did.
func (l *EnergyLedger) ChargeDownstreamOnce(jobID int64, joules float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.downstream[jobID]; seen {
		return false
	}
	l.downstream[jobID] = struct{}{}
	if joules > 0 && !math.IsInf(joules, 0) {
		l.network += joules
	}
	return true
}

// Compute returns the compute total for one resource.
func (l *EnergyLedger) Compute(id int64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compute[id]
}

// ComputeTotals returns a copy of all compute totals.
func (l *EnergyLedger) ComputeTotals() map[int64]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64]float64, len(l.compute))
	for id, j := range l.compute {
		out[id] = j
	}
	return out
}

// ComputeIDs returns the resource IDs with a compute total, sorted.
func (l *EnergyLedger) ComputeIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int64, 0, len(l.compute))
	for id := range l.compute {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// Network returns the cumulative network energy.
func (l *EnergyLedger) Network() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.network
}
