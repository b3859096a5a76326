package bridge

import (
	"math"

	"github.com/signalsfoundry/sagin-testbed/model"
)

// Utilization returns the CPU utilization fraction of r. The engine's
// value is used when it is finite and within [0,1]; otherwise running
// jobs over processing elements, clamped to [0,1].
func Utilization(r model.Resource, running int) float64 {
	u := r.Utilization
	if !math.IsNaN(u) && !math.IsInf(u, 0) && u >= 0 && u <= 1 {
		return u
	}
	return clamp01(float64(running) / float64(r.Parallelism()))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// runningPerResource counts running jobs by bound resource.
func runningPerResource(running []model.Job) map[int64]int {
	counts := make(map[int64]int, len(running))
	for _, j := range running {
		if j.IsBound() {
			counts[j.ResourceID]++
		}
	}
	return counts
}
