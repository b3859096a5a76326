package bridge

import (
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/signalsfoundry/sagin-testbed/model"
)

// SnapshotBuilder assembles the per-tick state export from engine views
// and the energy ledger. It has no side effects.
type SnapshotBuilder struct {
	RunID  string
	Ledger *EnergyLedger
}

// Build returns the state for tick at simulated time now. Waiting jobs
// come first, then running ones, each in engine order.
func (b *SnapshotBuilder) Build(tick int64, now float64, resources []model.Resource, waiting, running []model.Job) *protocol.State {
	perResource := runningPerResource(running)

	state := &protocol.State{
		RunID:     b.RunID,
		Tick:      tick,
		Time:      now,
		Resources: make([]protocol.ResourceView, 0, len(resources)),
		Jobs:      make([]protocol.JobView, 0, len(waiting)+len(running)),
	}
	for _, r := range resources {
		view := protocol.ResourceView{
			ID:          r.ID,
			Node:        r.Node,
			MIPS:        r.MIPS,
			PEs:         r.Parallelism(),
			RAMMB:       r.RAMMB,
			BWMbps:      r.BWMbps,
			StorageMB:   r.StorageMB,
			Utilization: Utilization(r, perResource[r.ID]),
		}
		if b.Ledger != nil {
			view.ComputeEnergyJoules = b.Ledger.Compute(r.ID)
		}
		state.Resources = append(state.Resources, view)
	}
	for _, j := range waiting {
		state.Jobs = append(state.Jobs, jobView(j, model.PhaseWaiting))
	}
	for _, j := range running {
		state.Jobs = append(state.Jobs, jobView(j, model.PhaseRunning))
	}
	if b.Ledger != nil {
		state.CumulativeNetworkEnergyJoules = b.Ledger.Network()
	}
	return state
}

func jobView(j model.Job, phase model.Phase) protocol.JobView {
	resourceID := j.ResourceID
	if !j.IsBound() {
		resourceID = model.Unbound
	}
	return protocol.JobView{
		ID:          j.ID,
		LengthMI:    j.LengthMI,
		InputBytes:  j.InputBytes,
		OutputBytes: j.OutputBytes,
		ResourceID:  resourceID,
		SourceNode:  j.SourceNode,
		Phase:       phase,
	}
}
