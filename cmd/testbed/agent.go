package main

import (
	"github.com/signalsfoundry/sagin-testbed/internal/exchange"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/signalsfoundry/sagin-testbed/model"
)

// roundRobinAgent is the in-process agent behind the memory transport. It
// assigns every waiting job: pre-bound jobs keep their resource, the rest
// go to resources in turn.
func roundRobinAgent() exchange.Responder {
	next := 0
	return func(s *protocol.State) (protocol.Decision, bool) {
		var d protocol.Decision
		if len(s.Resources) == 0 {
			return d, true
		}
		for _, j := range s.Jobs {
			if j.Phase != model.PhaseWaiting {
				continue
			}
			target := j.ResourceID
			if target == model.Unbound {
				target = s.Resources[next%len(s.Resources)].ID
				next++
			}
			d.Assignments = append(d.Assignments, protocol.Assignment{JobID: j.ID, ResourceID: target})
		}
		return d, true
	}
}
