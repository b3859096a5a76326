package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
)

// Responder computes an in-process agent's answer to a published state.
// Returning false means the agent stays silent for that tick.
type Responder func(state *protocol.State) (protocol.Decision, bool)

// MemoryTransport keeps states and decisions in memory. It backs the
// gRPC transport and is used directly by in-process agents and tests.
type MemoryTransport struct {
	mu        sync.Mutex
	published []*protocol.State
	decisions map[int64]protocol.Decision
	notify    chan struct{}
	responder Responder

	// PublishErr, when set, is returned by every Publish.
	PublishErr error
}

// NewMemoryTransport returns an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		decisions: make(map[int64]protocol.Decision),
		notify:    make(chan struct{}),
	}
}

// SetResponder installs an in-process agent called on every Publish.
func (m *MemoryTransport) SetResponder(r Responder) {
	m.mu.Lock()
	m.responder = r
	m.mu.Unlock()
}

// Publish records state and runs the responder, if any.
func (m *MemoryTransport) Publish(_ context.Context, state *protocol.State) error {
	m.mu.Lock()
	if m.PublishErr != nil {
		err := m.PublishErr
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, state)
	r := m.responder
	m.mu.Unlock()

	if r != nil {
		if d, ok := r(state); ok {
			if !d.HasTick {
				d.Tick, d.HasTick = state.Tick, true
			}
			return m.Submit(d)
		}
	}
	return nil
}

// Submit delivers a decision. It must be tagged with its tick; a later
// submission for the same tick replaces an unconsumed earlier one.
func (m *MemoryTransport) Submit(d protocol.Decision) error {
	if !d.HasTick {
		return fmt.Errorf("%w: decision has no tick", protocol.ErrMalformedDecision)
	}
	m.mu.Lock()
	m.decisions[d.Tick] = d
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
	return nil
}

// AwaitDecision consumes the decision for tick, discarding any pending
// decisions for earlier ticks.
func (m *MemoryTransport) AwaitDecision(ctx context.Context, tick int64, timeout time.Duration) (protocol.Decision, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		for t := range m.decisions {
			if t < tick {
				delete(m.decisions, t)
			}
		}
		d, ok := m.decisions[tick]
		if ok {
			delete(m.decisions, tick)
		}
		wait := m.notify
		m.mu.Unlock()
		if ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return protocol.Decision{}, ctx.Err()
		case <-deadline.C:
			return protocol.Decision{}, fmt.Errorf("%w: tick %d after %s", ErrNoDecision, tick, timeout)
		case <-wait:
		}
	}
}

// Latest returns the most recently published state, or nil.
func (m *MemoryTransport) Latest() *protocol.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.published) == 0 {
		return nil
	}
	return m.published[len(m.published)-1]
}

// Published returns every state published so far.
func (m *MemoryTransport) Published() []*protocol.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.State(nil), m.published...)
}
