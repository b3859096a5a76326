package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySubmitRequiresTick(t *testing.T) {
	tr := NewMemoryTransport()
	assert.ErrorIs(t, tr.Submit(protocol.Decision{}), protocol.ErrMalformedDecision)
}

func TestMemoryAwaitWakesOnSubmit(t *testing.T) {
	tr := NewMemoryTransport()
	time.AfterFunc(10*time.Millisecond, func() {
		_ = tr.Submit(protocol.Decision{Tick: 1, HasTick: true, Assignments: []protocol.Assignment{{JobID: 2, ResourceID: 3}}})
	})
	d, err := tr.AwaitDecision(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.Len(t, d.Assignments, 1)

	_, err = tr.AwaitDecision(context.Background(), 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoDecision, "a decision is consumed once")
}

func TestMemoryResponderTagsTick(t *testing.T) {
	tr := NewMemoryTransport()
	tr.SetResponder(func(s *protocol.State) (protocol.Decision, bool) {
		return protocol.Decision{}, s.Tick%2 == 0
	})
	require.NoError(t, tr.Publish(context.Background(), &protocol.State{Tick: 2}))
	require.NoError(t, tr.Publish(context.Background(), &protocol.State{Tick: 3}))

	_, err := tr.AwaitDecision(context.Background(), 2, 10*time.Millisecond)
	assert.NoError(t, err)
	_, err = tr.AwaitDecision(context.Background(), 3, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoDecision)
	assert.Equal(t, int64(3), tr.Latest().Tick)
	assert.Len(t, tr.Published(), 2)
}
