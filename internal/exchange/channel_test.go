package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu         sync.Mutex
	outcomes   []string
	duplicates int
}

func (r *fakeRecorder) ObserveDecision(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *fakeRecorder) IncDuplicateTick() {
	r.mu.Lock()
	r.duplicates++
	r.mu.Unlock()
}

// stubTransport returns a fixed decision or error from AwaitDecision.
type stubTransport struct {
	published int
	decision  protocol.Decision
	err       error
}

func (s *stubTransport) Publish(context.Context, *protocol.State) error {
	s.published++
	return nil
}

func (s *stubTransport) AwaitDecision(context.Context, int64, time.Duration) (protocol.Decision, error) {
	return s.decision, s.err
}

func prepareCounter(calls *int) PrepareFunc {
	return func(_ context.Context, tick int64) (*protocol.State, error) {
		*calls++
		return &protocol.State{Tick: tick, Time: float64(tick)}, nil
	}
}

func TestRoundReceivesDecisionForTick(t *testing.T) {
	tr := NewMemoryTransport()
	tr.SetResponder(func(s *protocol.State) (protocol.Decision, bool) {
		return protocol.Decision{Assignments: []protocol.Assignment{{JobID: 1, ResourceID: 101}}}, true
	})
	rec := &fakeRecorder{}
	ch := NewChannel(tr, time.Second, WithRecorder(rec))

	calls := 0
	round, err := ch.Round(context.Background(), 0, prepareCounter(&calls))
	require.NoError(t, err)

	assert.Equal(t, OutcomeReceived, round.Outcome)
	assert.Equal(t, []protocol.Assignment{{JobID: 1, ResourceID: 101}}, round.Decision.Assignments)
	assert.Equal(t, PhaseReceived, ch.Phase())
	ch.Applied(0)
	assert.Equal(t, PhaseApplied, ch.Phase())
	assert.Equal(t, int64(0), ch.LastTick())
	assert.Same(t, round.State, ch.Latest())
	assert.Equal(t, []string{"received"}, rec.outcomes)
}

func TestRoundIgnoresRepeatedAndOlderTicks(t *testing.T) {
	tr := NewMemoryTransport()
	rec := &fakeRecorder{}
	ch := NewChannel(tr, 5*time.Millisecond, WithRecorder(rec))

	calls := 0
	_, err := ch.Round(context.Background(), 3, prepareCounter(&calls))
	require.NoError(t, err)

	for _, tick := range []int64{3, 2} {
		round, err := ch.Round(context.Background(), tick, prepareCounter(&calls))
		require.NoError(t, err)
		assert.True(t, round.Skipped)
		assert.True(t, round.Decision.Empty())
	}
	assert.Equal(t, 1, calls, "prepare must run once per distinct tick")
	assert.Len(t, tr.Published(), 1, "no new export for a processed tick")
	assert.Equal(t, 2, rec.duplicates)
}

func TestRoundTimeoutFallsBackToEmptyDecision(t *testing.T) {
	ch := NewChannel(NewMemoryTransport(), 20*time.Millisecond)

	calls := 0
	start := time.Now()
	round, err := ch.Round(context.Background(), 1, prepareCounter(&calls))
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimeout, round.Outcome)
	assert.True(t, round.Decision.Empty())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, PhaseTimeout, ch.Phase())
}

func TestRoundDoesNotConsumeEarlierTickDecision(t *testing.T) {
	tr := NewMemoryTransport()
	require.NoError(t, tr.Submit(protocol.Decision{Tick: 5, HasTick: true, Assignments: []protocol.Assignment{{JobID: 9, ResourceID: 1}}}))
	ch := NewChannel(tr, 20*time.Millisecond)

	calls := 0
	round, err := ch.Round(context.Background(), 6, prepareCounter(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, round.Outcome)
	assert.True(t, round.Decision.Empty())
}

func TestRoundRejectsMismatchedTickFromTransport(t *testing.T) {
	tr := &stubTransport{decision: protocol.Decision{Tick: 5, HasTick: true, Assignments: []protocol.Assignment{{JobID: 1}}}}
	ch := NewChannel(tr, time.Second)

	calls := 0
	round, err := ch.Round(context.Background(), 6, prepareCounter(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, round.Outcome)
	assert.True(t, round.Decision.Empty())
}

func TestRoundMalformedDecisionBecomesEmpty(t *testing.T) {
	tr := &stubTransport{err: protocol.ErrMalformedDecision}
	ch := NewChannel(tr, time.Second)

	calls := 0
	round, err := ch.Round(context.Background(), 0, prepareCounter(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, round.Outcome)
	assert.True(t, round.Decision.Empty())
}

func TestRoundPublishFailureIsFatal(t *testing.T) {
	tr := NewMemoryTransport()
	tr.PublishErr = errors.New("disk full")
	ch := NewChannel(tr, time.Second)

	calls := 0
	_, err := ch.Round(context.Background(), 0, prepareCounter(&calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublish)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, ch.Latest())
}

func TestRoundPrepareErrorPropagates(t *testing.T) {
	ch := NewChannel(NewMemoryTransport(), time.Second)
	boom := errors.New("boom")
	_, err := ch.Round(context.Background(), 0, func(context.Context, int64) (*protocol.State, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRoundCancellationAbortsAwaitPromptly(t *testing.T) {
	ch := NewChannel(NewMemoryTransport(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	calls := 0
	start := time.Now()
	round, err := ch.Round(ctx, 0, prepareCounter(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, round.Outcome)
	assert.True(t, round.Decision.Empty())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "IDLE", PhaseIdle.String())
	assert.Equal(t, "EXPORT", PhaseExport.String())
	assert.Equal(t, "AWAIT", PhaseAwait.String())
	assert.Equal(t, "DECISION_RECEIVED", PhaseReceived.String())
	assert.Equal(t, "TIMEOUT", PhaseTimeout.String())
	assert.Equal(t, "APPLIED", PhaseApplied.String())
}
