// Package exchange implements the per-tick state/decision exchange with
// the external agent: a Channel state machine over a pluggable Transport.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/sagin-testbed/internal/exchange"

var (
	// ErrPublish wraps any failure to publish a state export. It is the
	// only error a round returns and it is fatal to the run.
	ErrPublish = errors.New("publish state")
	// ErrNoDecision is returned by transports when no decision for the
	// tick arrived within the timeout.
	ErrNoDecision = errors.New("no decision before timeout")
)

// Transport moves states out and decisions in. Publish must be atomic
// from the agent's point of view. AwaitDecision blocks for at most
// timeout; it returns ErrNoDecision when nothing arrived,
// protocol.ErrMalformedDecision for an unusable payload and the context
// error when ctx ends first.
type Transport interface {
	Publish(ctx context.Context, state *protocol.State) error
	AwaitDecision(ctx context.Context, tick int64, timeout time.Duration) (protocol.Decision, error)
}

// Phase is the Channel state for the current tick.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseExport
	PhaseAwait
	PhaseReceived
	PhaseTimeout
	PhaseApplied
)

func (p Phase) String() string {
	switch p {
	case PhaseExport:
		return "EXPORT"
	case PhaseAwait:
		return "AWAIT"
	case PhaseReceived:
		return "DECISION_RECEIVED"
	case PhaseTimeout:
		return "TIMEOUT"
	case PhaseApplied:
		return "APPLIED"
	default:
		return "IDLE"
	}
}

// Outcome says how the await step of a round ended.
type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeMalformed Outcome = "malformed"
	OutcomeStale     Outcome = "stale"
	OutcomeCancelled Outcome = "cancelled"
)

// Recorder receives channel metrics. observability.BridgeCollector
// implements it.
type Recorder interface {
	ObserveDecision(outcome string, waited time.Duration)
	IncDuplicateTick()
}

// Round is the result of one exchange.
type Round struct {
	Tick int64
	// Skipped is set when the tick was already processed; nothing was
	// exported and Decision is empty.
	Skipped  bool
	State    *protocol.State
	Decision protocol.Decision
	Outcome  Outcome
	Waited   time.Duration
}

// PrepareFunc builds the state for a tick. It only runs for ticks the
// channel has not seen yet.
type PrepareFunc func(ctx context.Context, tick int64) (*protocol.State, error)

// Channel owns the per-tick exchange: the last-processed tick guard, the
// EXPORT -> AWAIT -> {DECISION_RECEIVED | TIMEOUT} -> APPLIED sequence and
// the empty-decision fallback.
type Channel struct {
	transport Transport
	timeout   time.Duration
	log       logging.Logger
	metrics   Recorder

	mu       sync.RWMutex
	lastTick int64
	phase    Phase
	latest   *protocol.State
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(log logging.Logger) ChannelOption {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ChannelOption {
	return func(c *Channel) { c.metrics = r }
}

// NewChannel returns a Channel waiting at most timeout for each decision.
func NewChannel(t Transport, timeout time.Duration, opts ...ChannelOption) *Channel {
	c := &Channel{
		transport: t,
		timeout:   timeout,
		log:       logging.Noop(),
		lastTick:  -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastTick returns the last processed tick, or -1.
func (c *Channel) LastTick() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTick
}

// Phase returns the current state machine phase.
func (c *Channel) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Latest returns the most recently exported state, or nil.
func (c *Channel) Latest() *protocol.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Timeout returns the configured await bound.
func (c *Channel) Timeout() time.Duration { return c.timeout }

func (c *Channel) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Round runs one exchange for tick. A tick at or below the last processed
// tick is a no-op. The only error returned wraps ErrPublish or comes from
// prepare; a missing, late, stale or malformed decision yields an empty
// decision and a nil error.
func (c *Channel) Round(ctx context.Context, tick int64, prepare PrepareFunc) (Round, error) {
	c.mu.Lock()
	if tick <= c.lastTick {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.IncDuplicateTick()
		}
		c.log.Debug(ctx, "tick already processed", logging.Int64("tick", tick))
		return Round{Tick: tick, Skipped: true}, nil
	}
	c.lastTick = tick
	c.phase = PhaseExport
	c.mu.Unlock()

	state, err := prepare(ctx, tick)
	if err != nil {
		return Round{Tick: tick}, fmt.Errorf("prepare state for tick %d: %w", tick, err)
	}

	tracer := otel.Tracer(tracerName)
	exportCtx, span := tracer.Start(ctx, "exchange.export", trace.WithAttributes(attribute.Int64("tick", tick)))
	err = c.transport.Publish(exportCtx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		span.End()
		c.log.Error(ctx, "state publish failed", logging.Int64("tick", tick), logging.Err(err))
		return Round{Tick: tick, State: state}, fmt.Errorf("%w: tick %d: %v", ErrPublish, tick, err)
	}
	span.End()

	c.mu.Lock()
	c.latest = state
	c.phase = PhaseAwait
	c.mu.Unlock()

	awaitCtx, span := tracer.Start(ctx, "exchange.await", trace.WithAttributes(attribute.Int64("tick", tick)))
	start := time.Now()
	decision, err := c.transport.AwaitDecision(awaitCtx, tick, c.timeout)
	waited := time.Since(start)

	outcome := OutcomeReceived
	if err == nil {
		if terr := decision.CheckTick(tick); terr != nil {
			err = terr
		}
	}
	if err != nil {
		outcome = classify(err)
		decision = protocol.Decision{}
		c.log.Warn(ctx, "no usable decision; continuing with empty decision",
			logging.Int64("tick", tick),
			logging.String("outcome", string(outcome)),
			logging.Err(err),
		)
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	span.End()

	if outcome == OutcomeReceived {
		c.setPhase(PhaseReceived)
	} else {
		c.setPhase(PhaseTimeout)
	}
	if c.metrics != nil {
		c.metrics.ObserveDecision(string(outcome), waited)
	}

	return Round{
		Tick:     tick,
		State:    state,
		Decision: decision,
		Outcome:  outcome,
		Waited:   waited,
	}, nil
}

// Applied marks the round for tick as fully applied.
func (c *Channel) Applied(tick int64) {
	c.mu.Lock()
	if tick == c.lastTick {
		c.phase = PhaseApplied
	}
	c.mu.Unlock()
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case errors.Is(err, protocol.ErrTickMismatch):
		return OutcomeStale
	case errors.Is(err, protocol.ErrMalformedDecision), errors.Is(err, protocol.ErrIncompleteDecision):
		return OutcomeMalformed
	default:
		return OutcomeTimeout
	}
}
