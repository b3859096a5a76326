// Package bridge runs the per-tick exchange between the simulation engine
// and the external scheduling agent: it builds the state, hands it to the
// decision channel and applies what comes back.
package bridge

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/sagin-testbed/core"
	"github.com/signalsfoundry/sagin-testbed/internal/exchange"
	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/observability"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/signalsfoundry/sagin-testbed/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTickSeconds is the tick duration used when none is configured.
const DefaultTickSeconds = 1.0

// tickEpsilon absorbs float error at tick boundaries, so 0.3/0.1 lands
// on tick 3.
const tickEpsilon = 1e-9

// Metrics receives per-tick bridge metrics. observability.BridgeCollector
// implements it.
type Metrics interface {
	IncTick()
	AddAssignments(result string, n int)
	AddLinkPatches(result string, n int)
	SetEnergy(network float64, compute map[int64]float64)
}

// TickReport describes what one processed tick did.
type TickReport struct {
	Tick     int64
	Time     float64
	Outcome  exchange.Outcome
	Waited   time.Duration
	Assigned AssignmentReport
	Patched  core.PatchReport
	// Settled counts finished jobs charged downstream energy this tick.
	Settled int
}

// Bridge owns everything one run mutates: the network profile, the
// energy ledger and the decision channel. Create one per run.
type Bridge struct {
	engine  Engine
	channel *exchange.Channel
	profile core.Profile
	cost    *core.TransferCostModel
	patcher *core.LinkPatchApplier
	ledger  *EnergyLedger
	applier *AssignmentApplier
	builder SnapshotBuilder

	tickSeconds  float64
	idleWatts    float64
	peakWatts    float64
	joulesPerBit float64
	runID        string

	log     logging.Logger
	metrics Metrics

	mu   sync.Mutex
	last *TickReport
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTickSeconds sets the tick duration.
func WithTickSeconds(s float64) Option {
	return func(b *Bridge) { b.tickSeconds = s }
}

// WithPower sets the idle and peak CPU wattage.
func WithPower(idle, peak float64) Option {
	return func(b *Bridge) { b.idleWatts, b.peakWatts = idle, peak }
}

// WithJoulesPerBit sets the network energy per transferred bit.
func WithJoulesPerBit(j float64) Option {
	return func(b *Bridge) { b.joulesPerBit = j }
}

// WithRunID stamps exported states with id.
func WithRunID(id string) Option {
	return func(b *Bridge) { b.runID = id }
}

// WithLogger sets the bridge logger.
func WithLogger(log logging.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New wires a bridge over engine, exchanging through channel and
// resolving transfers against profile.
func New(engine Engine, channel *exchange.Channel, profile core.Profile, opts ...Option) (*Bridge, error) {
	if engine == nil {
		return nil, errors.New("bridge: nil engine")
	}
	if channel == nil {
		return nil, errors.New("bridge: nil decision channel")
	}
	if profile == nil {
		profile = core.NewMemoryProfile()
	}
	b := &Bridge{
		engine:       engine,
		channel:      channel,
		profile:      profile,
		tickSeconds:  DefaultTickSeconds,
		idleWatts:    DefaultIdleWatts,
		peakWatts:    DefaultPeakWatts,
		joulesPerBit: core.DefaultEnergyPerBit,
		log:          logging.Noop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if !(b.tickSeconds > 0) || math.IsInf(b.tickSeconds, 0) {
		return nil, errors.New("bridge: tick duration must be positive")
	}

	b.cost = core.NewTransferCostModel(profile, b.joulesPerBit)
	b.patcher = core.NewLinkPatchApplier(profile)
	b.ledger = NewEnergyLedger(b.idleWatts, b.peakWatts)
	b.applier = NewAssignmentApplier(engine, b.cost, b.ledger, b.log)
	b.builder = SnapshotBuilder{RunID: b.runID, Ledger: b.ledger}
	return b, nil
}

// Profile returns the run's network profile.
func (b *Bridge) Profile() core.Profile { return b.profile }

// Cost returns the transfer cost model.
func (b *Bridge) Cost() *core.TransferCostModel { return b.cost }

// Ledger returns the run's energy ledger.
func (b *Bridge) Ledger() *EnergyLedger { return b.ledger }

// Channel returns the decision channel.
func (b *Bridge) Channel() *exchange.Channel { return b.channel }

// TickSeconds returns the tick duration.
func (b *Bridge) TickSeconds() float64 { return b.tickSeconds }

// LastReport returns the report of the most recent processed tick.
func (b *Bridge) LastReport() (TickReport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return TickReport{}, false
	}
	return *b.last, true
}

// TickAt returns the tick containing simulated time now, or -1 for
// negative or non-finite times.
func TickAt(now, tickSeconds float64) int64 {
	if math.IsNaN(now) || math.IsInf(now, 0) || now < 0 || !(tickSeconds > 0) {
		return -1
	}
	return int64(math.Floor(now/tickSeconds + tickEpsilon))
}

// OnClock handles one clock notification at simulated time now. Repeated
// notifications within an already processed tick do nothing. The only
// error returned is fatal to the run: the state could not be published.
func (b *Bridge) OnClock(ctx context.Context, now float64) error {
	tick := TickAt(now, b.tickSeconds)
	if tick < 0 {
		b.log.Debug(ctx, "clock notification outside the run", logging.Float64("time", now))
		return nil
	}

	ctx, span := observability.StartTickSpan(ctx, tick, now)
	defer span.End()

	report := TickReport{Tick: tick, Time: now}
	round, err := b.channel.Round(ctx, tick, func(ctx context.Context, tick int64) (*protocol.State, error) {
		return b.prepare(ctx, tick, now, &report), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick failed")
		b.log.Error(ctx, "tick failed", logging.Int64("tick", tick), logging.Err(err))
		return err
	}
	if round.Skipped {
		return nil
	}
	report.Outcome = round.Outcome
	report.Waited = round.Waited

	applyCtx, applySpan := observability.StartChildSpan(ctx, "bridge.apply",
		attribute.Int("assignments", len(round.Decision.Assignments)),
		attribute.Int("link_patches", len(round.Decision.LinkPatches)),
	)
	report.Assigned = b.applier.Apply(applyCtx, round.Decision.Assignments, now)
	report.Patched = b.patcher.Apply(round.Decision.LinkPatches)
	for _, p := range report.Patched.Problems {
		b.log.Warn(applyCtx, "link patch degraded", logging.String("reason", p))
	}
	applySpan.End()

	b.channel.Applied(tick)
	b.record(report)

	b.log.Info(ctx, "tick applied",
		logging.Int64("tick", tick),
		logging.Float64("time", now),
		logging.String("outcome", string(report.Outcome)),
		logging.Int("assigned", report.Assigned.Applied),
		logging.Int("assign_skipped", report.Assigned.Skipped()+round.Decision.Malformed),
		logging.Int("patched", report.Patched.Applied()),
		logging.Float64("network_energy_joules", b.ledger.Network()),
	)

	b.mu.Lock()
	b.last = &report
	b.mu.Unlock()
	return nil
}

// prepare charges the ledger for the tick and builds the state.
func (b *Bridge) prepare(ctx context.Context, tick int64, now float64, report *TickReport) *protocol.State {
	resources := b.engine.Resources()
	waiting := b.engine.WaitingJobs()
	running := b.engine.RunningJobs()

	perResource := runningPerResource(running)
	for _, r := range resources {
		b.ledger.AccumulateCompute(r.ID, Utilization(r, perResource[r.ID]), b.tickSeconds)
	}
	report.Settled = b.applier.SettleFinished(b.engine.FinishedJobs())
	if report.Settled > 0 {
		b.log.Debug(ctx, "downstream energy charged", logging.Int64("tick", tick), logging.Int("jobs", report.Settled))
	}
	return b.builder.Build(tick, now, resources, waiting, running)
}

func (b *Bridge) record(r TickReport) {
	if b.metrics == nil {
		return
	}
	b.metrics.IncTick()
	b.metrics.AddAssignments("applied", r.Assigned.Applied)
	b.metrics.AddAssignments("unknown_job", r.Assigned.UnknownJob)
	b.metrics.AddAssignments("unknown_resource", r.Assigned.UnknownResource)
	b.metrics.AddAssignments("unreachable", r.Assigned.Unreachable)
	b.metrics.AddAssignments("duplicate", r.Assigned.Duplicate)
	b.metrics.AddAssignments("engine_error", r.Assigned.EngineErrors)
	b.metrics.AddLinkPatches("series", r.Patched.Series)
	b.metrics.AddLinkPatches("override", r.Patched.Overrides)
	b.metrics.AddLinkPatches("cleared", r.Patched.Cleared)
	b.metrics.AddLinkPatches("skipped", r.Patched.Skipped)
	b.metrics.SetEnergy(b.ledger.Network(), b.ledger.ComputeTotals())
}

// Listener adapts OnClock to a timectrl listener; simulated seconds are
// measured from epoch.
func (b *Bridge) Listener(epoch time.Time) timectrl.Listener {
	return func(ctx context.Context, simTime time.Time) error {
		return b.OnClock(ctx, simTime.Sub(epoch).Seconds())
	}
}
