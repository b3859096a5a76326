package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/signalsfoundry/sagin-testbed/model"
)

// Generator defaults.
const (
	DefaultGroundRate    = 0.5
	DefaultSatelliteRate = 0.3
	DefaultSeed          = 42
	DefaultInputBytes    = 2 << 20
	DefaultOutputBytes   = 1 << 20
)

// Length ranges in MI, as [base, base+spread).
const (
	groundLengthBase      = 40000
	groundLengthSpread    = 20000
	satelliteLengthBase   = 20000
	satelliteLengthSpread = 10000
)

// GeneratorConfig drives the two Poisson arrival streams.
type GeneratorConfig struct {
	// GroundRate and SatelliteRate are arrivals per simulated second.
	// A non-positive rate disables the stream.
	GroundRate    float64
	SatelliteRate float64

	GroundNode    string
	SatelliteNode string

	Seed int64

	InputBytes  int64
	OutputBytes int64

	// BindRoundRobin pre-binds every new job to the next resource in
	// turn. Jobs stay waiting either way; the agent may still rebind them.
	BindRoundRobin bool
}

// DefaultGeneratorConfig returns the stock workload.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		GroundRate:    DefaultGroundRate,
		SatelliteRate: DefaultSatelliteRate,
		GroundNode:    "gs_0",
		SatelliteNode: "sat_0",
		Seed:          DefaultSeed,
		InputBytes:    DefaultInputBytes,
		OutputBytes:   DefaultOutputBytes,
	}
}

type stream struct {
	rate       float64
	node       string
	lengthBase int64
	spread     int64
	next       float64
}

// Generator adds jobs to an Engine as simulated time passes.
type Generator struct {
	cfg     GeneratorConfig
	eng     *Engine
	rng     *rand.Rand
	streams []*stream
	rr      int
}

// NewGenerator returns a generator feeding eng. The first arrival of each
// stream is drawn from time zero.
func NewGenerator(eng *Engine, cfg GeneratorConfig) (*Generator, error) {
	if eng == nil {
		return nil, fmt.Errorf("generator: nil engine")
	}
	if cfg.InputBytes < 0 || cfg.OutputBytes < 0 {
		return nil, fmt.Errorf("generator: negative payload size")
	}
	g := &Generator{
		cfg: cfg,
		eng: eng,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	g.streams = []*stream{
		{rate: cfg.GroundRate, node: cfg.GroundNode, lengthBase: groundLengthBase, spread: groundLengthSpread},
		{rate: cfg.SatelliteRate, node: cfg.SatelliteNode, lengthBase: satelliteLengthBase, spread: satelliteLengthSpread},
	}
	for _, s := range g.streams {
		s.next = g.interArrival(s.rate)
	}
	return g, nil
}

// Step adds every arrival due at or before now and returns the new job
// IDs. Arrivals are checked at step granularity, so several may land in
// the same step.
func (g *Generator) Step(now float64) ([]int64, error) {
	var ids []int64
	for _, s := range g.streams {
		for now >= s.next {
			id, err := g.submit(s)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
			s.next = now + g.interArrival(s.rate)
		}
	}
	return ids, nil
}

func (g *Generator) submit(s *stream) (int64, error) {
	job := model.Job{
		LengthMI:    s.lengthBase + g.rng.Int63n(s.spread),
		InputBytes:  g.cfg.InputBytes,
		OutputBytes: g.cfg.OutputBytes,
		SourceNode:  s.node,
		ResourceID:  model.Unbound,
	}
	id, err := g.eng.AddJob(job)
	if err != nil {
		return 0, fmt.Errorf("generate job from %s: %w", s.node, err)
	}
	if g.cfg.BindRoundRobin {
		res := g.eng.Resources()
		if len(res) > 0 {
			target := res[g.rr%len(res)].ID
			g.rr++
			if err := g.eng.Bind(id, target); err != nil {
				return id, err
			}
		}
	}
	return id, nil
}

func (g *Generator) interArrival(rate float64) float64 {
	if rate <= 0 || math.IsNaN(rate) {
		return math.Inf(1)
	}
	return g.rng.ExpFloat64() / rate
}
