package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector exposes metrics of the in-memory engine.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	JobsSubmitted prometheus.Counter
	JobsFinished  prometheus.Counter
	JobsWaiting   prometheus.Gauge
	JobsRunning   prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_jobs_submitted_total",
		Help: "Jobs submitted to a resource.",
	})
	submitted, err := registerCounter(reg, submitted, "engine_jobs_submitted_total")
	if err != nil {
		return nil, err
	}

	finished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_jobs_finished_total",
		Help: "Jobs that completed execution.",
	})
	finished, err = registerCounter(reg, finished, "engine_jobs_finished_total")
	if err != nil {
		return nil, err
	}

	waiting := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_jobs_waiting",
		Help: "Jobs generated but not yet submitted.",
	})
	waiting, err = registerGauge(reg, waiting, "engine_jobs_waiting")
	if err != nil {
		return nil, err
	}

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_jobs_running",
		Help: "Jobs submitted and not yet finished, including those still in transfer.",
	})
	running, err = registerGauge(reg, running, "engine_jobs_running")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:      gatherer,
		JobsSubmitted: submitted,
		JobsFinished:  finished,
		JobsWaiting:   waiting,
		JobsRunning:   running,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncSubmitted counts one submission.
func (c *EngineCollector) IncSubmitted() {
	if c == nil || c.JobsSubmitted == nil {
		return
	}
	c.JobsSubmitted.Inc()
}

// AddFinished counts n completions.
func (c *EngineCollector) AddFinished(n int) {
	if c == nil || c.JobsFinished == nil || n <= 0 {
		return
	}
	c.JobsFinished.Add(float64(n))
}

// SetQueueDepths updates the waiting and running gauges.
func (c *EngineCollector) SetQueueDepths(waiting, running int) {
	if c == nil {
		return
	}
	if c.JobsWaiting != nil {
		c.JobsWaiting.Set(float64(waiting))
	}
	if c.JobsRunning != nil {
		c.JobsRunning.Set(float64(running))
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
