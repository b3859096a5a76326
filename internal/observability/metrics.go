package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// BridgeCollector bundles Prometheus metrics for the per-tick bridge and
// the decision exchange, and provides helpers to wire them into gRPC
// servers and HTTP handlers.
type BridgeCollector struct {
	gatherer prometheus.Gatherer

	Ticks          prometheus.Counter
	DuplicateTicks prometheus.Counter
	Decisions      *prometheus.CounterVec
	DecisionWait   prometheus.Histogram
	Assignments    *prometheus.CounterVec
	LinkPatches    *prometheus.CounterVec
	NetworkEnergy  prometheus.Gauge
	ComputeEnergy  *prometheus.GaugeVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewBridgeCollector registers bridge Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewBridgeCollector(reg prometheus.Registerer) (*BridgeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testbed_ticks_total",
		Help: "Ticks for which a state was exported.",
	}), "testbed_ticks_total")
	if err != nil {
		return nil, err
	}
	duplicates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testbed_duplicate_ticks_total",
		Help: "Clock callbacks ignored because their tick was already processed.",
	}), "testbed_duplicate_ticks_total")
	if err != nil {
		return nil, err
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testbed_decisions_total",
		Help: "Decision awaits, labeled by outcome (received, timeout, malformed, stale, cancelled).",
	}, []string{"outcome"})
	decisions, err = registerCounterVec(reg, decisions, "testbed_decisions_total")
	if err != nil {
		return nil, err
	}

	wait, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "testbed_decision_wait_seconds",
		Help:    "Wall time spent waiting for the agent's decision.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.9, 2, 5},
	}), "testbed_decision_wait_seconds")
	if err != nil {
		return nil, err
	}

	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testbed_assignments_total",
		Help: "Assignment records, labeled by result (applied, unknown_job, unknown_resource, unreachable, duplicate, engine_error).",
	}, []string{"result"})
	assignments, err = registerCounterVec(reg, assignments, "testbed_assignments_total")
	if err != nil {
		return nil, err
	}

	patches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testbed_link_patches_total",
		Help: "Link patch records, labeled by result (series, override, cleared, skipped).",
	}, []string{"result"})
	patches, err = registerCounterVec(reg, patches, "testbed_link_patches_total")
	if err != nil {
		return nil, err
	}

	network, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "testbed_network_energy_joules",
		Help: "Cumulative network transfer energy.",
	}), "testbed_network_energy_joules")
	if err != nil {
		return nil, err
	}

	compute := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "testbed_compute_energy_joules",
		Help: "Cumulative compute energy per resource.",
	}, []string{"resource"})
	compute, err = registerGaugeVec(reg, compute, "testbed_compute_energy_joules")
	if err != nil {
		return nil, err
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_rpc_requests_total",
		Help: "Total number of handled decision exchange RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err = registerCounterVec(reg, requests, "exchange_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_rpc_duration_seconds",
		Help:    "Decision exchange RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"})
	durations, err = registerHistogramVec(reg, durations, "exchange_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &BridgeCollector{
		gatherer:       gatherer,
		Ticks:          ticks,
		DuplicateTicks: duplicates,
		Decisions:      decisions,
		DecisionWait:   wait,
		Assignments:    assignments,
		LinkPatches:    patches,
		NetworkEnergy:  network,
		ComputeEnergy:  compute,
		RPCRequests:    requests,
		RPCDurations:   durations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *BridgeCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncTick counts one exported tick.
func (c *BridgeCollector) IncTick() {
	if c == nil || c.Ticks == nil {
		return
	}
	c.Ticks.Inc()
}

// IncDuplicateTick counts one ignored clock callback.
func (c *BridgeCollector) IncDuplicateTick() {
	if c == nil || c.DuplicateTicks == nil {
		return
	}
	c.DuplicateTicks.Inc()
}

// ObserveDecision records how an await ended and how long it took.
func (c *BridgeCollector) ObserveDecision(outcome string, waited time.Duration) {
	if c == nil {
		return
	}
	if c.Decisions != nil {
		c.Decisions.WithLabelValues(outcome).Inc()
	}
	if c.DecisionWait != nil {
		c.DecisionWait.Observe(waited.Seconds())
	}
}

// AddAssignments adds n assignment records with the given result.
func (c *BridgeCollector) AddAssignments(result string, n int) {
	if c == nil || c.Assignments == nil || n <= 0 {
		return
	}
	c.Assignments.WithLabelValues(result).Add(float64(n))
}

// AddLinkPatches adds n patch records with the given result.
func (c *BridgeCollector) AddLinkPatches(result string, n int) {
	if c == nil || c.LinkPatches == nil || n <= 0 {
		return
	}
	c.LinkPatches.WithLabelValues(result).Add(float64(n))
}

// SetEnergy publishes the ledger totals.
func (c *BridgeCollector) SetEnergy(network float64, compute map[int64]float64) {
	if c == nil {
		return
	}
	if c.NetworkEnergy != nil {
		c.NetworkEnergy.Set(network)
	}
	if c.ComputeEnergy != nil {
		for id, j := range compute {
			c.ComputeEnergy.WithLabelValues(strconv.FormatInt(id, 10)).Set(j)
		}
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *BridgeCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BridgeCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
