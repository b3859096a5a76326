// Package config loads the testbed configuration: built-in defaults, then
// a YAML file, then environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/sagin-testbed/core"
	"github.com/signalsfoundry/sagin-testbed/internal/engine"
	"github.com/signalsfoundry/sagin-testbed/model"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Transport kinds.
const (
	TransportFile   = "file"
	TransportGRPC   = "grpc"
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// Config holds the complete testbed configuration.
type Config struct {
	Run       RunConfig       `yaml:"run"`
	Energy    EnergyConfig    `yaml:"energy"`
	Transport TransportConfig `yaml:"transport"`
	Network   NetworkConfig   `yaml:"network"`
	Engine    EngineConfig    `yaml:"engine"`
	Ops       OpsConfig       `yaml:"ops"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// RunConfig controls the clock and the decision exchange timing.
type RunConfig struct {
	TickSeconds     float64 `yaml:"tick_seconds"`
	DurationSeconds float64 `yaml:"duration_seconds"`
	// Mode is "accelerated" or "realtime".
	Mode string `yaml:"mode"`
	// AwaitFraction is the share of a tick spent waiting for a decision.
	AwaitFraction float64       `yaml:"await_fraction"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	// Epoch is the wall time of simulated time zero.
	Epoch time.Time `yaml:"epoch"`
}

// EnergyConfig holds the power and transfer energy constants.
type EnergyConfig struct {
	IdleWatts    float64 `yaml:"idle_watts"`
	PeakWatts    float64 `yaml:"peak_watts"`
	JoulesPerBit float64 `yaml:"joules_per_bit"`
}

// TransportConfig selects and configures the decision transport.
type TransportConfig struct {
	Kind  string               `yaml:"kind"`
	File  FileTransportConfig  `yaml:"file"`
	GRPC  GRPCTransportConfig  `yaml:"grpc"`
	Kafka KafkaTransportConfig `yaml:"kafka"`
}

type FileTransportConfig struct {
	Dir string `yaml:"dir"`
}

type GRPCTransportConfig struct {
	Listen string `yaml:"listen"`
}

type KafkaTransportConfig struct {
	Brokers       []string `yaml:"brokers"`
	StateTopic    string   `yaml:"state_topic"`
	DecisionTopic string   `yaml:"decision_topic"`
	GroupID       string   `yaml:"group_id"`
}

// NetworkConfig seeds the network profile.
type NetworkConfig struct {
	// ProfileCSV is an optional bulk link profile.
	ProfileCSV string `yaml:"profile_csv"`
	// Links are static entries added on top of the CSV.
	Links []LinkConfig `yaml:"links"`
	// Orbital, when set, answers satellite/ground pairs the profile does
	// not know from TLE propagation.
	Orbital *OrbitalConfig `yaml:"orbital"`
}

// LinkConfig is one static link profile entry.
type LinkConfig struct {
	Src           string  `yaml:"src"`
	Dst           string  `yaml:"dst"`
	EffectiveFrom float64 `yaml:"effective_from"`
	RTTMs         float64 `yaml:"rtt_ms"`
	UpMbps        float64 `yaml:"up_mbps"`
	DownMbps      float64 `yaml:"down_mbps"`
	Loss          float64 `yaml:"loss"`
	// Down marks the link unavailable.
	Down bool `yaml:"down"`
}

// Metrics converts the entry.
func (l LinkConfig) Metrics() core.LinkMetrics {
	return core.NewLinkMetrics(l.RTTMs, l.UpMbps, l.DownMbps, l.Loss, !l.Down)
}

type OrbitalConfig struct {
	MinElevationDeg   float64               `yaml:"min_elevation_deg"`
	ProcessingDelayMs float64               `yaml:"processing_delay_ms"`
	UpMbps            float64               `yaml:"up_mbps"`
	DownMbps          float64               `yaml:"down_mbps"`
	Loss              float64               `yaml:"loss"`
	Satellites        []SatelliteConfig     `yaml:"satellites"`
	GroundStations    []GroundStationConfig `yaml:"ground_stations"`
}

type SatelliteConfig struct {
	Node string `yaml:"node"`
	TLE1 string `yaml:"tle1"`
	TLE2 string `yaml:"tle2"`
}

type GroundStationConfig struct {
	Node   string  `yaml:"node"`
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
	AltKm  float64 `yaml:"alt_km"`
}

// EngineConfig configures the in-memory engine and its workload.
type EngineConfig struct {
	ReportUtilization bool             `yaml:"report_utilization"`
	Resources         []ResourceConfig `yaml:"resources"`
	Generator         GeneratorConfig  `yaml:"generator"`
}

type ResourceConfig struct {
	ID        int64   `yaml:"id"`
	Node      string  `yaml:"node"`
	MIPS      float64 `yaml:"mips"`
	PEs       int     `yaml:"pes"`
	RAMMB     int64   `yaml:"ram_mb"`
	BWMbps    int64   `yaml:"bw_mbps"`
	StorageMB int64   `yaml:"storage_mb"`
}

type GeneratorConfig struct {
	GroundRate     float64 `yaml:"ground_rate"`
	SatelliteRate  float64 `yaml:"satellite_rate"`
	GroundNode     string  `yaml:"ground_node"`
	SatelliteNode  string  `yaml:"satellite_node"`
	Seed           int64   `yaml:"seed"`
	InputBytes     int64   `yaml:"input_bytes"`
	OutputBytes    int64   `yaml:"output_bytes"`
	BindRoundRobin bool    `yaml:"bind_round_robin"`
}

// OpsConfig configures the operator HTTP surface. An empty Listen
// disables it.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Backend string `yaml:"backend"`
}

// TracingConfig configures span export. Exporter is "stdout" or "otlp".
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the built-in configuration: two resources, both
// Poisson streams and the file transport under ./exchange.
func Default() Config {
	return Config{
		Run: RunConfig{
			TickSeconds:     1,
			DurationSeconds: 60,
			Mode:            "accelerated",
			AwaitFraction:   0.9,
			PollInterval:    10 * time.Millisecond,
			Epoch:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Energy: EnergyConfig{
			IdleWatts:    10,
			PeakWatts:    35,
			JoulesPerBit: core.DefaultEnergyPerBit,
		},
		Transport: TransportConfig{
			Kind: TransportFile,
			File: FileTransportConfig{Dir: "exchange"},
			GRPC: GRPCTransportConfig{Listen: "127.0.0.1:50061"},
			Kafka: KafkaTransportConfig{
				Brokers:       []string{"localhost:9092"},
				StateTopic:    "testbed.state",
				DecisionTopic: "testbed.decision",
				GroupID:       "sagin-testbed",
			},
		},
		Network: NetworkConfig{
			Links: []LinkConfig{
				defaultLink("gs_0", "vm_101"),
				defaultLink("gs_0", "vm_201"),
				defaultLink("sat_0", "vm_101"),
				defaultLink("sat_0", "vm_201"),
			},
		},
		Engine: EngineConfig{
			ReportUtilization: true,
			Resources: []ResourceConfig{
				{ID: 101, Node: "vm_101", MIPS: 5000, PEs: 2, RAMMB: 4096, BWMbps: 500000, StorageMB: 10000},
				{ID: 201, Node: "vm_201", MIPS: 5000, PEs: 1, RAMMB: 4096, BWMbps: 500000, StorageMB: 10000},
			},
			Generator: GeneratorConfig{
				GroundRate:    engine.DefaultGroundRate,
				SatelliteRate: engine.DefaultSatelliteRate,
				GroundNode:    "gs_0",
				SatelliteNode: "sat_0",
				Seed:          engine.DefaultSeed,
				InputBytes:    engine.DefaultInputBytes,
				OutputBytes:   engine.DefaultOutputBytes,
			},
		},
		Ops: OpsConfig{Listen: "127.0.0.1:9464"},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Backend: "slog",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "sagin-testbed",
			SampleRatio: 1,
		},
	}
}

func defaultLink(src, dst string) LinkConfig {
	return LinkConfig{
		Src:      src,
		Dst:      dst,
		RTTMs:    core.DefaultPatchRTTMs,
		UpMbps:   core.DefaultPatchBandwidthMbps,
		DownMbps: core.DefaultPatchBandwidthMbps,
		Loss:     core.DefaultPatchLoss,
	}
}

// Load builds the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode strictly decodes YAML over cfg; unknown keys are errors.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv applies TESTBED_* and LOG_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, v)
		}
		*dst = f
		return nil
	}

	if err := num("TESTBED_TICK_SECONDS", &cfg.Run.TickSeconds); err != nil {
		return err
	}
	if err := num("TESTBED_DURATION_SECONDS", &cfg.Run.DurationSeconds); err != nil {
		return err
	}
	if err := num("TESTBED_AWAIT_FRACTION", &cfg.Run.AwaitFraction); err != nil {
		return err
	}
	str("TESTBED_MODE", &cfg.Run.Mode)
	str("TESTBED_TRANSPORT", &cfg.Transport.Kind)
	str("TESTBED_EXCHANGE_DIR", &cfg.Transport.File.Dir)
	str("TESTBED_GRPC_LISTEN", &cfg.Transport.GRPC.Listen)
	if v, ok := lookup("TESTBED_KAFKA_BROKERS"); ok && v != "" {
		cfg.Transport.Kafka.Brokers = splitList(v)
	}
	str("TESTBED_PROFILE_CSV", &cfg.Network.ProfileCSV)
	if v, ok := lookup("TESTBED_OPS_LISTEN"); ok {
		cfg.Ops.Listen = v
	}
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_BACKEND", &cfg.Logging.Backend)

	if v, ok := lookup("TESTBED_TRACING_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: TESTBED_TRACING_ENABLED=%q is not a boolean", ErrInvalid, v)
		}
		cfg.Tracing.Enabled = enabled
	}
	if v, ok := lookup("TESTBED_TRACING_EXPORTER"); ok && v != "" {
		cfg.Tracing.Exporter = strings.ToLower(v)
	}
	str("TESTBED_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	str("TESTBED_TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	return num("TESTBED_TRACING_SAMPLE_RATIO", &cfg.Tracing.SampleRatio)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !positiveFinite(c.Run.TickSeconds) {
		add("run.tick_seconds must be positive")
	}
	if c.Run.DurationSeconds < 0 || math.IsNaN(c.Run.DurationSeconds) {
		add("run.duration_seconds must not be negative")
	}
	switch c.Run.Mode {
	case "accelerated", "realtime":
	default:
		add("run.mode %q must be accelerated or realtime", c.Run.Mode)
	}
	if !(c.Run.AwaitFraction > 0 && c.Run.AwaitFraction <= 1) {
		add("run.await_fraction must be in (0, 1]")
	}
	if c.Run.PollInterval <= 0 {
		add("run.poll_interval must be positive")
	}

	if c.Energy.IdleWatts < 0 || c.Energy.PeakWatts < c.Energy.IdleWatts {
		add("energy: need 0 <= idle_watts <= peak_watts")
	}
	if !positiveFinite(c.Energy.JoulesPerBit) {
		add("energy.joules_per_bit must be positive")
	}

	switch c.Transport.Kind {
	case TransportFile:
		if c.Transport.File.Dir == "" {
			add("transport.file.dir is required")
		}
	case TransportGRPC:
		if c.Transport.GRPC.Listen == "" {
			add("transport.grpc.listen is required")
		}
	case TransportKafka:
		k := c.Transport.Kafka
		if len(k.Brokers) == 0 || k.StateTopic == "" || k.DecisionTopic == "" {
			add("transport.kafka needs brokers, state_topic and decision_topic")
		}
	case TransportMemory:
	default:
		add("transport.kind %q is not one of file, grpc, kafka, memory", c.Transport.Kind)
	}

	for i, l := range c.Network.Links {
		if l.Src == "" || l.Dst == "" {
			add("network.links[%d]: src and dst are required", i)
		}
		if l.Loss < 0 || l.Loss > 1 {
			add("network.links[%d]: loss must be within [0, 1]", i)
		}
	}
	if o := c.Network.Orbital; o != nil {
		if o.MinElevationDeg < -90 || o.MinElevationDeg > 90 {
			add("network.orbital.min_elevation_deg must be within [-90, 90]")
		}
		if o.Loss < 0 || o.Loss > 1 {
			add("network.orbital.loss must be within [0, 1]")
		}
	}

	if len(c.Engine.Resources) == 0 {
		add("engine.resources must not be empty")
	}
	seen := make(map[int64]bool, len(c.Engine.Resources))
	for i, r := range c.Engine.Resources {
		if seen[r.ID] {
			add("engine.resources[%d]: duplicate id %d", i, r.ID)
		}
		seen[r.ID] = true
		if r.ID <= 0 {
			add("engine.resources[%d]: id must be positive", i)
		}
		if r.Node == "" {
			add("engine.resources[%d]: node is required", i)
		}
		if !positiveFinite(r.MIPS) {
			add("engine.resources[%d]: mips must be positive", i)
		}
		if r.PEs < 1 {
			add("engine.resources[%d]: pes must be at least 1", i)
		}
	}
	g := c.Engine.Generator
	if g.GroundRate < 0 || g.SatelliteRate < 0 {
		add("engine.generator rates must not be negative")
	}
	if g.InputBytes < 0 || g.OutputBytes < 0 {
		add("engine.generator payload sizes must not be negative")
	}

	switch c.Tracing.Exporter {
	case "stdout", "otlp":
	default:
		add("tracing.exporter %q must be stdout or otlp", c.Tracing.Exporter)
	}
	if !(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1) {
		add("tracing.sample_ratio must be within [0, 1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// TickDuration returns the tick as a time.Duration.
func (c *Config) TickDuration() time.Duration {
	return time.Duration(c.Run.TickSeconds * float64(time.Second))
}

// RunDuration returns the configured run length; zero means unbounded.
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Run.DurationSeconds * float64(time.Second))
}

// AwaitTimeout returns the per-tick decision wait bound.
func (c *Config) AwaitTimeout() time.Duration {
	return time.Duration(c.Run.TickSeconds * c.Run.AwaitFraction * float64(time.Second))
}

// EngineResources converts the resource list for the engine.
func (c *Config) EngineResources() []model.Resource {
	out := make([]model.Resource, 0, len(c.Engine.Resources))
	for _, r := range c.Engine.Resources {
		out = append(out, model.Resource{
			ID:        r.ID,
			Node:      r.Node,
			MIPS:      r.MIPS,
			PEs:       r.PEs,
			RAMMB:     r.RAMMB,
			BWMbps:    r.BWMbps,
			StorageMB: r.StorageMB,
		})
	}
	return out
}

// Workload converts the generator section.
func (c *Config) Workload() engine.GeneratorConfig {
	g := c.Engine.Generator
	return engine.GeneratorConfig{
		GroundRate:     g.GroundRate,
		SatelliteRate:  g.SatelliteRate,
		GroundNode:     g.GroundNode,
		SatelliteNode:  g.SatelliteNode,
		Seed:           g.Seed,
		InputBytes:     g.InputBytes,
		OutputBytes:    g.OutputBytes,
		BindRoundRobin: g.BindRoundRobin,
	}
}

// OrbitalLinks converts the orbital section, or returns false when it is
// absent.
func (c *Config) OrbitalLinks() (core.OrbitalConfig, bool) {
	o := c.Network.Orbital
	if o == nil {
		return core.OrbitalConfig{}, false
	}
	out := core.OrbitalConfig{
		Epoch:             c.Run.Epoch,
		MinElevationDeg:   o.MinElevationDeg,
		ProcessingDelayMs: o.ProcessingDelayMs,
		UpMbps:            o.UpMbps,
		DownMbps:          o.DownMbps,
		Loss:              o.Loss,
	}
	for _, s := range o.Satellites {
		out.Satellites = append(out.Satellites, core.Satellite{Node: s.Node, TLE1: s.TLE1, TLE2: s.TLE2})
	}
	for _, g := range o.GroundStations {
		out.GroundStations = append(out.GroundStations, core.GroundStation{
			Node: g.Node, LatDeg: g.LatDeg, LonDeg: g.LonDeg, AltKm: g.AltKm,
		})
	}
	return out, true
}
