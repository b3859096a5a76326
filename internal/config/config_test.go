package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 900*time.Millisecond, cfg.AwaitTimeout())
	assert.Equal(t, time.Second, cfg.TickDuration())
	assert.Equal(t, 60*time.Second, cfg.RunDuration())
	assert.Len(t, cfg.EngineResources(), 2)
	_, ok := cfg.OrbitalLinks()
	assert.False(t, ok)

	require.Len(t, cfg.Network.Links, 4)
	m := cfg.Network.Links[0].Metrics()
	assert.True(t, m.Available())
	assert.Equal(t, 300.0, m.UpMbps())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testbed.yaml")
	data := []byte(`
run:
  tick_seconds: 0.5
  poll_interval: 5ms
transport:
  kind: kafka
  kafka:
    brokers: [broker-a:9092, broker-b:9092]
engine:
  resources:
    - {id: 7, node: edge_7, mips: 2000, pes: 4}
network:
  orbital:
    min_elevation_deg: 10
    up_mbps: 50
    down_mbps: 200
    satellites:
      - node: sat_0
        tle1: "1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927"
        tle2: "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Run.TickSeconds)
	assert.Equal(t, 5*time.Millisecond, cfg.Run.PollInterval)
	assert.Equal(t, 450*time.Millisecond, cfg.AwaitTimeout())
	assert.Equal(t, TransportKafka, cfg.Transport.Kind)
	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, "testbed.state", cfg.Transport.Kafka.StateTopic)

	res := cfg.EngineResources()
	require.Len(t, res, 1)
	assert.Equal(t, int64(7), res[0].ID)
	assert.Equal(t, 4, res[0].PEs)

	orbital, ok := cfg.OrbitalLinks()
	require.True(t, ok)
	assert.Equal(t, cfg.Run.Epoch, orbital.Epoch)
	require.Len(t, orbital.Satellites, 1)
	assert.Equal(t, "sat_0", orbital.Satellites[0].Node)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	cfg := Default()
	err := Decode([]byte("run:\n  tick_secs: 2\n"), &cfg)
	require.Error(t, err)
}

func TestDecodeEmptyKeepsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode([]byte("  \n"), &cfg))
	assert.Equal(t, Default().Run, cfg.Run)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"TESTBED_TICK_SECONDS":  "2",
		"TESTBED_TRANSPORT":     "grpc",
		"TESTBED_GRPC_LISTEN":   ":7000",
		"TESTBED_KAFKA_BROKERS": "a:1, b:2,,",
		"TESTBED_OPS_LISTEN":    "",
		"LOG_LEVEL":             "debug",
		"LOG_BACKEND":           "logrus",
	}))
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.Run.TickSeconds)
	assert.Equal(t, TransportGRPC, cfg.Transport.Kind)
	assert.Equal(t, ":7000", cfg.Transport.GRPC.Listen)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Transport.Kafka.Brokers)
	assert.Empty(t, cfg.Ops.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "logrus", cfg.Logging.Backend)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsBadNumber(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{"TESTBED_DURATION_SECONDS": "soon"}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestApplyEnvTracing(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"TESTBED_TRACING_ENABLED":      "true",
		"TESTBED_TRACING_EXPORTER":     "OTLP",
		"TESTBED_TRACING_SAMPLE_RATIO": "0.25",
		"TESTBED_OTLP_ENDPOINT":        "collector:4317",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "sagin-testbed", cfg.Tracing.ServiceName)
	require.NoError(t, cfg.Validate())

	err = ApplyEnv(&cfg, envMap(map[string]string{"TESTBED_TRACING_ENABLED": "maybe"}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidateReportsProblems(t *testing.T) {
	cases := map[string]func(*Config){
		"tick":          func(c *Config) { c.Run.TickSeconds = 0 },
		"mode":          func(c *Config) { c.Run.Mode = "warp" },
		"await":         func(c *Config) { c.Run.AwaitFraction = 1.5 },
		"poll":          func(c *Config) { c.Run.PollInterval = 0 },
		"power":         func(c *Config) { c.Energy.IdleWatts = 50 },
		"transport":     func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		"file dir":      func(c *Config) { c.Transport.File.Dir = "" },
		"kafka":         func(c *Config) { c.Transport.Kind = TransportKafka; c.Transport.Kafka.Brokers = nil },
		"no resources":  func(c *Config) { c.Engine.Resources = nil },
		"duplicate id":  func(c *Config) { c.Engine.Resources[1].ID = c.Engine.Resources[0].ID },
		"zero mips":     func(c *Config) { c.Engine.Resources[0].MIPS = 0 },
		"zero id":       func(c *Config) { c.Engine.Resources[0].ID = 0 },
		"negative rate": func(c *Config) { c.Engine.Generator.GroundRate = -1 },
		"orbital loss":  func(c *Config) { c.Network.Orbital = &OrbitalConfig{Loss: 2} },
		"link src":      func(c *Config) { c.Network.Links[0].Src = "" },
		"exporter":      func(c *Config) { c.Tracing.Exporter = "jaeger" },
		"sample ratio":  func(c *Config) { c.Tracing.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
