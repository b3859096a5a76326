package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/sagin-testbed/core"
	"github.com/signalsfoundry/sagin-testbed/internal/bridge"
	"github.com/signalsfoundry/sagin-testbed/internal/config"
	"github.com/signalsfoundry/sagin-testbed/internal/engine"
	"github.com/signalsfoundry/sagin-testbed/internal/exchange"
	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/observability"
	"github.com/signalsfoundry/sagin-testbed/internal/opsapi"
	"github.com/signalsfoundry/sagin-testbed/timectrl"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type runOptions struct {
	duration  float64
	tick      float64
	transport string
	dir       string
	opsListen string
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.Float64Var(&o.duration, "duration", 0, "Simulated seconds to run (0 runs until interrupted)")
	fs.Float64Var(&o.tick, "tick", 0, "Tick duration in simulated seconds")
	fs.StringVar(&o.transport, "transport", "", "Decision transport: file, grpc, kafka or memory")
	fs.StringVar(&o.dir, "exchange-dir", "", "Directory for the file transport")
	fs.StringVar(&o.opsListen, "ops-listen", "", "Address of the operator HTTP API (empty disables)")
}

// apply copies flags the user set over cfg.
func (o *runOptions) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("duration") {
		cfg.Run.DurationSeconds = o.duration
	}
	if fs.Changed("tick") {
		cfg.Run.TickSeconds = o.tick
	}
	if fs.Changed("transport") {
		cfg.Transport.Kind = o.transport
	}
	if fs.Changed("exchange-dir") {
		cfg.Transport.File.Dir = o.dir
	}
	if fs.Changed("ops-listen") {
		cfg.Ops.Listen = o.opsListen
	}
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the testbed, exchanging state and decisions with the agent every tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(logging.Config{
				Level:   cfg.Logging.Level,
				Format:  cfg.Logging.Format,
				Backend: cfg.Logging.Backend,
				Output:  cmd.ErrOrStderr(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runID := logging.NewRunID()
			ctx = logging.ContextWithRunID(ctx, runID)

			tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:     cfg.Tracing.Enabled,
				ServiceName: cfg.Tracing.ServiceName,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				SampleRatio: cfg.Tracing.SampleRatio,
				RunID:       runID,
				Output:      cmd.ErrOrStderr(),
			}, log)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			result, err := runTestbed(ctx, cfg, log, prometheus.NewRegistry(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			result.write(cmd.OutOrStdout())
			return nil
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// summary is printed once the run ends.
type summary struct {
	RunID         string
	Ticks         int64
	Finished      int
	Waiting       int
	Running       int
	NetworkJoules float64
	ComputeJoules map[int64]float64
}

func (s summary) write(w io.Writer) {
	fmt.Fprintf(w, "run %s: %d ticks, %d jobs finished, %d running, %d waiting\n",
		s.RunID, s.Ticks, s.Finished, s.Running, s.Waiting)
	fmt.Fprintf(w, "network energy: %.6f J\n", s.NetworkJoules)
	ids := make([]int64, 0, len(s.ComputeJoules))
	for id := range s.ComputeJoules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		fmt.Fprintf(w, "compute energy resource %d: %.3f J\n", id, s.ComputeJoules[id])
	}
}

// ---------- wiring ----------

// runTestbed wires every component from cfg and drives the clock until
// the configured duration has passed or ctx is cancelled.
func runTestbed(ctx context.Context, cfg *config.Config, log logging.Logger, reg *prometheus.Registry, accessLog io.Writer) (summary, error) {
	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		runID = logging.NewRunID()
		ctx = logging.ContextWithRunID(ctx, runID)
	}
	log.Info(ctx, "starting testbed",
		logging.String("transport", cfg.Transport.Kind),
		logging.Float64("tick_seconds", cfg.Run.TickSeconds),
		logging.Float64("duration_seconds", cfg.Run.DurationSeconds),
	)

	bridgeMetrics, err := observability.NewBridgeCollector(reg)
	if err != nil {
		return summary{}, fmt.Errorf("bridge metrics: %w", err)
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return summary{}, fmt.Errorf("engine metrics: %w", err)
	}

	eng, err := engine.New(cfg.EngineResources(),
		engine.WithUtilizationReporting(cfg.Engine.ReportUtilization),
		engine.WithRecorder(engineMetrics),
	)
	if err != nil {
		return summary{}, fmt.Errorf("engine: %w", err)
	}
	gen, err := engine.NewGenerator(eng, cfg.Workload())
	if err != nil {
		return summary{}, err
	}

	profile, err := buildProfile(ctx, cfg, log)
	if err != nil {
		return summary{}, err
	}

	transport, closeTransport, err := buildTransport(ctx, cfg, log, bridgeMetrics)
	if err != nil {
		return summary{}, err
	}
	defer closeTransport()

	channel := exchange.NewChannel(transport, cfg.AwaitTimeout(),
		exchange.WithLogger(log),
		exchange.WithRecorder(bridgeMetrics),
	)
	b, err := bridge.New(eng, channel, profile,
		bridge.WithTickSeconds(cfg.Run.TickSeconds),
		bridge.WithPower(cfg.Energy.IdleWatts, cfg.Energy.PeakWatts),
		bridge.WithJoulesPerBit(cfg.Energy.JoulesPerBit),
		bridge.WithRunID(runID),
		bridge.WithLogger(log),
		bridge.WithMetrics(bridgeMetrics),
	)
	if err != nil {
		return summary{}, err
	}

	var (
		failMu  sync.Mutex
		failure error
	)
	if cfg.Ops.Listen != "" {
		srv, err := serveOps(ctx, cfg.Ops.Listen, opsapi.Deps{
			Metrics: bridgeMetrics.Handler(),
			States:  channel,
			Links:   profile,
			Cost:    b.Cost(),
			Health: func() error {
				failMu.Lock()
				defer failMu.Unlock()
				return failure
			},
		}, accessLog, log)
		if err != nil {
			return summary{}, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	epoch := cfg.Run.Epoch
	tc := timectrl.NewTimeController(epoch, cfg.TickDuration(), timectrl.ParseMode(cfg.Run.Mode))
	tc.AddListener(func(ctx context.Context, simTime time.Time) error {
		now := simTime.Sub(epoch).Seconds()
		eng.AdvanceTo(now)
		if _, err := gen.Step(now); err != nil {
			log.Warn(ctx, "workload generation failed", logging.Float64("time", now), logging.Err(err))
		}
		return b.OnClock(ctx, now)
	})

	err = tc.Run(ctx, cfg.RunDuration())
	switch {
	case err == nil:
		log.Info(ctx, "run complete", logging.Int64("last_tick", channel.LastTick()))
	case errors.Is(err, timectrl.ErrStopped):
		log.Info(ctx, "run interrupted", logging.Int64("last_tick", channel.LastTick()))
	default:
		failMu.Lock()
		failure = err
		failMu.Unlock()
		log.Error(ctx, "run aborted", logging.Err(err))
		return summary{}, err
	}

	return summary{
		RunID:         runID,
		Ticks:         channel.LastTick() + 1,
		Finished:      len(eng.FinishedJobs()),
		Waiting:       len(eng.WaitingJobs()),
		Running:       len(eng.RunningJobs()),
		NetworkJoules: b.Ledger().Network(),
		ComputeJoules: b.Ledger().ComputeTotals(),
	}, nil
}

// buildProfile loads the optional CSV profile plus the static links and
// layers them over the orbital backend when one is configured.
func buildProfile(ctx context.Context, cfg *config.Config, log logging.Logger) (core.Profile, error) {
	top := core.NewMemoryProfile()
	if path := cfg.Network.ProfileCSV; path != "" {
		loaded, report, err := core.LoadCSVFile(path)
		if err != nil {
			return nil, err
		}
		for _, row := range report.Skipped {
			log.Warn(ctx, "skipped link profile row",
				logging.String("path", path),
				logging.Int("line", row.Line),
				logging.String("reason", row.Reason),
			)
		}
		log.Info(ctx, "loaded link profile", logging.String("path", path), logging.Int("rows", report.Loaded))
		top = loaded
	}
	for _, l := range cfg.Network.Links {
		top.Put(l.Src, l.Dst, l.EffectiveFrom, l.Metrics())
	}

	orbital, ok := cfg.OrbitalLinks()
	if !ok {
		return top, nil
	}
	base, err := core.NewOrbitalResolver(orbital)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "orbital link backend enabled",
		logging.Int("satellites", len(orbital.Satellites)),
		logging.Int("ground_stations", len(orbital.GroundStations)),
	)
	return core.NewLayeredProfile(top, base), nil
}

// buildTransport returns the configured transport and a function that
// releases it.
func buildTransport(ctx context.Context, cfg *config.Config, log logging.Logger, metrics *observability.BridgeCollector) (exchange.Transport, func(), error) {
	noop := func() {}
	switch cfg.Transport.Kind {
	case config.TransportFile:
		t, err := exchange.NewFileTransport(cfg.Transport.File.Dir,
			exchange.WithPollInterval(cfg.Run.PollInterval),
			exchange.WithFileLogger(log),
		)
		if err != nil {
			return nil, noop, err
		}
		log.Info(ctx, "file exchange ready", logging.String("dir", t.Dir()))
		return t, noop, nil

	case config.TransportGRPC:
		lis, err := net.Listen("tcp", cfg.Transport.GRPC.Listen)
		if err != nil {
			return nil, noop, fmt.Errorf("listen for decision exchange: %w", err)
		}
		t := exchange.NewGRPCTransport(log, metrics.UnaryServerInterceptor())
		go func() {
			if err := t.Serve(lis); err != nil {
				log.Error(ctx, "decision exchange server exited", logging.Err(err))
			}
		}()
		return t, t.Stop, nil

	case config.TransportKafka:
		k := cfg.Transport.Kafka
		t, err := exchange.NewKafkaTransport(exchange.KafkaConfig{
			Brokers:       k.Brokers,
			StateTopic:    k.StateTopic,
			DecisionTopic: k.DecisionTopic,
			GroupID:       k.GroupID,
		}, log)
		if err != nil {
			return nil, noop, err
		}
		return t, func() {
			if err := t.Close(); err != nil {
				log.Warn(ctx, "closing kafka transport", logging.Err(err))
			}
		}, nil

	case config.TransportMemory:
		t := exchange.NewMemoryTransport()
		t.SetResponder(roundRobinAgent())
		return t, noop, nil
	}
	return nil, noop, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport.Kind)
}

func serveOps(ctx context.Context, addr string, deps opsapi.Deps, accessLog io.Writer, log logging.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for ops api: %w", err)
	}
	srv := &http.Server{
		Handler:           opsapi.Handler(deps, accessLog),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "ops api exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving ops api", logging.String("addr", lis.Addr().String()))
	return srv, nil
}
