package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/swarm-simulator/behavior"
	"github.com/signalsfoundry/swarm-simulator/core"
	"github.com/signalsfoundry/swarm-simulator/internal/logging"
	"github.com/signalsfoundry/swarm-simulator/internal/observability"
	"github.com/signalsfoundry/swarm-simulator/internal/storage"
	"github.com/signalsfoundry/swarm-simulator/model"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/timectrl"
)

const (
	optionNameScenario       = "scenario"
	optionNameInterval       = "interval"
	optionNameSpeed          = "speed"
	optionNameAccelerated    = "accelerated"
	optionNameDuration       = "duration"
	optionNameSeed           = "seed"
	optionNameReservedRate   = "reserved-rate"
	optionNameDiscoveryLimit = "discovery-limit"
	optionNameForgetClosed   = "forget-closed"
	optionNamePoolDir        = "pool-dir"
	optionNameKeepPool       = "keep-pool"
	optionNameOutput         = "output"
	optionNameFormat         = "format"
	optionNameMetricsAddr    = "metrics-addr"
	optionNameLogLevel       = "log-level"
	optionNameLogFormat      = "log-format"
	optionNameRoles          = "roles"

	optionNameTracingEnabled     = "tracing-enabled"
	optionNameTracingExporter    = "tracing-exporter"
	optionNameTracingEndpoint    = "tracing-endpoint"
	optionNameTracingSampleRatio = "tracing-sample-ratio"
	optionNameTracingServiceName = "tracing-service-name"
)

const metricsShutdownTimeout = 5 * time.Second

func (c *command) initRunCmd() error {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a swarm scenario and stream its telemetry",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return c.config.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSimulation(cmd)
		},
	}

	flags := cmd.Flags()
	flags.String(optionNameScenario, "", "scenario JSON file; the built-in seed/leech swarm when empty")
	flags.Duration(optionNameInterval, core.DefaultInterval, "wall time between ticks")
	flags.Float64(optionNameSpeed, core.DefaultSpeed, "simulated time per unit of wall time")
	flags.Bool(optionNameAccelerated, false, "run ticks back to back instead of in real time")
	flags.Duration(optionNameDuration, 0, "simulated time limit; zero runs until every peer completes")
	flags.Int64(optionNameSeed, 0, "random seed; zero picks one from the clock")
	flags.Int64(optionNameReservedRate, core.DefaultReservedRate, "bytes per second reserved for every open channel")
	flags.Int(optionNameDiscoveryLimit, 0, "candidates offered to a peer per tick")
	flags.Bool(optionNameForgetClosed, false, "let peers rediscover each other after their channel closed")
	flags.String(optionNamePoolDir, "", "directory of the storage pool; in memory when empty")
	flags.Bool(optionNameKeepPool, false, "keep the storage pool after the run")
	flags.StringP(optionNameOutput, "o", "-", "telemetry output file, - for stdout")
	flags.String(optionNameFormat, "json", "telemetry encoding: json or msgpack")
	flags.String(optionNameMetricsAddr, "", "address to serve Prometheus /metrics on; disabled when empty")
	flags.String(optionNameLogLevel, "info", "log verbosity: debug, info, warn or error")
	flags.String(optionNameLogFormat, "text", "log format: text or json")
	flags.Bool(optionNameTracingEnabled, false, "export OpenTelemetry spans")
	flags.String(optionNameTracingExporter, observability.ExporterStdout, "span exporter: stdout or otlp")
	flags.String(optionNameTracingEndpoint, observability.DefaultOTLPEndpoint, "OTLP/gRPC collector address")
	flags.Float64(optionNameTracingSampleRatio, 1, "fraction of runs traced")
	flags.String(optionNameTracingServiceName, observability.DefaultServiceName, "service name on exported spans")

	c.root.AddCommand(cmd)
	return nil
}

func (c *command) runSimulation(cmd *cobra.Command) (err error) {
	ctx := cmd.Context()
	cfg := c.config

	log := logging.NewWithWriter(cmd.ErrOrStderr(), logging.Config{
		Level:  cfg.GetString(optionNameLogLevel),
		Format: cfg.GetString(optionNameLogFormat),
	})

	sc, err := c.scenario()
	if err != nil {
		return err
	}
	roles, err := c.registry.Roles(sc)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	ctx, session := logging.EnsureSession(ctx)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.GetBool(optionNameTracingEnabled),
		ServiceName: cfg.GetString(optionNameTracingServiceName),
		Exporter:    cfg.GetString(optionNameTracingExporter),
		Endpoint:    cfg.GetString(optionNameTracingEndpoint),
		SampleRatio: cfg.GetFloat64(optionNameTracingSampleRatio),
		SessionID:   session,
		Writer:      cmd.ErrOrStderr(),
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	encoder, err := c.encoder(cmd)
	if err != nil {
		return err
	}

	agg := telemetry.NewAggregator()
	opts := append(core.ScenarioOptions(sc), c.overrides()...)
	opts = append(opts,
		core.WithSessionID(session),
		core.WithStorage(c.pool()),
		core.WithKeepStorage(cfg.GetBool(optionNameKeepPool)),
		core.WithSink(telemetry.Fanout{encoder, agg, simMetrics, telemetry.NewLogSink(log)}),
		core.WithLogger(log),
		core.WithMetrics(engineMetrics),
		core.WithTracer(observability.Tracer()),
	)
	sim := core.New(opts...)

	log.Info(ctx, "starting simulation",
		logging.String("scenario", sc.Name),
		logging.Int("peers", sc.PeerCount()),
	)

	g, gctx := errgroup.WithContext(ctx)
	srv := c.metricsServer(simMetrics)
	if srv != nil {
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		if err := sim.Setup(gctx, roles...); err != nil {
			_ = sim.Close()
			return err
		}
		return sim.Run(gctx)
	})
	err = g.Wait()

	snap := agg.Snapshot()
	log.Info(ctx, "simulation finished",
		logging.String("state", snap.Simulator.State),
		logging.Uint64("iterations", snap.Simulator.Iteration),
		logging.Int64("time_ms", snap.Simulator.Time),
		logging.Int64("pending", snap.Simulator.Pending),
		logging.Int("sockets", len(snap.Sockets)),
		logging.Any("custom", snap.Custom),
	)
	return err
}

// scenario resolves the scenario to run: a scenario file, else a roles list
// in the config file, else the built-in swarm.
func (c *command) scenario() (*model.Scenario, error) {
	if path := c.config.GetString(optionNameScenario); path != "" {
		return core.LoadScenarioFile(c.fs, path)
	}
	if c.config.IsSet(optionNameRoles) {
		b, err := json.Marshal(map[string]any{
			"name":  "config",
			"roles": c.config.Get(optionNameRoles),
		})
		if err != nil {
			return nil, fmt.Errorf("read roles from config: %w", err)
		}
		return core.LoadScenario(bytes.NewReader(b))
	}
	return defaultScenario(), nil
}

// defaultScenario is a single seed publishing a log to twenty leeches over
// faster links than its own.
func defaultScenario() *model.Scenario {
	return &model.Scenario{
		Name: "swarm",
		Roles: []model.RoleSpec{
			{
				Name:     "seed",
				Behavior: "seed",
				Count:    1,
				LinkRate: 56 << 10,
				Topic:    behavior.DefaultTopic,
				Params:   map[string]any{"blocks": behavior.DefaultBlocks},
			},
			{
				Name:     "leech",
				Behavior: "leech",
				Count:    20,
				LinkRate: 1024 << 8,
				Latency:  100 * time.Millisecond,
				Topic:    behavior.DefaultTopic,
				Params:   map[string]any{"blocks": behavior.DefaultBlocks},
			},
		},
	}
}

// overrides turns explicitly set flags, env vars and config keys into
// options applied over the scenario's own settings.
func (c *command) overrides() []core.Option {
	cfg := c.config
	var opts []core.Option
	if cfg.IsSet(optionNameInterval) {
		interval := cfg.GetDuration(optionNameInterval)
		opts = append(opts, func(o *core.Options) { o.Interval = interval })
	}
	if cfg.IsSet(optionNameSpeed) {
		speed := cfg.GetFloat64(optionNameSpeed)
		opts = append(opts, func(o *core.Options) { o.Speed = speed })
	}
	if cfg.GetBool(optionNameAccelerated) {
		opts = append(opts, func(o *core.Options) { o.ClockMode = timectrl.Accelerated })
	}
	if cfg.IsSet(optionNameDuration) {
		opts = append(opts, core.WithDuration(cfg.GetDuration(optionNameDuration)))
	}
	if cfg.IsSet(optionNameSeed) {
		opts = append(opts, core.WithSeed(cfg.GetInt64(optionNameSeed)))
	}
	if cfg.IsSet(optionNameReservedRate) {
		opts = append(opts, core.WithReservedRate(cfg.GetInt64(optionNameReservedRate)))
	}
	if cfg.IsSet(optionNameDiscoveryLimit) {
		opts = append(opts, core.WithDiscoveryLimit(cfg.GetInt(optionNameDiscoveryLimit)))
	}
	opts = append(opts, core.WithForgetClosed(cfg.GetBool(optionNameForgetClosed)))
	return opts
}

func (c *command) pool() *storage.Pool {
	dir := c.config.GetString(optionNamePoolDir)
	if dir == "" {
		return storage.NewMemPool()
	}
	return storage.NewPool(c.fs, dir)
}

// encoder builds the telemetry sink writing to the output flag's target.
func (c *command) encoder(cmd *cobra.Command) (telemetry.Sink, error) {
	var w io.Writer
	if out := c.config.GetString(optionNameOutput); out == "" || out == "-" {
		// Hide Close so that closing the sink leaves stdout open.
		w = struct{ io.Writer }{cmd.OutOrStdout()}
	} else {
		f, err := c.fs.Create(out)
		if err != nil {
			return nil, fmt.Errorf("open telemetry output: %w", err)
		}
		w = f
	}

	switch format := c.config.GetString(optionNameFormat); format {
	case "", "json":
		return telemetry.NewJSONSink(w), nil
	case "msgpack":
		return telemetry.NewMsgpackSink(w), nil
	default:
		if cl, ok := w.(afero.File); ok {
			_ = cl.Close()
		}
		return nil, fmt.Errorf("unknown telemetry format %q", format)
	}
}

func (c *command) metricsServer(collector *observability.SimCollector) *http.Server {
	addr := c.config.GetString(optionNameMetricsAddr)
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
