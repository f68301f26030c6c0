package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/terrpan/suiterun/internal/buildinfo"
	"github.com/terrpan/suiterun/internal/config"
	"github.com/terrpan/suiterun/internal/exitcodes"
	"github.com/terrpan/suiterun/internal/health"
	"github.com/terrpan/suiterun/internal/history"
	"github.com/terrpan/suiterun/internal/lease"
	"github.com/terrpan/suiterun/internal/lifecycle"
	"github.com/terrpan/suiterun/internal/orchestrator"
	"github.com/terrpan/suiterun/internal/otel"
	"github.com/terrpan/suiterun/internal/report"
	"github.com/terrpan/suiterun/internal/runner"
)

var (
	cfgPath       string
	flagOverrides config.Config

	// Flags whose zero value is meaningful are applied only when set.
	spotBid         float64
	setupTimeout    float64
	execTimeout     float64
	teardownTimeout float64
)

// exitError carries a process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)

		code := exitcodes.ConfigErr
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

var rootCmd = &cobra.Command{
	Use:   "suiterun",
	Short: "Run test suites on an ephemeral cluster and email the results",
	Long: `suiterun starts a cluster, runs an ordered list of test suites on its
master node under one aggregate deadline, terminates the cluster and emails
a single report with per-suite logs attached.

Configuration is read from a YAML file (--config) with optional CLI flag
overrides.  The suite list, recipients and SMTP settings are plain-text
files named by --suites, --recipients and --email-settings.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd, &flagOverrides)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "suiterun.yaml", "Path to YAML configuration file")

	// Input files
	f.StringVar(&flagOverrides.Inputs.Suites, "suites", "", "File of tab-separated suite names and commands")
	f.StringVar(&flagOverrides.Inputs.Recipients, "recipients", "", "File with one recipient email address per line")
	f.StringVar(&flagOverrides.Inputs.EmailSettings, "email-settings", "", "File of tab-separated SMTP settings")

	// Run overrides
	f.StringVar(&flagOverrides.Run.Tag, "tag", "", "Cluster tag")
	f.StringVar(&flagOverrides.Run.Template, "template", "", "Cluster template")
	f.StringVar(&flagOverrides.Run.User, "user", "", "Remote user suites run as (default root)")
	f.Float64Var(&spotBid, "spot-bid", 0, "Maximum spot bid in USD/hour (omit for on-demand)")
	f.BoolVar(&flagOverrides.Run.SuppressSpotBidCheck, "suppress-spot-bid-check", false, "Allow spot bids above the safety ceiling")
	f.Float64Var(&setupTimeout, "setup-timeout", config.DefaultSetupTimeout, "Cluster start deadline in minutes")
	f.Float64Var(&execTimeout, "exec-timeout", config.DefaultExecTimeout, "Aggregate suite deadline in minutes")
	f.Float64Var(&teardownTimeout, "teardown-timeout", config.DefaultTeardownTimeout, "Cluster termination deadline in minutes")

	// Driver overrides
	f.StringVar(&flagOverrides.Driver.Type, "driver", "", "Cluster backend (starcluster, docker, gcp)")
	f.StringVar(&flagOverrides.Driver.StarCluster.ConfigPath, "cluster-config", "", "StarCluster configuration file")
	f.StringVar(&flagOverrides.Driver.StarCluster.Executable, "driver-exe", "", "StarCluster executable")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides copies the explicitly set numeric flags into the
// override config.
func applyFlagOverrides(cmd *cobra.Command, o *config.Config) {
	f := cmd.Flags()
	if f.Changed("spot-bid") {
		o.Run.SpotBid = &spotBid
	}
	if f.Changed("setup-timeout") {
		o.Run.SetupTimeout = &setupTimeout
	}
	if f.Changed("exec-timeout") {
		o.Run.ExecTimeout = &execTimeout
	}
	if f.Changed("teardown-timeout") {
		o.Run.TeardownTimeout = &teardownTimeout
	}
}

// mergeOverrides merges non-zero flag values into the loaded config.
func mergeOverrides(cfg *config.Config, o *config.Config) {
	if o.Inputs.Suites != "" {
		cfg.Inputs.Suites = o.Inputs.Suites
	}
	if o.Inputs.Recipients != "" {
		cfg.Inputs.Recipients = o.Inputs.Recipients
	}
	if o.Inputs.EmailSettings != "" {
		cfg.Inputs.EmailSettings = o.Inputs.EmailSettings
	}
	if o.Run.Tag != "" {
		cfg.Run.Tag = o.Run.Tag
	}
	if o.Run.Template != "" {
		cfg.Run.Template = o.Run.Template
	}
	if o.Run.User != "" {
		cfg.Run.User = o.Run.User
	}
	if o.Run.SpotBid != nil {
		cfg.Run.SpotBid = o.Run.SpotBid
	}
	if o.Run.SuppressSpotBidCheck {
		cfg.Run.SuppressSpotBidCheck = true
	}
	if o.Run.SetupTimeout != nil {
		cfg.Run.SetupTimeout = o.Run.SetupTimeout
	}
	if o.Run.ExecTimeout != nil {
		cfg.Run.ExecTimeout = o.Run.ExecTimeout
	}
	if o.Run.TeardownTimeout != nil {
		cfg.Run.TeardownTimeout = o.Run.TeardownTimeout
	}
	if o.Driver.Type != "" {
		cfg.Driver.Type = o.Driver.Type
	}
	if o.Driver.StarCluster.ConfigPath != "" {
		cfg.Driver.StarCluster.ConfigPath = o.Driver.StarCluster.ConfigPath
	}
	if o.Driver.StarCluster.Executable != "" {
		cfg.Driver.StarCluster.Executable = o.Driver.StarCluster.Executable
	}
	if o.Logging.Level != "" {
		cfg.Logging.Level = o.Logging.Level
	}
	if o.Logging.Format != "" {
		cfg.Logging.Format = o.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration and inputs
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return withCode(exitcodes.ConfigErr, fmt.Errorf("loading config: %w", err))
	}
	mergeOverrides(cfg, &flagOverrides)

	if err := cfg.Validate(); err != nil {
		return withCode(exitcodes.ConfigErr, fmt.Errorf("invalid configuration: %w", err))
	}
	if err := cfg.ValidateSpotBid(); err != nil {
		return withCode(exitcodes.ConfigErr, err)
	}

	inputs, err := cfg.LoadInputs()
	if err != nil {
		return withCode(exitcodes.ConfigErr, fmt.Errorf("reading inputs: %w", err))
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("driver", cfg.Driver.Type),
		slog.String("tag", cfg.Run.Tag),
		slog.Int("suites", len(inputs.Suites)),
		slog.Int("recipients", len(inputs.Recipients)),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	var reg *prometheus.Registry
	if cfg.Metrics.Prometheus() {
		reg = prometheus.NewRegistry()
	}
	otelShutdown, err := otel.Setup(ctx, cfg.TelemetryConfig(reg))
	if err != nil {
		return withCode(exitcodes.ConfigErr, fmt.Errorf("setting up telemetry: %w", err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Tag lease
	// ---------------------------------------------------------------
	if cfg.Lease.RedisURL != "" {
		client, err := lease.NewRedisClient(ctx, cfg.Lease.RedisURL)
		if err != nil {
			return withCode(exitcodes.ConfigErr, err)
		}
		defer client.Close()

		l, err := lease.New(client, logger.WithGroup("lease")).Acquire(ctx, cfg.Run.Tag, cfg.Lease.TTL)
		if err != nil {
			if errors.Is(err, lease.ErrTagInUse) {
				return withCode(exitcodes.TagInUse, err)
			}
			return withCode(exitcodes.ConfigErr, err)
		}
		defer func() {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to release tag lease", slog.String("error", err.Error()))
			}
		}()
	}

	// ---------------------------------------------------------------
	// 5. Cluster driver, runner, notifier
	// ---------------------------------------------------------------
	drv, err := cfg.NewDriver(ctx, logger)
	if err != nil {
		return withCode(exitcodes.ConfigErr, fmt.Errorf("initializing driver: %w", err))
	}
	if c, ok := drv.(io.Closer); ok {
		defer c.Close()
	}

	notifier, err := cfg.NewNotifier(inputs, logger)
	if err != nil {
		return withCode(exitcodes.ConfigErr, fmt.Errorf("initializing notifier: %w", err))
	}

	orch := orchestrator.New(
		cfg.OrchestratorConfig(inputs),
		lifecycle.New(drv, logger.WithGroup("lifecycle")),
		runner.New(drv, logger.WithGroup("runner")),
		notifier,
		logger.WithGroup("orchestrator"),
	)

	// ---------------------------------------------------------------
	// 6. Status server
	// ---------------------------------------------------------------
	if cfg.Metrics.ListenAddr != "" {
		srv, err := health.NewServer(cfg.Metrics.ListenAddr,
			health.Handler(cfg.Driver.Type, cfg.Run.Tag, func() string { return orch.State().String() }),
			reg, logger.WithGroup("server"))
		if err != nil {
			return withCode(exitcodes.ConfigErr, err)
		}
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ---------------------------------------------------------------
	// 7. Run history
	// ---------------------------------------------------------------
	store := openHistory(ctx, cfg, logger)
	if store != nil {
		defer store.Close()
	}

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	rep, runErr := orch.Run(ctx)

	if store != nil && rep != nil {
		if err := store.Save(context.WithoutCancel(ctx), rep); err != nil {
			logger.Warn("failed to archive run", slog.String("error", err.Error()))
		}
	}
	if cfg.Metrics.PushgatewayURL != "" {
		pushMetrics(ctx, cfg, reg, logger)
	}

	return outcome(rep, runErr)
}

// openHistory connects the run archive and logs the tag's previous
// result.  Archive problems never fail the run.
func openHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger) *history.PGXStore {
	if cfg.History.PostgresDSN == "" {
		return nil
	}

	store, err := history.New(ctx, cfg.History.PostgresDSN)
	if err != nil {
		logger.Warn("run history disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn("run history disabled", slog.String("error", err.Error()))
		store.Close()
		return nil
	}

	last, err := store.LastRun(ctx, cfg.Run.Tag)
	switch {
	case err != nil:
		logger.Warn("failed to read previous run", slog.String("error", err.Error()))
	case last != nil:
		logger.Info("previous run",
			slog.String("runID", last.RunID),
			slog.Time("startedAt", last.StartedAt),
			slog.Bool("success", last.OverallSuccess),
		)
	}
	return store
}

func pushMetrics(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := otel.PushMetrics(pctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.JobName, reg,
		map[string]string{"tag": cfg.Run.Tag})
	if err != nil {
		logger.Warn("failed to push metrics", slog.String("error", err.Error()))
	}
}

// outcome maps the finished run onto the process exit code.
func outcome(rep *report.Report, runErr error) error {
	if runErr != nil {
		if errors.Is(runErr, orchestrator.ErrNotify) {
			return withCode(exitcodes.NotifyErr, runErr)
		}
		return withCode(exitcodes.RunFailed, runErr)
	}
	if !rep.OverallSuccess {
		return withCode(exitcodes.RunFailed, errors.New("run failed; see the emailed report"))
	}
	return nil
}
