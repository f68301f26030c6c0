// Package orchestrator drives one run through its phases: set up a
// cluster, run the suites, tear the cluster down and deliver exactly one
// report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/suiterun/internal/driver"
	"github.com/terrpan/suiterun/internal/lifecycle"
	"github.com/terrpan/suiterun/internal/report"
	"github.com/terrpan/suiterun/internal/suite"
)

var (
	// ErrNotify is returned by Run when the report could not be delivered.
	// The run itself completed; only the recipients were not reached.
	ErrNotify = errors.New("delivering report")

	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("orchestrator has already run")
)

// Config is the immutable description of one run.
type Config struct {
	Tag      string
	Template string
	User     string

	// SpotBid is the maximum USD/hour bid; nil requests on-demand capacity.
	SpotBid              *float64
	SuppressSpotBidCheck bool

	Timeouts report.Timeouts
	Suites   []suite.Spec
}

// ClusterManager provisions and destroys the run's cluster.
type ClusterManager interface {
	Validate(bid *float64, suppress bool) error
	Start(ctx context.Context, req driver.StartRequest, timeout time.Duration) (*lifecycle.Handle, error)
	Terminate(ctx context.Context, h *lifecycle.Handle, timeout time.Duration) error
}

// SuiteRunner runs the ordered suite list on a live cluster.
type SuiteRunner interface {
	RunAll(ctx context.Context, suites []suite.Spec, h *lifecycle.Handle, user string, timeout time.Duration) []suite.Result
}

// Notifier delivers a finished report.
type Notifier interface {
	Send(ctx context.Context, r *report.Report) error
}

// Orchestrator runs the state machine for a single run.
type Orchestrator struct {
	cfg      Config
	clusters ClusterManager
	runner   SuiteRunner
	notifier Notifier
	logger   *slog.Logger

	now   func() time.Time
	newID func() string

	mu      sync.RWMutex
	state   State
	started bool

	tracer        trace.Tracer
	phaseDuration metric.Float64Histogram
	runsCompleted metric.Int64Counter
}

// New creates an Orchestrator in state INIT.
func New(cfg Config, clusters ClusterManager, runner SuiteRunner, notifier Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	o := &Orchestrator{
		cfg:      cfg,
		clusters: clusters,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		state:    StateInit,
		tracer:   otel.Tracer("suiterun/orchestrator"),
	}

	meter := otel.Meter("suiterun/orchestrator")

	var err error
	o.phaseDuration, err = meter.Float64Histogram(
		"suiterun.phase.duration",
		metric.WithDescription("Wall time of a run phase (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 1200, 3600, 14400),
	)
	if err != nil {
		logger.Warn("failed to create phaseDuration histogram", slog.String("error", err.Error()))
	}

	o.runsCompleted, err = meter.Int64Counter(
		"suiterun.runs.completed",
		metric.WithDescription("Runs that reached REPORTED"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create runsCompleted counter", slog.String("error", err.Error()))
	}

	return o
}

// State returns the current phase.  Safe for concurrent use.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Run executes the run to completion and returns its report.  Every
// phase failure is recorded in the report; the returned error is non-nil
// only when the report could not be delivered (ErrNotify) or Run was
// already called.
//
// Teardown and delivery run on a context detached from ctx, so cancelling
// ctx cuts suites short but never skips cleanup or the email.
func (o *Orchestrator) Run(ctx context.Context) (*report.Report, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	o.started = true
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run")
	defer span.End()

	in := report.Input{
		RunID:     o.newID(),
		Tag:       o.cfg.Tag,
		StartedAt: o.now(),
		Timeouts:  o.cfg.Timeouts,
		Suites:    suite.NotRun(o.cfg.Suites),
	}
	span.SetAttributes(
		attribute.String("run.id", in.RunID),
		attribute.String("cluster.tag", o.cfg.Tag),
		attribute.Int("suites.count", len(o.cfg.Suites)),
	)

	logger := o.logger.With(slog.String("runID", in.RunID))
	logger.Info("run started",
		slog.String("tag", o.cfg.Tag),
		slog.Int("suites", len(o.cfg.Suites)),
	)

	o.transition(StateSettingUp)
	h, setup := o.setUp(ctx)
	in.Setup = setup

	if h.Allocated() {
		if h.State == lifecycle.StateRunning {
			o.transition(StateRunningSuites)
			exec := o.runSuites(ctx, h)
			in.Suites, in.Exec = exec.results, &exec.outcome
		}

		o.transition(StateTearingDown)
		teardown := o.tearDown(context.WithoutCancel(ctx), h)
		in.Teardown = &teardown
	}

	if h != nil {
		in.ClusterState = h.State
	}
	in.FinishedAt = o.now()
	rep := report.Build(in)

	sendErr := o.notify(context.WithoutCancel(ctx), rep)
	o.transition(StateReported)

	if o.runsCompleted != nil {
		o.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", rep.OverallSuccess)))
	}
	span.SetAttributes(attribute.Bool("run.success", rep.OverallSuccess))

	logger.Info("run finished",
		slog.Bool("success", rep.OverallSuccess),
		slog.String("clusterState", rep.ClusterState.String()),
		slog.Duration("elapsed", rep.Duration()),
	)

	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "report delivery failed")
		return rep, sendErr
	}
	return rep, nil
}

// transition moves to next.  An illegal move is a programming error.
func (o *Orchestrator) transition(next State) {
	o.mu.Lock()
	prev := o.state
	if !CanTransition(prev, next) {
		o.mu.Unlock()
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", prev, next))
	}
	o.state = next
	o.mu.Unlock()

	o.logger.Debug("phase transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
}

func (o *Orchestrator) setUp(ctx context.Context) (*lifecycle.Handle, report.PhaseOutcome) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.setUp")
	defer span.End()

	if err := o.clusters.Validate(o.cfg.SpotBid, o.cfg.SuppressSpotBidCheck); err != nil {
		o.logger.Error("pre-flight validation failed", slog.String("error", err.Error()))
		span.RecordError(err)
		return nil, report.NewOutcome(lifecycle.PhaseSetup, err, 0)
	}

	start := o.now()
	h, err := o.clusters.Start(ctx, driver.StartRequest{
		Tag:      o.cfg.Tag,
		Template: o.cfg.Template,
		User:     o.cfg.User,
		SpotBid:  o.cfg.SpotBid,
	}, o.cfg.Timeouts.Setup)
	outcome := report.NewOutcome(lifecycle.PhaseSetup, err, o.now().Sub(start))
	o.recordPhase(ctx, outcome)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
	}
	return h, outcome
}

type execResult struct {
	results []suite.Result
	outcome report.PhaseOutcome
}

func (o *Orchestrator) runSuites(ctx context.Context, h *lifecycle.Handle) execResult {
	start := o.now()
	results := o.runner.RunAll(ctx, o.cfg.Suites, h, o.cfg.User, o.cfg.Timeouts.Exec)
	outcome := report.NewExecOutcome(results, o.now().Sub(start))
	o.recordPhase(ctx, outcome)
	return execResult{results: results, outcome: outcome}
}

func (o *Orchestrator) tearDown(ctx context.Context, h *lifecycle.Handle) report.PhaseOutcome {
	start := o.now()
	err := o.clusters.Terminate(ctx, h, o.cfg.Timeouts.Teardown)
	outcome := report.NewOutcome(lifecycle.PhaseTeardown, err, o.now().Sub(start))
	o.recordPhase(ctx, outcome)

	if err != nil {
		o.logger.Error("cluster may still be running; check it manually",
			slog.String("tag", h.Tag),
			slog.String("clusterID", h.ID),
			slog.String("error", err.Error()),
		)
	}
	return outcome
}

func (o *Orchestrator) notify(ctx context.Context, rep *report.Report) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.notify")
	defer span.End()

	if err := o.notifier.Send(ctx, rep); err != nil {
		o.logger.Error("failed to deliver report",
			slog.String("runID", rep.RunID),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrNotify, err)
	}
	o.logger.Info("report delivered", slog.String("runID", rep.RunID))
	return nil
}

func (o *Orchestrator) recordPhase(ctx context.Context, out report.PhaseOutcome) {
	if o.phaseDuration == nil {
		return
	}
	result := "ok"
	switch {
	case out.TimedOut:
		result = "timeout"
	case out.Interrupted:
		result = "cancelled"
	case !out.Succeeded:
		result = "error"
	}
	o.phaseDuration.Record(ctx, out.Duration.Seconds(), metric.WithAttributes(
		attribute.String("phase", string(out.Phase)),
		attribute.String("result", result),
	))
}
