// Package runner executes an ordered list of suites on a live cluster
// under one aggregate deadline.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/suiterun/internal/driver"
	"github.com/terrpan/suiterun/internal/lifecycle"
	"github.com/terrpan/suiterun/internal/suite"
	"github.com/terrpan/suiterun/internal/supervisor"
)

// Runner runs suites sequentially on a cluster's master node.
type Runner struct {
	driver driver.Driver
	logger *slog.Logger
	now    func() time.Time

	tracer          trace.Tracer
	suitesCompleted metric.Int64Counter
	suiteDuration   metric.Float64Histogram
}

// New creates a Runner.
func New(d driver.Driver, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Runner{
		driver: d,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer("suiterun/runner"),
	}

	meter := otel.Meter("suiterun/runner")

	var err error
	r.suitesCompleted, err = meter.Int64Counter(
		"suiterun.suites.completed",
		metric.WithDescription("Suites finished, by terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create suitesCompleted counter", slog.String("error", err.Error()))
	}

	r.suiteDuration, err = meter.Float64Histogram(
		"suiterun.suite.duration",
		metric.WithDescription("Wall time of a single suite (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 60, 300, 900, 1800, 3600, 7200, 14400),
	)
	if err != nil {
		logger.Warn("failed to create suiteDuration histogram", slog.String("error", err.Error()))
	}

	return r
}

// RunAll runs suites in order against the cluster behind h, as user, and
// returns one result per suite in input order.  It never fails: every
// problem is encoded in the results.
//
// A single deadline covers the whole list.  Each suite is bounded by
// whatever remains of it.  A failing suite does not stop later suites;
// only the deadline does.  Once it passes, the suite in flight is
// TIMEOUT and every later suite is NOT_RUN.  Cancelling ctx stops the list
// the same way, but the interrupted suite is FAIL with a KindExecCancelled
// error rather than TIMEOUT.
func (r *Runner) RunAll(ctx context.Context, suites []suite.Spec, h *lifecycle.Handle, user string, timeout time.Duration) []suite.Result {
	ctx, span := r.tracer.Start(ctx, "runner.RunAll")
	defer span.End()

	span.SetAttributes(
		attribute.Int("suites.count", len(suites)),
		attribute.String("cluster.id", h.ID),
		attribute.Float64("timeout.seconds", timeout.Seconds()),
	)

	results := suite.NotRun(suites)
	deadline := r.now().Add(timeout)

	for i, spec := range suites {
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			r.logger.Warn("aggregate deadline passed, skipping remaining suites",
				slog.String("next", spec.Name),
				slog.Int("skipped", len(suites)-i),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			r.logger.Warn("run cancelled, skipping remaining suites",
				slog.String("next", spec.Name),
				slog.Int("skipped", len(suites)-i),
			)
			results[i].Err = &lifecycle.PhaseError{Kind: lifecycle.KindExecCancelled, Tag: h.Tag, Err: err}
			break
		}

		res := r.runOne(ctx, spec, h, user, remaining)
		results[i] = res
		r.record(ctx, res)

		if res.Status == suite.StatusTimeout {
			r.logger.Warn("aggregate deadline exceeded while running suite",
				slog.String("suite", spec.Name),
				slog.Int("skipped", len(suites)-i-1),
			)
			break
		}
		if lifecycle.IsKind(res.Err, lifecycle.KindExecCancelled) {
			r.logger.Warn("run cancelled while running suite",
				slog.String("suite", spec.Name),
				slog.Int("skipped", len(suites)-i-1),
			)
			break
		}
	}

	return results
}

func (r *Runner) runOne(ctx context.Context, spec suite.Spec, h *lifecycle.Handle, user string, budget time.Duration) suite.Result {
	ctx, span := r.tracer.Start(ctx, "runner.suite")
	defer span.End()
	span.SetAttributes(attribute.String("suite.name", spec.Name))

	r.logger.Info("running suite",
		slog.String("suite", spec.Name),
		slog.Duration("budget", budget),
	)

	out := supervisor.Run(ctx, budget, func(ctx context.Context) (driver.ExecResult, error) {
		return r.driver.ExecOnMaster(ctx, h.ID, user, spec.Command)
	})

	res := suite.Result{
		Name:     spec.Name,
		Command:  spec.Command,
		Duration: out.Elapsed,
	}

	switch {
	case out.TimedOut:
		res.Status = suite.StatusTimeout
		res.Err = &lifecycle.PhaseError{Kind: lifecycle.KindExecTimeout, Tag: h.Tag, Err: out.Err}
	case out.Cancelled:
		res.Status = suite.StatusFail
		res.Err = &lifecycle.PhaseError{Kind: lifecycle.KindExecCancelled, Tag: h.Tag, Err: out.Err}
	case out.Err != nil:
		res.Status = suite.StatusFail
		res.Err = fmt.Errorf("running suite %s: %w", spec.Name, out.Err)
	default:
		code := out.Value.ExitCode
		res.ExitCode = &code
		res.Stdout = out.Value.Stdout
		res.Stderr = out.Value.Stderr
		if code == 0 {
			res.Status = suite.StatusPass
		} else {
			res.Status = suite.StatusFail
			res.Err = &suite.CommandError{Suite: spec.Name, ExitCode: code}
		}
	}

	span.SetAttributes(attribute.String("suite.status", string(res.Status)))
	attrs := []any{
		slog.String("suite", spec.Name),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
	}
	r.logger.Info("suite finished", attrs...)

	return res
}

func (r *Runner) record(ctx context.Context, res suite.Result) {
	status := metric.WithAttributes(attribute.String("status", string(res.Status)))
	if r.suitesCompleted != nil {
		r.suitesCompleted.Add(ctx, 1, status)
	}
	if r.suiteDuration != nil {
		r.suiteDuration.Record(ctx, res.Duration.Seconds(), status)
	}
}
