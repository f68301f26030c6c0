// Package report assembles the single result record of a run and renders
// it for humans.
package report

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/terrpan/suiterun/internal/lifecycle"
	"github.com/terrpan/suiterun/internal/suite"
)

// PhaseOutcome is the result of one remote phase.
type PhaseOutcome struct {
	Phase     lifecycle.Phase
	Succeeded bool
	TimedOut  bool
	// Interrupted is set when the run was cancelled during the phase.
	Interrupted bool
	Err         error
	Duration    time.Duration
}

// NewOutcome classifies err for phase.  A nil err is success; a
// *lifecycle.PhaseError of a timeout kind marks the outcome timed out and
// one of a cancellation kind marks it interrupted.
func NewOutcome(phase lifecycle.Phase, err error, d time.Duration) PhaseOutcome {
	o := PhaseOutcome{Phase: phase, Succeeded: err == nil, Err: err, Duration: d}
	var pe *lifecycle.PhaseError
	if errors.As(err, &pe) {
		o.TimedOut = pe.Kind.Timeout()
		o.Interrupted = pe.Kind.Cancelled()
	}
	return o
}

// NewExecOutcome derives the EXEC phase outcome from the suite results.
// The phase fails only when the aggregate deadline or a cancellation cut
// the list short; individual suite failures are reported per suite.
func NewExecOutcome(results []suite.Result, d time.Duration) PhaseOutcome {
	o := PhaseOutcome{Phase: lifecycle.PhaseExec, Succeeded: true, Duration: d}
	for _, r := range results {
		if lifecycle.IsKind(r.Err, lifecycle.KindExecCancelled) {
			o.Succeeded, o.Interrupted, o.Err = false, true, r.Err
			return o
		}
	}
	for _, r := range results {
		switch r.Status {
		case suite.StatusTimeout:
			o.Succeeded, o.TimedOut, o.Err = false, true, r.Err
		case suite.StatusNotRun:
			o.Succeeded, o.TimedOut = false, true
			if o.Err == nil {
				o.Err = &lifecycle.PhaseError{Kind: lifecycle.KindExecTimeout, Err: fmt.Errorf("deadline passed before suite %s started", r.Name)}
			}
		}
	}
	return o
}

// Timeouts are the phase deadlines a run was configured with.
type Timeouts struct {
	Setup    time.Duration
	Exec     time.Duration
	Teardown time.Duration
}

// Report is the outcome of one run.  It is built once and never mutated
// after it is handed to the notifier.
type Report struct {
	RunID      string
	Tag        string
	StartedAt  time.Time
	FinishedAt time.Time
	Timeouts   Timeouts

	// SuiteResults has one entry per configured suite, in input order.
	SuiteResults []suite.Result

	Setup PhaseOutcome
	// Exec is nil when suites were never started.
	Exec *PhaseOutcome
	// Teardown is nil when no cluster was allocated.
	Teardown *PhaseOutcome

	ClusterState   lifecycle.State
	OverallSuccess bool
}

// Input carries everything Build needs.
type Input struct {
	RunID        string
	Tag          string
	StartedAt    time.Time
	FinishedAt   time.Time
	Timeouts     Timeouts
	Suites       []suite.Result
	Setup        PhaseOutcome
	Exec         *PhaseOutcome
	Teardown     *PhaseOutcome
	ClusterState lifecycle.State
}

// Build assembles a Report and computes its overall success: every suite
// passed, setup succeeded and teardown succeeded.
func Build(in Input) *Report {
	r := &Report{
		RunID:        in.RunID,
		Tag:          in.Tag,
		StartedAt:    in.StartedAt,
		FinishedAt:   in.FinishedAt,
		Timeouts:     in.Timeouts,
		SuiteResults: slices.Clone(in.Suites),
		Setup:        in.Setup,
		Exec:         clonePtr(in.Exec),
		Teardown:     clonePtr(in.Teardown),
		ClusterState: in.ClusterState,
	}

	r.OverallSuccess = r.Setup.Succeeded &&
		r.Teardown != nil && r.Teardown.Succeeded &&
		r.AllPassed()
	return r
}

// AllPassed reports whether every suite has status PASS.
func (r *Report) AllPassed() bool {
	for _, s := range r.SuiteResults {
		if s.Status != suite.StatusPass {
			return false
		}
	}
	return true
}

// Counts returns the number of suites per status.
func (r *Report) Counts() map[suite.Status]int {
	counts := make(map[suite.Status]int, 4)
	for _, s := range r.SuiteResults {
		counts[s.Status]++
	}
	return counts
}

// CleanupWarning reports whether the recipients must check for a leaked
// cluster: teardown failed, or the start call was abandoned (timed out or
// interrupted) before a handle existed.
func (r *Report) CleanupWarning() bool {
	if r.Teardown != nil {
		return !r.Teardown.Succeeded
	}
	return r.Setup.TimedOut || r.Setup.Interrupted
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func clonePtr(o *PhaseOutcome) *PhaseOutcome {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
