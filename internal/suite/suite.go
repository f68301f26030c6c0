// Package suite holds the suite specification and per-suite result types
// shared by the runner, the orchestrator and the report.
package suite

import (
	"fmt"
	"time"
)

// Spec is one named unit of remote commands, as read from the suite file.
type Spec struct {
	Name    string
	Command string
}

// Status is the terminal status of a suite within a run.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
	StatusTimeout Status = "TIMEOUT"
	StatusNotRun  Status = "NOT_RUN"
)

// Result is the outcome of one suite. It is created by the runner and not
// modified once returned.
type Result struct {
	Name    string
	Command string

	// ExitCode is nil when the command never reported one (timeout, not
	// run, or a driver failure before the command finished).
	ExitCode *int

	Stdout   string
	Stderr   string
	Status   Status
	Duration time.Duration

	// Err is set when the driver failed to run the command at all, or when
	// the suite was cut off by the aggregate deadline.
	Err error
}

// Executed reports whether the suite's command was started on the cluster.
func (r Result) Executed() bool {
	return r.Status != StatusNotRun
}

// CommandError describes a suite whose command exited non-zero. It is
// recorded in the report and never aborts the run.
type CommandError struct {
	Suite    string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("suite %s exited with status %d", e.Suite, e.ExitCode)
}

// NotRun returns NOT_RUN results for every spec, preserving order.
func NotRun(specs []Spec) []Result {
	results := make([]Result, len(specs))
	for i, s := range specs {
		results[i] = Result{Name: s.Name, Command: s.Command, Status: StatusNotRun}
	}
	return results
}
