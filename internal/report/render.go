package report

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/terrpan/suiterun/internal/lifecycle"
	"github.com/terrpan/suiterun/internal/suite"
)

// CompleteLogName is the attachment holding every command's output.
const CompleteLogName = "complete_log.txt"

// Attachment is a named text file sent alongside the summary.
type Attachment struct {
	Name    string
	Content string
}

// Summary renders the suite → status table.
func (r *Report) Summary() string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetStyle(table.StyleDefault)
	t.SetTitle("Test suite results for cluster " + r.Tag)

	t.AppendHeader(table.Row{"Suite", "Status", "Exit code", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Exit code", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, s := range r.SuiteResults {
		t.AppendRow(table.Row{s.Name, string(s.Status), exitCode(s.ExitCode), formatDuration(s)})
	}

	overall := "PASS"
	if !r.OverallSuccess {
		overall = "FAIL"
	}
	t.AppendFooter(table.Row{"OVERALL", overall, "", r.Duration().Round(time.Second).String()})

	t.Render()
	return buf.String()
}

// Body renders the plain-text email body: the summary table followed by
// every message the recipients need to act on.
func (r *Report) Body() string {
	var b strings.Builder

	if !r.Setup.Succeeded {
		b.WriteString(r.setupMessage())
		b.WriteString("\n\n")
	}

	b.WriteString(r.Summary())
	b.WriteString("\n")

	if msg := r.execMessage(); msg != "" {
		b.WriteString(msg)
		b.WriteString("\n\n")
	}
	if msg := r.teardownMessage(); msg != "" {
		b.WriteString(msg)
		b.WriteString("\n\n")
	}
	if r.CleanupWarning() {
		fmt.Fprintf(&b, "IMPORTANT: You should check that the cluster labelled with the tag '%s' "+
			"was properly terminated. If not, you should manually terminate it.\n\n", r.Tag)
	}

	fmt.Fprintf(&b, "Run ID: %s\nStarted: %s\nFinished: %s\n",
		r.RunID, r.StartedAt.Format(time.RFC1123Z), r.FinishedAt.Format(time.RFC1123Z))
	return b.String()
}

func (r *Report) setupMessage() string {
	switch {
	case r.Setup.TimedOut:
		return fmt.Sprintf("The maximum allowable cluster setup time of %s minute(s) was exceeded.",
			minutes(r.Timeouts.Setup))
	case r.Setup.Interrupted:
		return "The run was interrupted while the cluster was being started."
	case errors.Is(r.Setup.Err, lifecycle.ErrSpotBidTooHigh):
		return fmt.Sprintf("The cluster was not started: %v.", r.Setup.Err)
	default:
		return "There were problems in starting the cluster while preparing to execute the " +
			"test suite(s). Please check the attached log for more details."
	}
}

func (r *Report) execMessage() string {
	if r.Exec == nil || (!r.Exec.TimedOut && !r.Exec.Interrupted) {
		return ""
	}

	var running string
	var untested []string
	for _, s := range r.SuiteResults {
		switch {
		case s.Status == suite.StatusTimeout,
			s.Executed() && lifecycle.IsKind(s.Err, lifecycle.KindExecCancelled):
			running = s.Name
		case s.Status == suite.StatusNotRun:
			untested = append(untested, s.Name)
		}
	}

	var msg string
	if r.Exec.Interrupted {
		msg = "The run was interrupted before all test suites finished."
		if running != "" {
			msg += fmt.Sprintf(" The interruption occurred while running the %s test suite.", running)
		}
	} else {
		msg = fmt.Sprintf("The maximum allowable time of %s minute(s) for all test suites to run was exceeded.",
			minutes(r.Timeouts.Exec))
		if running != "" {
			msg += fmt.Sprintf(" The timeout occurred while running the %s test suite.", running)
		}
	}
	if len(untested) > 0 {
		msg += " The following test suites were not tested: " + strings.Join(untested, ", ")
	}
	return msg
}

func (r *Report) teardownMessage() string {
	switch {
	case r.Teardown == nil || r.Teardown.Succeeded:
		return ""
	case r.Teardown.TimedOut:
		return fmt.Sprintf("The maximum allowable cluster termination time of %s minute(s) was exceeded.",
			minutes(r.Timeouts.Teardown))
	default:
		return "There were problems in terminating the cluster. Please check the attached log for more details."
	}
}

// SuiteLog renders the captured command output of one suite.
func SuiteLog(s suite.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Command:\n\n%s\n\n", s.Command)
	fmt.Fprintf(&b, "Stdout:\n\n%s\n", stripansi.Strip(s.Stdout))
	fmt.Fprintf(&b, "Stderr:\n\n%s\n", stripansi.Strip(s.Stderr))
	if s.Err != nil && s.ExitCode == nil {
		fmt.Fprintf(&b, "Error:\n\n%v\n", s.Err)
	}
	return b.String()
}

// CompleteLog renders the phase outcomes followed by every executed
// suite's output, in order.
func (r *Report) CompleteLog() string {
	var b strings.Builder

	writeOutcome(&b, r.Setup)
	for _, s := range r.SuiteResults {
		if !s.Executed() {
			continue
		}
		b.WriteString(SuiteLog(s))
	}
	if r.Exec != nil {
		writeOutcome(&b, *r.Exec)
	}
	if r.Teardown != nil {
		writeOutcome(&b, *r.Teardown)
	}
	return b.String()
}

// Attachments returns the complete log and one result file per executed
// suite.
func (r *Report) Attachments() []Attachment {
	out := []Attachment{{Name: CompleteLogName, Content: r.CompleteLog()}}
	for _, s := range r.SuiteResults {
		if !s.Executed() {
			continue
		}
		out = append(out, Attachment{Name: s.Name + "_results.txt", Content: SuiteLog(s)})
	}
	return out
}

func writeOutcome(b *strings.Builder, o PhaseOutcome) {
	status := "succeeded"
	switch {
	case o.TimedOut:
		status = "timed out"
	case o.Interrupted:
		status = "interrupted"
	case !o.Succeeded:
		status = "failed"
	}
	fmt.Fprintf(b, "Phase %s %s after %s\n", o.Phase, status, o.Duration.Round(time.Millisecond))
	if o.Err != nil {
		fmt.Fprintf(b, "  error: %v\n", o.Err)
	}
	b.WriteString("\n")
}

func exitCode(c *int) string {
	if c == nil {
		return "-"
	}
	return strconv.Itoa(*c)
}

func formatDuration(s suite.Result) string {
	if !s.Executed() {
		return "-"
	}
	return s.Duration.Round(time.Second).String()
}

// minutes formats d in fractional minutes without trailing zeros.
func minutes(d time.Duration) string {
	return strconv.FormatFloat(d.Minutes(), 'f', -1, 64)
}
