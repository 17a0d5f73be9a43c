package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/preflight"
	"github.com/chazu/capstan/pkg/teardown"
)

// Severity of a console message
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
)

// SeverityKey is the structured field carrying the severity
const SeverityKey = "severity"

// Reporter writes operator-facing messages and tables
type Reporter struct {
	logger logr.Logger
	out    io.Writer
	color  bool
}

// New creates a reporter. Messages go to logger, tables to out.
func New(logger logr.Logger, out io.Writer, color bool) *Reporter {
	return &Reporter{
		logger: logger,
		out:    out,
		color:  color,
	}
}

// Info logs a progress message
func (r *Reporter) Info(msg string, keysAndValues ...interface{}) {
	r.logger.Info(msg, append(keysAndValues, SeverityKey, SeverityInfo)...)
}

// Success logs the successful end of an operation
func (r *Reporter) Success(msg string, keysAndValues ...interface{}) {
	r.logger.Info(msg, append(keysAndValues, SeverityKey, SeveritySuccess)...)
}

// Warn logs a condition that does not change the outcome
func (r *Reporter) Warn(msg string, keysAndValues ...interface{}) {
	r.logger.Info(msg, append(keysAndValues, SeverityKey, SeverityWarn)...)
}

// Error logs a failure
func (r *Reporter) Error(err error, msg string, keysAndValues ...interface{}) {
	r.logger.Error(err, msg, append(keysAndValues, SeverityKey, SeverityError)...)
}

func (r *Reporter) paint(c text.Color, s string) string {
	if !r.color {
		return s
	}
	return c.Sprint(s)
}

func (r *Reporter) newTable(title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	if r.color {
		for i, h := range header {
			header[i] = text.FgHiCyan.Sprint(h)
		}
	}
	t.AppendHeader(header)
	return t
}

// Findings renders a preflight result, errors first
func (r *Reporter) Findings(res *preflight.Result) {
	if res == nil {
		return
	}
	t := r.newTable("Preflight "+res.RunID, table.Row{"CHECK", "RESULT", "MESSAGE"})
	for _, f := range res.Errors {
		t.AppendRow(table.Row{f.Check, r.paint(text.FgRed, "error"), f.Message})
	}
	for _, f := range res.Warnings {
		t.AppendRow(table.Row{f.Check, r.paint(text.FgYellow, "warning"), f.Message})
	}
	for _, check := range res.Passed {
		t.AppendRow(table.Row{check, r.paint(text.FgGreen, "ok"), ""})
	}
	t.Render()
}

// Steps renders the state of every step in execution order
func (r *Reporter) Steps(state *graph.ExecutionState) {
	if state == nil {
		return
	}
	t := r.newTable("", table.Row{"STEP", "STATE", "APPLIES", "DURATION", "ERROR"})
	for _, name := range state.Order() {
		rec, err := state.Record(name)
		if err != nil {
			continue
		}
		t.AppendRow(table.Row{name, r.stepState(rec.State), rec.ApplyAttempts, formatDuration(rec.Duration()), rec.Error})
	}
	s := state.Summary()
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d ready, %d skipped", s.Ready, s.Skipped), "", "", ""})
	t.Render()
}

func (r *Reporter) stepState(s graph.StepState) string {
	switch s {
	case graph.StepStateReady, graph.StepStateSkipped:
		return r.paint(text.FgGreen, string(s))
	case graph.StepStateError:
		return r.paint(text.FgRed, string(s))
	case graph.StepStateBlocked:
		return r.paint(text.FgYellow, string(s))
	default:
		return string(s)
	}
}

// Diagnosis renders the probable causes of a readiness timeout
func (r *Reporter) Diagnosis(err *graph.ReadinessTimeoutError) {
	if err == nil {
		return
	}
	t := r.newTable("Step "+err.Step+" did not converge", table.Row{"RESOURCE", "CAUSE", "DETAIL"})
	for _, rep := range err.Reports {
		if len(rep.Causes) == 0 {
			t.AppendRow(table.Row{rep.Handle.String(), "-", rep.Observed.String()})
			continue
		}
		for _, c := range rep.Causes {
			t.AppendRow(table.Row{rep.Handle.String(), r.paint(text.FgRed, string(c.Cause)), c.Detail})
		}
	}
	t.Render()
}

// Placement renders a replica distribution
func (r *Reporter) Placement(res *placement.Result) {
	if res == nil {
		return
	}
	t := r.newTable(fmt.Sprintf("Placement of %s (%s)", res.Role, res.Mode), table.Row{"DOMAIN", "REPLICAS"})
	for _, d := range res.Domains() {
		t.AppendRow(table.Row{d, res.Distribution[d]})
	}
	t.AppendFooter(table.Row{"running", res.Running})
	t.Render()
}

// Teardown renders per-phase counts and any residue
func (r *Reporter) Teardown(res *teardown.Result) {
	if res == nil {
		return
	}
	t := r.newTable("", table.Row{"PHASE", "DELETED", "FORCED", "KEPT", "UNINSTALLED", "ERRORS"})
	for _, p := range res.Phases {
		errs := ""
		if len(p.Errors) > 0 {
			errs = r.paint(text.FgRed, fmt.Sprintf("%d", len(p.Errors)))
		}
		t.AppendRow(table.Row{p.Name, p.Deleted, p.Forced, len(p.Protected), strings.Join(p.Uninstalled, ","), errs})
	}
	t.Render()

	if len(res.Residual) > 0 {
		rt := r.newTable("Residual resources", table.Row{"RESOURCE"})
		for _, ref := range res.Residual {
			rt.AppendRow(table.Row{r.paint(text.FgRed, ref.String())})
		}
		rt.Render()
	}
}

// PlanOrder renders the steps of a plan in execution order with their
// dependencies
func PlanOrder[C any](out io.Writer, plan *graph.Plan[C]) error {
	dag, err := graph.BuildDAG(plan)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s %s", plan.Name, plan.Fingerprint()))
	t.AppendHeader(table.Row{"#", "STEP", "DEPENDS ON"})
	for i, name := range dag.Order() {
		deps, _ := dag.Dependencies(name)
		t.AppendRow(table.Row{i + 1, name, strings.Join(deps, ", ")})
	}
	t.Render()
	return nil
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
