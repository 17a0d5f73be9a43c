package graph

import (
	"fmt"
	"time"

	"github.com/chazu/capstan/pkg/diagnostics"
	"github.com/chazu/capstan/pkg/readiness"
)

// StepApplyError is returned when a step's apply action fails after local
// retries of transient API errors are exhausted
type StepApplyError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepApplyError) Error() string {
	return fmt.Sprintf("step %s failed to apply after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepApplyError) Unwrap() error {
	return e.Err
}

// ReadinessTimeoutError is returned when a step's readiness check does not
// hold before its timeout. It carries the last observation and the diagnosis
// of the step's resources.
type ReadinessTimeoutError struct {
	Step        string
	Check       string
	Last        readiness.Observation
	Evaluations int
	Elapsed     time.Duration
	Reports     []*diagnostics.Report
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("step %s not ready after %s (%d evaluations): %s: %s",
		e.Step, e.Elapsed.Round(time.Second), e.Evaluations, e.Check, e.Last)
}

// Causes returns the distinct probable causes across all reports
func (e *ReadinessTimeoutError) Causes() []diagnostics.Cause {
	seen := map[diagnostics.Cause]bool{}
	var causes []diagnostics.Cause
	for _, r := range e.Reports {
		for _, c := range r.Causes {
			if !seen[c.Cause] {
				seen[c.Cause] = true
				causes = append(causes, c.Cause)
			}
		}
	}
	return causes
}
