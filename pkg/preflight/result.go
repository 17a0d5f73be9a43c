package preflight

import (
	"fmt"
	"strings"
)

// Severity of a finding
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Check names
const (
	CheckConnectivity   = "connectivity"
	CheckVersion        = "version"
	CheckNodes          = "nodes"
	CheckCapacity       = "capacity"
	CheckFailureDomains = "failure-domains"
	CheckMaintenance    = "maintenance-lock"
	CheckWriteSecret    = "write-secret"
	CheckWritePod       = "write-pod"
	CheckDNS            = "dns"
)

// Finding is the outcome of one failed or degraded check
type Finding struct {
	Check    string
	Severity Severity
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Check, f.Message)
}

// Result collects the findings of a preflight run
type Result struct {
	RunID    string
	Errors   []Finding
	Warnings []Finding

	// Passed lists the checks that ran without findings
	Passed []string
}

// OK reports whether no check produced an error
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

func (r *Result) errorf(check, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Finding{Check: check, Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(check, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Finding{Check: check, Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) pass(check string) {
	r.Passed = append(r.Passed, check)
}

// Error is returned when at least one preflight check failed. It carries
// every finding of the run, warnings included.
type Error struct {
	Errors   []Finding
	Warnings []Finding
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, f := range e.Errors {
		msgs[i] = f.String()
	}
	return fmt.Sprintf("preflight failed with %d error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}
