package diagnostics

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apiresource "k8s.io/apimachinery/pkg/api/resource"

	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// Cause is a probable reason a resource did not become ready
type Cause string

const (
	CauseInsufficientCapacity    Cause = "InsufficientCapacity"
	CauseUnboundStorageClaim     Cause = "UnboundStorageClaim"
	CauseUnsatisfiableScheduling Cause = "UnsatisfiableScheduling"
	CauseImageFetchFailure       Cause = "ImageFetchFailure"
	CauseUnknown                 Cause = "Unknown"
)

// ProbableCause pairs a cause with the evidence that suggested it
type ProbableCause struct {
	Cause  Cause
	Detail string
}

// ContainerState is the state of one container of a non-ready pod
type ContainerState struct {
	Pod       string
	Container string
	Ready     bool
	Reason    string
	Message   string
	Restarts  int32
}

// ContainerLog holds the tail of one container's log
type ContainerLog struct {
	Pod       string
	Container string
	Previous  bool
	Lines     string
}

// NodeFit compares a node's free capacity against the largest pending request
type NodeFit struct {
	Node       string
	FreeCPU    apiresource.Quantity
	FreeMemory apiresource.Quantity
	Fits       bool
}

// Fit summarises whether pending pods can be scheduled anywhere
type Fit struct {
	PendingPods     int
	RequestedCPU    apiresource.Quantity
	RequestedMemory apiresource.Quantity
	Nodes           []NodeFit
}

// AnyFits reports whether at least one schedulable node has room
func (f *Fit) AnyFits() bool {
	for _, n := range f.Nodes {
		if n.Fits {
			return true
		}
	}
	return false
}

// Report is the diagnosis of one stalled resource
type Report struct {
	Handle     resource.Handle
	Observed   readiness.Observation
	Describe   string
	Events     []corev1.Event
	Containers []ContainerState
	Logs       []ContainerLog
	Fit        *Fit

	// UnboundClaims lists claims in the namespace that are not Bound
	UnboundClaims []string

	Causes []ProbableCause

	// Errors collects sub-probe failures; the rest of the report is still usable
	Errors []string
}

// Summary renders the report as a short multi-line text block
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", r.Handle, r.Observed)
	for _, c := range r.Causes {
		fmt.Fprintf(&b, "  probable cause: %s", c.Cause)
		if c.Detail != "" {
			fmt.Fprintf(&b, " (%s)", c.Detail)
		}
		b.WriteString("\n")
	}
	for _, cs := range r.Containers {
		if cs.Ready {
			continue
		}
		fmt.Fprintf(&b, "  container %s/%s not ready: %s restarts=%d\n", cs.Pod, cs.Container, cs.Reason, cs.Restarts)
	}
	events := r.Events
	if len(events) > 5 {
		events = events[len(events)-5:]
	}
	for _, e := range events {
		fmt.Fprintf(&b, "  event %s %s/%s: %s\n", e.Reason, e.InvolvedObject.Kind, e.InvolvedObject.Name, e.Message)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  probe error: %s\n", e)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Has reports whether cause was identified
func (r *Report) Has(cause Cause) bool {
	for _, c := range r.Causes {
		if c.Cause == cause {
			return true
		}
	}
	return false
}
