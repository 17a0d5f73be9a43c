package diagnostics

import (
	"fmt"
	"strings"
)

var imageFetchReasons = map[string]bool{
	"ErrImagePull":      true,
	"ImagePullBackOff":  true,
	"InvalidImageName":  true,
	"ErrImageNeverPull": true,
}

// Classify derives probable causes from the evidence gathered in r. The
// result is never empty: without evidence it is a single CauseUnknown.
func Classify(r *Report) []ProbableCause {
	var causes []ProbableCause
	seen := map[Cause]bool{}
	add := func(c Cause, detail string) {
		if seen[c] {
			return
		}
		seen[c] = true
		causes = append(causes, ProbableCause{Cause: c, Detail: detail})
	}

	for _, e := range r.Events {
		if e.Reason != "FailedScheduling" {
			continue
		}
		msg := e.Message
		switch {
		case strings.Contains(msg, "Insufficient"):
			add(CauseInsufficientCapacity, msg)
		case strings.Contains(msg, "unbound") && strings.Contains(msg, "PersistentVolumeClaim"):
			add(CauseUnboundStorageClaim, msg)
		default:
			add(CauseUnsatisfiableScheduling, msg)
		}
	}

	if r.Fit != nil && r.Fit.PendingPods > 0 && !r.Fit.AnyFits() {
		add(CauseInsufficientCapacity, fmt.Sprintf("no schedulable node has %s CPU and %s memory free",
			r.Fit.RequestedCPU.String(), r.Fit.RequestedMemory.String()))
	}

	if len(r.UnboundClaims) > 0 {
		add(CauseUnboundStorageClaim, "unbound: "+strings.Join(r.UnboundClaims, ", "))
	}

	for _, cs := range r.Containers {
		if imageFetchReasons[cs.Reason] {
			add(CauseImageFetchFailure, fmt.Sprintf("%s/%s: %s", cs.Pod, cs.Container, cs.Message))
		}
	}

	if len(causes) == 0 {
		causes = append(causes, ProbableCause{Cause: CauseUnknown})
	}
	return causes
}
