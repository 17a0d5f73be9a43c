// Package readiness decides when a resource has converged. It provides
// predicates over unstructured objects, probe-based Checks, and a Poller that
// evaluates a Check on a fixed interval under a hard deadline.
package readiness
