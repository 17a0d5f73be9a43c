// Package diagnostics explains why a resource did not become ready. It gathers
// the live object, related events, container logs, node capacity and claim
// state concurrently and classifies the evidence into probable causes.
package diagnostics
