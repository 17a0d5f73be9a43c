// Package preflight validates that a target platform can host a deployment
// before anything is written to it.
//
// Read-only checks run first. Only when none of them produced an error are
// the write probes issued, and every probe object is removed again on every
// exit path.
package preflight
