// Package graph sequences dependent bootstrap steps. A Plan is validated into
// a DAG, ordered topologically, and run one step at a time by a Sequencer that
// checks, applies and waits on each step while tracking its execution state.
package graph
