// Package report renders run outcomes for an operator at a terminal.
//
// Messages carry one of four severities (info, success, warn, error) and go
// through the logr logger so they share its sink and encoder. Summaries of
// preflight findings, step execution, placement and teardown are rendered as
// tables on a separate writer.
package report
