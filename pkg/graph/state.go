package graph

import (
	"fmt"
	"sync"
	"time"
)

// StepState represents the execution state of a step
type StepState string

const (
	// StepStatePending indicates the step has not started
	StepStatePending StepState = "Pending"

	// StepStateChecking indicates the idempotency check is running
	StepStateChecking StepState = "Checking"

	// StepStateApplying indicates the step is being applied
	StepStateApplying StepState = "Applying"

	// StepStateWaitingReady indicates the step is waiting for its readiness check
	StepStateWaitingReady StepState = "WaitingReady"

	// StepStateReady indicates the step converged
	StepStateReady StepState = "Ready"

	// StepStateSkipped indicates the step's effect already held
	StepStateSkipped StepState = "Skipped"

	// StepStateError indicates the step failed
	StepStateError StepState = "Error"

	// StepStateBlocked indicates the step was not attempted because an earlier step failed
	StepStateBlocked StepState = "Blocked"
)

// Done reports whether the state counts as ready for dependents
func (s StepState) Done() bool {
	return s == StepStateReady || s == StepStateSkipped
}

// Terminal reports whether no further transitions are possible
func (s StepState) Terminal() bool {
	return s == StepStateReady || s == StepStateSkipped || s == StepStateError || s == StepStateBlocked
}

var validTransitions = map[StepState][]StepState{
	StepStatePending: {
		StepStateChecking,
		StepStateBlocked,
	},
	StepStateChecking: {
		StepStateApplying,
		StepStateWaitingReady, // Present
		StepStateSkipped,      // Satisfied
		StepStateError,
	},
	StepStateApplying: {
		StepStateWaitingReady,
		StepStateReady, // no readiness check
		StepStateError,
	},
	StepStateWaitingReady: {
		StepStateReady,
		StepStateError,
	},
}

// StepRecord contains the execution status of a single step
type StepRecord struct {
	State StepState

	// Error contains the error message if State is StepStateError
	Error string

	// StartTime is when the step left Pending
	StartTime *time.Time

	// EndTime is when the step reached a terminal state
	EndTime *time.Time

	// ApplyAttempts counts apply calls including local retries
	ApplyAttempts int
}

// Duration returns how long the step ran, or zero if it never started
func (r StepRecord) Duration() time.Duration {
	if r.StartTime == nil || r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(*r.StartTime)
}

// ExecutionState tracks the execution state of all steps in a plan
type ExecutionState struct {
	mu sync.RWMutex

	records map[string]*StepRecord

	// order is the execution order, kept for reporting
	order []string

	startTime time.Time
	endTime   *time.Time
}

// NewExecutionState creates a new execution state tracker with every step Pending
func NewExecutionState(order []string) *ExecutionState {
	records := make(map[string]*StepRecord, len(order))
	for _, name := range order {
		records[name] = &StepRecord{State: StepStatePending}
	}
	return &ExecutionState{
		records:   records,
		order:     append([]string(nil), order...),
		startTime: time.Now(),
	}
}

// State returns the current state of a step
func (es *ExecutionState) State(name string) (StepState, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	rec, found := es.records[name]
	if !found {
		return "", fmt.Errorf("step %s not found", name)
	}
	return rec.State, nil
}

// Record returns a copy of a step's record
func (es *ExecutionState) Record(name string) (StepRecord, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	rec, found := es.records[name]
	if !found {
		return StepRecord{}, fmt.Errorf("step %s not found", name)
	}
	return *rec, nil
}

// SetState moves a step to newState if the transition is valid
func (es *ExecutionState) SetState(name string, newState StepState) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	rec, found := es.records[name]
	if !found {
		return fmt.Errorf("step %s not found", name)
	}
	if err := validateStateTransition(rec.State, newState); err != nil {
		return fmt.Errorf("invalid state transition for step %s: %w", name, err)
	}
	es.stamp(rec, newState)
	return nil
}

// SetError moves a step to Error from any non-terminal state
func (es *ExecutionState) SetError(name string, err error) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	rec, found := es.records[name]
	if !found {
		return fmt.Errorf("step %s not found", name)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("step %s already %s", name, rec.State)
	}
	es.stamp(rec, StepStateError)
	rec.Error = err.Error()
	return nil
}

// IncrementApplyAttempts records one more apply call for a step
func (es *ExecutionState) IncrementApplyAttempts(name string) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if rec, found := es.records[name]; found {
		rec.ApplyAttempts++
	}
}

// BlockPending marks every still-Pending step Blocked and returns their names
func (es *ExecutionState) BlockPending() []string {
	es.mu.Lock()
	defer es.mu.Unlock()

	var blocked []string
	for _, name := range es.order {
		rec := es.records[name]
		if rec.State == StepStatePending {
			es.stamp(rec, StepStateBlocked)
			blocked = append(blocked, name)
		}
	}
	return blocked
}

func (es *ExecutionState) stamp(rec *StepRecord, to StepState) {
	now := time.Now()
	if rec.State == StepStatePending && to != StepStateBlocked {
		rec.StartTime = &now
	}
	rec.State = to
	if to.Terminal() {
		rec.EndTime = &now
	}
}

// StepsInState returns the names of steps in a given state, in execution order
func (es *ExecutionState) StepsInState(state StepState) []string {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var names []string
	for _, name := range es.order {
		if es.records[name].State == state {
			names = append(names, name)
		}
	}
	return names
}

// Order returns the execution order
func (es *ExecutionState) Order() []string {
	return es.order
}

// IsComplete returns true if every step is in a terminal state
func (es *ExecutionState) IsComplete() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	for _, rec := range es.records {
		if !rec.State.Terminal() {
			return false
		}
	}
	return true
}

// HasErrors returns true if any step is in error state
func (es *ExecutionState) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	for _, rec := range es.records {
		if rec.State == StepStateError {
			return true
		}
	}
	return false
}

// MarkComplete marks the execution as complete
func (es *ExecutionState) MarkComplete() {
	es.mu.Lock()
	defer es.mu.Unlock()

	now := time.Now()
	es.endTime = &now
}

// Summary returns a summary of execution state
func (es *ExecutionState) Summary() ExecutionSummary {
	es.mu.RLock()
	defer es.mu.RUnlock()

	summary := ExecutionSummary{
		Total:     len(es.records),
		StartTime: es.startTime,
		EndTime:   es.endTime,
	}
	for _, rec := range es.records {
		switch rec.State {
		case StepStatePending, StepStateChecking, StepStateApplying, StepStateWaitingReady:
			summary.Pending++
		case StepStateReady:
			summary.Ready++
		case StepStateSkipped:
			summary.Skipped++
		case StepStateError:
			summary.Error++
		case StepStateBlocked:
			summary.Blocked++
		}
	}
	return summary
}

// ExecutionSummary provides a summary of execution state
type ExecutionSummary struct {
	Total     int
	Pending   int
	Ready     int
	Skipped   int
	Error     int
	Blocked   int
	StartTime time.Time
	EndTime   *time.Time
}

// validateStateTransition checks if a state transition is valid
func validateStateTransition(from, to StepState) error {
	allowed, found := validTransitions[from]
	if !found {
		if from.Terminal() {
			return fmt.Errorf("%s is terminal", from)
		}
		return fmt.Errorf("unknown state: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", from, to)
}
