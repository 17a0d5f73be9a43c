package graph

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/diagnostics"
	"github.com/chazu/capstan/pkg/inventory"
	"github.com/chazu/capstan/pkg/metrics"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// Diagnoser explains why a step's resources did not converge
type Diagnoser interface {
	InspectAll(ctx context.Context, handles []resource.Handle, observed readiness.Observation) []*diagnostics.Report
}

// DefaultApplyBackoff bounds local retries of transient API errors
var DefaultApplyBackoff = wait.Backoff{
	Steps:    5,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Cap:      10 * time.Second,
}

// Sequencer runs a plan's steps one at a time in dependency order
type Sequencer[C any] struct {
	poller    *readiness.Poller
	diagnoser Diagnoser
	tracker   *inventory.Tracker
	backoff   wait.Backoff
}

// NewSequencer creates a sequencer. diagnoser may be nil.
func NewSequencer[C any](poller *readiness.Poller, diagnoser Diagnoser) *Sequencer[C] {
	return &Sequencer[C]{
		poller:    poller,
		diagnoser: diagnoser,
		backoff:   DefaultApplyBackoff,
	}
}

// WithTracker records the handles of every step into t
func (s *Sequencer[C]) WithTracker(t *inventory.Tracker) *Sequencer[C] {
	s.tracker = t
	return s
}

// WithBackoff overrides the apply retry backoff
func (s *Sequencer[C]) WithBackoff(b wait.Backoff) *Sequencer[C] {
	s.backoff = b
	return s
}

// Run executes the plan against c. It stops at the first failing step and
// marks every step not yet attempted Blocked. The returned state is non-nil
// whenever the plan could be built.
func (s *Sequencer[C]) Run(ctx context.Context, plan *Plan[C], c C) (*ExecutionState, error) {
	dag, err := BuildDAG(plan)
	if err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx).WithValues("plan", plan.Name)
	logger.Info("Running plan", "steps", dag.Size(), "fingerprint", plan.Fingerprint())

	state := NewExecutionState(dag.Order())
	for _, name := range dag.Order() {
		if err := ctx.Err(); err != nil {
			state.BlockPending()
			return state, err
		}
		step, _ := dag.Step(name)
		if err := s.runStep(ctx, dag, state, step, c); err != nil {
			if blocked := state.BlockPending(); len(blocked) > 0 {
				logger.Info("Remaining steps blocked", "failed", name, "blocked", blocked)
			}
			state.MarkComplete()
			return state, err
		}
	}

	state.MarkComplete()
	summary := state.Summary()
	logger.Info("Plan complete", "ready", summary.Ready, "skipped", summary.Skipped)
	return state, nil
}

func (s *Sequencer[C]) runStep(ctx context.Context, dag *DAG[C], state *ExecutionState, step Step[C], c C) error {
	name := step.Name()
	logger := log.FromContext(ctx).WithValues("step", name)
	ctx = log.IntoContext(ctx, logger)
	start := time.Now()

	deps, _ := dag.Dependencies(name)
	for _, dep := range deps {
		if st, _ := state.State(dep); !st.Done() {
			_ = state.SetState(name, StepStateBlocked)
			return fmt.Errorf("step %s: dependency %s is %s", name, dep, st)
		}
	}

	if err := state.SetState(name, StepStateChecking); err != nil {
		return err
	}

	var status StepStatus
	err := retry.OnError(s.backoff, resource.IsRetriableAPIError, func() error {
		var checkErr error
		status, checkErr = step.Check(ctx, c)
		return checkErr
	})
	if err != nil {
		return s.fail(ctx, state, step, c, start, "error", fmt.Errorf("step %s check failed: %w", name, err))
	}

	switch status {
	case StepSatisfied:
		logger.Info("Already satisfied, skipping")
		_ = state.SetState(name, StepStateSkipped)
		s.track(name, inventory.ItemStatusFound, step.Handles(c))
		metrics.RecordStep(name, "skipped", time.Since(start).Seconds())
		return nil

	case StepPresent:
		logger.Info("Present, waiting for readiness")

	case StepAbsent:
		if err := state.SetState(name, StepStateApplying); err != nil {
			return err
		}
		logger.Info("Applying")
		err := retry.OnError(s.backoff, resource.IsRetriableAPIError, func() error {
			state.IncrementApplyAttempts(name)
			return step.Apply(ctx, c)
		})
		if err != nil {
			if resource.IsPermanent(err) {
				return s.fail(ctx, state, step, c, start, "error", fmt.Errorf("step %s: %w", name, err))
			}
			rec, _ := state.Record(name)
			return s.fail(ctx, state, step, c, start, "error", &StepApplyError{Step: name, Attempts: rec.ApplyAttempts, Err: err})
		}

	default:
		return s.fail(ctx, state, step, c, start, "error", fmt.Errorf("step %s check returned unknown status %q", name, status))
	}

	itemStatus := inventory.ItemStatusCreated
	if status == StepPresent {
		itemStatus = inventory.ItemStatusFound
	}

	check := step.Readiness(c)
	if check == nil {
		if status == StepPresent {
			_ = state.SetState(name, StepStateWaitingReady)
		}
		_ = state.SetState(name, StepStateReady)
		s.track(name, itemStatus, step.Handles(c))
		metrics.RecordStep(name, "ready", time.Since(start).Seconds())
		return nil
	}

	if err := state.SetState(name, StepStateWaitingReady); err != nil {
		return err
	}
	outcome, err := s.pollerFor(step, c).Wait(ctx, check)
	if err != nil {
		return s.fail(ctx, state, step, c, start, "error", fmt.Errorf("step %s readiness: %w", name, err))
	}
	if !outcome.Converged {
		timeoutErr := &ReadinessTimeoutError{
			Step:        name,
			Check:       check.Name,
			Last:        outcome.Last,
			Evaluations: outcome.Evaluations,
			Elapsed:     outcome.Elapsed,
		}
		if s.diagnoser != nil {
			timeoutErr.Reports = s.diagnoser.InspectAll(ctx, step.Handles(c), outcome.Last)
		}
		return s.fail(ctx, state, step, c, start, "timeout", timeoutErr)
	}

	_ = state.SetState(name, StepStateReady)
	s.track(name, itemStatus, step.Handles(c))
	metrics.RecordStep(name, "ready", time.Since(start).Seconds())
	logger.Info("Ready", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// pollerFor returns a poller whose stall hook diagnoses the step's handles
func (s *Sequencer[C]) pollerFor(step Step[C], c C) *readiness.Poller {
	if s.diagnoser == nil {
		return s.poller
	}
	return s.poller.WithStallHandler(func(ctx context.Context, _ *readiness.Check, last readiness.Observation) {
		logger := log.FromContext(ctx)
		for _, r := range s.diagnoser.InspectAll(ctx, step.Handles(c), last) {
			logger.Info("Diagnosis", "report", r.Summary())
		}
	})
}

func (s *Sequencer[C]) fail(ctx context.Context, state *ExecutionState, step Step[C], c C, start time.Time, result string, err error) error {
	log.FromContext(ctx).Error(err, "Step failed")
	_ = state.SetError(step.Name(), err)
	s.track(step.Name(), inventory.ItemStatusFailed, step.Handles(c))
	metrics.RecordStep(step.Name(), result, time.Since(start).Seconds())
	return err
}

func (s *Sequencer[C]) track(name string, status inventory.ItemStatus, handles []resource.Handle) {
	if s.tracker != nil {
		s.tracker.Record(name, status, handles...)
	}
}
