package graph

import (
	"context"

	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// StepStatus is the result of a step's idempotency check
type StepStatus string

const (
	// StepSatisfied means the effect holds and has converged; the step is skipped
	StepSatisfied StepStatus = "Satisfied"

	// StepPresent means the effect holds but may still be converging; apply is
	// skipped and readiness is awaited
	StepPresent StepStatus = "Present"

	// StepAbsent means the effect does not hold; the step is applied and awaited
	StepAbsent StepStatus = "Absent"
)

// Step is one unit of a deployment plan. C is the deployment context threaded
// through every step.
type Step[C any] interface {
	// Name is unique within a plan
	Name() string

	// DependsOn lists the steps that must be ready before this one runs
	DependsOn() []string

	// Check reports whether the step's effect already holds
	Check(ctx context.Context, c C) (StepStatus, error)

	// Apply produces the step's effect. It must be safe to call again.
	Apply(ctx context.Context, c C) error

	// Readiness returns the check awaited after apply, or nil when the step
	// is ready as soon as Apply returns
	Readiness(c C) *readiness.Check

	// Handles returns the resources the step owns, used for diagnosis and
	// inventory
	Handles(c C) []resource.Handle
}

// StepDef implements Step from plain functions. Nil functions have neutral
// defaults: a nil CheckFunc reports StepAbsent, a nil ApplyFunc does nothing.
type StepDef[C any] struct {
	StepName      string
	Deps          []string
	CheckFunc     func(ctx context.Context, c C) (StepStatus, error)
	ApplyFunc     func(ctx context.Context, c C) error
	ReadinessFunc func(c C) *readiness.Check
	HandlesFunc   func(c C) []resource.Handle
}

func (s *StepDef[C]) Name() string { return s.StepName }

func (s *StepDef[C]) DependsOn() []string { return s.Deps }

func (s *StepDef[C]) Check(ctx context.Context, c C) (StepStatus, error) {
	if s.CheckFunc == nil {
		return StepAbsent, nil
	}
	return s.CheckFunc(ctx, c)
}

func (s *StepDef[C]) Apply(ctx context.Context, c C) error {
	if s.ApplyFunc == nil {
		return nil
	}
	return s.ApplyFunc(ctx, c)
}

func (s *StepDef[C]) Readiness(c C) *readiness.Check {
	if s.ReadinessFunc == nil {
		return nil
	}
	return s.ReadinessFunc(c)
}

func (s *StepDef[C]) Handles(c C) []resource.Handle {
	if s.HandlesFunc == nil {
		return nil
	}
	return s.HandlesFunc(c)
}
