package graph

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Plan is an ordered list of steps built fresh for every run
type Plan[C any] struct {
	// Name identifies the plan in logs
	Name string

	// Steps in declaration order; ties in the topological order follow it
	Steps []Step[C]
}

// NewPlan creates a plan from steps
func NewPlan[C any](name string, steps ...Step[C]) *Plan[C] {
	return &Plan[C]{Name: name, Steps: steps}
}

// Validate checks the integrity of the plan. Cycles are detected when the
// DAG is built.
func (p *Plan[C]) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan name is required")
	}

	names := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Name() == "" {
			return fmt.Errorf("step name is required")
		}
		if names[s.Name()] {
			return fmt.Errorf("duplicate step name: %s", s.Name())
		}
		names[s.Name()] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn() {
			if dep == s.Name() {
				return fmt.Errorf("step %s depends on itself", s.Name())
			}
			if !names[dep] {
				return fmt.Errorf("step %s depends on non-existent step: %s", s.Name(), dep)
			}
		}
	}
	return nil
}

// Step returns the named step
func (p *Plan[C]) Step(name string) (Step[C], bool) {
	for _, s := range p.Steps {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Fingerprint hashes step names and dependencies so that two runs can be
// compared in logs
func (p *Plan[C]) Fingerprint() string {
	var b strings.Builder
	b.WriteString(p.Name)
	for _, s := range p.Steps {
		b.WriteString("\n")
		b.WriteString(s.Name())
		b.WriteString("<")
		b.WriteString(strings.Join(s.DependsOn(), ","))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}
