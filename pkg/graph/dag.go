package graph

import (
	"fmt"
	"sort"

	"github.com/dominikbraun/graph"
)

// DAG is a validated plan with its execution order computed
type DAG[C any] struct {
	// graph is the underlying graph structure from dominikbraun/graph
	graph graph.Graph[string, string]

	steps map[string]Step[C]

	// index is each step's position in the plan, used to break ordering ties
	index map[string]int

	// order contains the topologically sorted step names
	order []string
}

// BuildDAG validates a plan, rejects cycles, and computes a topological order
// that keeps declaration order wherever dependencies allow
func BuildDAG[C any](p *Plan[C]) (*DAG[C], error) {
	if p == nil {
		return nil, fmt.Errorf("plan cannot be nil")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan validation failed: %w", err)
	}

	dg := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	steps := make(map[string]Step[C], len(p.Steps))
	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		steps[s.Name()] = s
		index[s.Name()] = i
		if err := dg.AddVertex(s.Name()); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", s.Name(), err)
		}
	}

	// AddEdge(source, target) means source -> target, so a dependency points
	// at its dependent
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn() {
			if err := dg.AddEdge(dep, s.Name()); err != nil {
				return nil, fmt.Errorf("failed to add edge %s -> %s: %w", dep, s.Name(), err)
			}
		}
	}

	order, err := graph.StableTopologicalSort(dg, func(a, b string) bool {
		return index[a] < index[b]
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute topological sort (possible cycle): %w", err)
	}

	return &DAG[C]{
		graph: dg,
		steps: steps,
		index: index,
		order: order,
	}, nil
}

// Step retrieves a step by name
func (d *DAG[C]) Step(name string) (Step[C], bool) {
	s, found := d.steps[name]
	return s, found
}

// Order returns the topologically sorted step names. Steps earlier in the
// list never depend on steps later in the list.
func (d *DAG[C]) Order() []string {
	return d.order
}

// Dependencies returns the names of steps the given step depends on
func (d *DAG[C]) Dependencies(name string) ([]string, error) {
	s, found := d.steps[name]
	if !found {
		return nil, fmt.Errorf("step %s not found", name)
	}
	return s.DependsOn(), nil
}

// Dependents returns the names of steps that directly depend on the given step
func (d *DAG[C]) Dependents(name string) ([]string, error) {
	if _, found := d.steps[name]; !found {
		return nil, fmt.Errorf("step %s not found", name)
	}
	adjacency, err := d.graph.AdjacencyMap()
	if err != nil {
		return nil, err
	}
	var dependents []string
	for target := range adjacency[name] {
		dependents = append(dependents, target)
	}
	sort.Slice(dependents, func(i, j int) bool { return d.index[dependents[i]] < d.index[dependents[j]] })
	return dependents, nil
}

// Size returns the number of steps in the DAG
func (d *DAG[C]) Size() int {
	return len(d.steps)
}
