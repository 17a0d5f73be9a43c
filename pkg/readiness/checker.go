package readiness

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Checker evaluates readiness predicates against an already fetched object
type Checker struct {
	client client.Reader
}

// NewChecker creates a new readiness checker
func NewChecker(c client.Reader) *Checker {
	return &Checker{
		client: c,
	}
}

// Evaluate returns true if obj satisfies every predicate. An empty predicate
// list is satisfied by any existing object.
func (c *Checker) Evaluate(ctx context.Context, obj *unstructured.Unstructured, predicates []Predicate) (bool, error) {
	if obj == nil {
		return false, fmt.Errorf("object cannot be nil")
	}

	for _, pred := range predicates {
		evaluator, err := NewEvaluator(pred)
		if err != nil {
			return false, fmt.Errorf("failed to create evaluator: %w", err)
		}

		ready, err := evaluator.Evaluate(ctx, c.client, obj)
		if err != nil {
			return false, fmt.Errorf("predicate %s evaluation failed: %w", pred.Type, err)
		}
		if !ready {
			return false, nil
		}
	}

	return true, nil
}
