package readiness

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chazu/capstan/pkg/resource"
)

// Default polling parameters
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Minute
)

// Observation is a point-in-time view of a resource produced by a probe
type Observation struct {
	// Found is false when the probed object does not exist yet
	Found bool

	// Ready and Desired count converged units, such as ready pods out of replicas
	Ready   int
	Desired int

	// Phase is a free-form phase or status string (Bound, deployed, Active, ...)
	Phase string

	// Detail carries anything else worth printing
	Detail string
}

// String renders the observation as a short status line
func (o Observation) String() string {
	if !o.Found {
		return "not found"
	}
	s := ""
	if o.Desired > 0 {
		s = fmt.Sprintf("ready %d/%d", o.Ready, o.Desired)
	}
	if o.Phase != "" {
		if s != "" {
			s += " "
		}
		s += "phase=" + o.Phase
	}
	if o.Detail != "" {
		if s != "" {
			s += " "
		}
		s += o.Detail
	}
	if s == "" {
		s = "present"
	}
	return s
}

// ProbeFunc observes the current state of a resource
type ProbeFunc func(ctx context.Context) (Observation, error)

// Check describes how to decide that a resource has converged
type Check struct {
	Name      string
	Probe     ProbeFunc
	Predicate func(Observation) bool

	// Summary renders an observation for status lines; defaults to Observation.String
	Summary func(Observation) string

	Interval time.Duration
	Timeout  time.Duration
}

func (c *Check) summary(o Observation) string {
	if c.Summary != nil {
		return c.Summary(o)
	}
	return o.String()
}

func (c *Check) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return DefaultInterval
}

func (c *Check) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// WithTimeout returns a copy of the check using timeout
func (c *Check) WithTimeout(timeout time.Duration) *Check {
	cp := *c
	cp.Timeout = timeout
	return &cp
}

// Holds probes once and reports whether the predicate is satisfied right now
func (c *Check) Holds(ctx context.Context) (bool, Observation, error) {
	obs, err := c.Probe(ctx)
	if err != nil {
		return false, obs, err
	}
	return c.Predicate(obs), obs, nil
}

// ObjectCheck returns a check that fetches the object addressed by h and
// evaluates preds against it. A missing object is not ready.
func ObjectCheck(c client.Reader, h resource.Handle, preds ...Predicate) *Check {
	checker := NewChecker(c)
	return &Check{
		Name: h.String(),
		Probe: func(ctx context.Context) (Observation, error) {
			obj, err := h.Get(ctx, c)
			if err != nil {
				if errors.IsNotFound(err) {
					return Observation{}, nil
				}
				return Observation{}, err
			}
			obs := Observation{Found: true, Desired: 1}
			obs.Phase, _, _ = unstructured.NestedString(obj.Object, "status", "phase")
			ok, err := checker.Evaluate(ctx, obj, preds)
			if err != nil {
				return obs, err
			}
			if ok {
				obs.Ready = 1
			}
			return obs, nil
		},
		Predicate: func(o Observation) bool { return o.Found && o.Ready >= o.Desired },
	}
}

// PodsReadyCheck returns a check that lists the pods matching sel and is
// satisfied when at least want of them are ready
func PodsReadyCheck(c client.Reader, namespace string, sel labels.Selector, want int) *Check {
	return &Check{
		Name: fmt.Sprintf("pods %s{%s}", namespace, sel),
		Probe: func(ctx context.Context) (Observation, error) {
			pods := &corev1.PodList{}
			if err := c.List(ctx, pods, client.InNamespace(namespace), client.MatchingLabelsSelector{Selector: sel}); err != nil {
				return Observation{}, err
			}
			obs := Observation{Found: len(pods.Items) > 0, Desired: want}
			for i := range pods.Items {
				if PodReady(&pods.Items[i]) {
					obs.Ready++
				}
			}
			return obs, nil
		},
		Predicate: func(o Observation) bool { return o.Ready >= o.Desired },
	}
}

// DeploymentsAvailableCheck returns a check satisfied when at least one
// Deployment matches sel and every matching Deployment is available
func DeploymentsAvailableCheck(c client.Reader, namespace string, sel labels.Selector) *Check {
	return &Check{
		Name: fmt.Sprintf("deployments %s{%s}", namespace, sel),
		Probe: func(ctx context.Context) (Observation, error) {
			list := &appsv1.DeploymentList{}
			if err := c.List(ctx, list, client.InNamespace(namespace), client.MatchingLabelsSelector{Selector: sel}); err != nil {
				return Observation{}, err
			}
			obs := Observation{Found: len(list.Items) > 0, Desired: len(list.Items)}
			for i := range list.Items {
				if DeploymentAvailable(&list.Items[i]) {
					obs.Ready++
				}
			}
			return obs, nil
		},
		Predicate: func(o Observation) bool { return o.Found && o.Ready >= o.Desired },
	}
}

// GoneCheck returns a check satisfied once nothing addressed by h remains
func GoneCheck(c client.Reader, h resource.Handle) *Check {
	return &Check{
		Name: "gone " + h.String(),
		Probe: func(ctx context.Context) (Observation, error) {
			items, err := h.List(ctx, c)
			if err != nil {
				return Observation{}, err
			}
			return Observation{Found: len(items) > 0, Ready: len(items), Detail: fmt.Sprintf("remaining=%d", len(items))}, nil
		},
		Predicate: func(o Observation) bool { return !o.Found },
	}
}
