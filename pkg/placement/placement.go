package placement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/platform"
	"github.com/chazu/capstan/pkg/readiness"
)

// Mode selects what counts as a failure domain
type Mode string

const (
	// ModeZone uses the node zone label; a node without one is a violation
	ModeZone Mode = "zone"

	// ModeZoneLenient uses the node zone label and buckets unlabelled nodes together
	ModeZoneLenient Mode = "zone-lenient"

	// ModeHost uses the node hostname
	ModeHost Mode = "host"

	// ModeNone disables placement validation
	ModeNone Mode = "none"
)

// UnlabelledDomain is the bucket for nodes without a zone label in ModeZoneLenient
const UnlabelledDomain = "<none>"

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeZone, ModeZoneLenient, ModeHost, ModeNone:
		return m, nil
	case "":
		return ModeZone, nil
	default:
		return "", fmt.Errorf("unknown placement mode %q (want zone, zone-lenient, host or none)", s)
	}
}

// Constraint describes how the replicas of one role must be placed
type Constraint struct {
	Role                   string
	Namespace              string
	Selector               labels.Selector
	RequiredReplicas       int
	DistinctFailureDomains bool
	Mode                   Mode
}

// Result is the observed placement of a role
type Result struct {
	Role string
	Mode Mode

	// Running is the number of running replicas found
	Running int

	// Distribution maps failure domain to the number of replicas in it
	Distribution map[string]int
}

// Domains returns the failure domains of the distribution, sorted
func (r *Result) Domains() []string {
	out := make([]string, 0, len(r.Distribution))
	for d := range r.Distribution {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ViolationError reports a placement that breaks its constraint. It is
// permanent: waiting or retrying will not move running replicas.
type ViolationError struct {
	Role         string
	Mode         Mode
	Distribution map[string]int
	Reason       string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("placement of %s violates %s constraint: %s (distribution %s)",
		e.Role, e.Mode, e.Reason, FormatDistribution(e.Distribution))
}

// Permanent marks the violation as not retriable
func (e *ViolationError) Permanent() bool { return true }

// FormatDistribution renders a distribution as {a:1, b:2} with sorted keys
func FormatDistribution(d map[string]int) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, d[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Validator checks constraints against the live pod and node inventory
type Validator struct {
	client client.Reader
}

// NewValidator creates a new placement validator
func NewValidator(c client.Reader) *Validator {
	return &Validator{client: c}
}

// Validate lists the running pods of the constraint's role and maps each to
// the failure domain of its node. The result is returned even when the
// constraint is violated, alongside a *ViolationError.
func (v *Validator) Validate(ctx context.Context, c Constraint) (*Result, error) {
	logger := log.FromContext(ctx).WithValues("role", c.Role, "mode", c.Mode)

	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return nil, err
	}
	result := &Result{Role: c.Role, Mode: mode, Distribution: map[string]int{}}
	if mode == ModeNone {
		logger.V(1).Info("Placement validation disabled")
		return result, nil
	}

	pods := &corev1.PodList{}
	opts := []client.ListOption{client.InNamespace(c.Namespace)}
	if c.Selector != nil {
		opts = append(opts, client.MatchingLabelsSelector{Selector: c.Selector})
	}
	if err := v.client.List(ctx, pods, opts...); err != nil {
		return nil, fmt.Errorf("failed to list %s pods: %w", c.Role, err)
	}

	nodes := map[string]*corev1.Node{}
	var unlabelled []string
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil || pod.Spec.NodeName == "" {
			continue
		}
		node, ok := nodes[pod.Spec.NodeName]
		if !ok {
			node = &corev1.Node{}
			if err := v.client.Get(ctx, client.ObjectKey{Name: pod.Spec.NodeName}, node); err != nil {
				return nil, fmt.Errorf("failed to get node %s of pod %s: %w", pod.Spec.NodeName, pod.Name, err)
			}
			nodes[pod.Spec.NodeName] = node
		}

		domain := domainOf(node, mode)
		if domain == "" {
			unlabelled = append(unlabelled, node.Name)
			domain = UnlabelledDomain
		}
		result.Running++
		result.Distribution[domain]++
	}

	logger.V(1).Info("Observed placement", "running", result.Running, "distribution", FormatDistribution(result.Distribution))

	violation := func(reason string) error {
		return &ViolationError{Role: c.Role, Mode: mode, Distribution: result.Distribution, Reason: reason}
	}
	if mode == ModeZone && len(unlabelled) > 0 {
		sort.Strings(unlabelled)
		return result, violation(fmt.Sprintf("node(s) %s carry no %s label", strings.Join(unlabelled, ", "), platform.ZoneLabel))
	}
	if result.Running < c.RequiredReplicas {
		return result, violation(fmt.Sprintf("%d of %d replicas running", result.Running, c.RequiredReplicas))
	}
	if !c.DistinctFailureDomains {
		return result, nil
	}
	if len(result.Distribution) != c.RequiredReplicas {
		return result, violation(fmt.Sprintf("%d replicas span %d failure domain(s), want %d",
			result.Running, len(result.Distribution), c.RequiredReplicas))
	}
	for _, d := range result.Domains() {
		if n := result.Distribution[d]; n != 1 {
			return result, violation(fmt.Sprintf("failure domain %s holds %d replicas", d, n))
		}
	}
	return result, nil
}

func domainOf(n *corev1.Node, mode Mode) string {
	if mode == ModeHost {
		if h := n.Labels[platform.HostnameLabel]; h != "" {
			return h
		}
		return n.Name
	}
	return platform.ZoneOf(n.Labels)
}

// Check wraps Validate in a readiness check. The check waits while fewer
// replicas than required are running, holds once the placement is valid,
// and fails permanently on a violation once at least the required number of
// replicas runs, surplus replicas included.
func (v *Validator) Check(c Constraint, interval, timeout time.Duration) *readiness.Check {
	return &readiness.Check{
		Name: fmt.Sprintf("placement of %s", c.Role),
		Probe: func(ctx context.Context) (readiness.Observation, error) {
			res, err := v.Validate(ctx, c)
			if res == nil {
				return readiness.Observation{}, err
			}
			obs := readiness.Observation{
				Found:   res.Running > 0 || res.Mode == ModeNone,
				Ready:   res.Running,
				Desired: c.RequiredReplicas,
				Detail:  FormatDistribution(res.Distribution),
			}
			if res.Mode == ModeNone {
				obs.Ready = obs.Desired
				return obs, nil
			}
			if res.Running < c.RequiredReplicas {
				// Still converging; judge the spread once every replica runs
				return obs, nil
			}
			// A complete or surplus placement is final
			return obs, err
		},
		Predicate: func(o readiness.Observation) bool { return o.Found && o.Ready >= o.Desired },
		Interval:  interval,
		Timeout:   timeout,
	}
}
