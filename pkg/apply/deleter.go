package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/metrics"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

const (
	// KeepAnnotation protects an object from teardown
	KeepAnnotation = "capstan.io/keep"

	// DefaultGracePeriod is how long a graceful delete may take before finalizers are stripped
	DefaultGracePeriod = 30 * time.Second

	// DefaultMaxAttempts bounds the delete, wait, strip cycles
	DefaultMaxAttempts = 3

	// DefaultFanOutWait caps how long a bulk delete is awaited
	DefaultFanOutWait = 30 * time.Second
)

var clearFinalizersPatch = []byte(`{"metadata":{"finalizers":null}}`)

// DeletePolicy describes one set of objects to delete and how hard to try
type DeletePolicy struct {
	GVK       schema.GroupVersionKind
	Namespace string

	// Selector restricts the set; nil selects everything in Namespace
	Selector labels.Selector

	// Names further restricts the set to these object names
	Names []string

	// GracePeriod is how long to wait for a graceful delete to converge
	GracePeriod time.Duration

	// PollInterval is the interval used while waiting
	PollInterval time.Duration

	// MaxAttempts bounds the number of delete, wait, strip cycles
	MaxAttempts int

	// FinalizeNamespace clears spec.finalizers through the namespace
	// finalize subresource once metadata finalizers are stripped
	FinalizeNamespace bool

	// Workers above 1 fans deletes out over a bounded pool
	Workers int

	// FanOutWait caps how long the fan-out is awaited; slower deletes are abandoned
	FanOutWait time.Duration
}

func (p *DeletePolicy) setDefaults() {
	if p.GracePeriod <= 0 {
		p.GracePeriod = DefaultGracePeriod
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.FanOutWait <= 0 {
		p.FanOutWait = DefaultFanOutWait
	}
}

// Handle returns the resource handle addressing the policy's set
func (p DeletePolicy) Handle() resource.Handle {
	sel := p.Selector
	if sel == nil {
		sel = labels.Everything()
	}
	return resource.Selecting(resource.Kind(p.GVK.Kind), p.GVK, p.Namespace, sel)
}

// DeleteResult contains the result of a delete operation
type DeleteResult struct {
	// Deleted contains objects removed by a graceful delete
	Deleted []resource.Ref

	// Forced contains objects whose finalizers had to be stripped
	Forced []resource.Ref

	// Protected contains objects skipped because of the keep annotation
	Protected []resource.Ref

	// Remaining contains objects still present after the last attempt
	Remaining []resource.Ref

	// Attempts is the number of delete cycles issued
	Attempts int
}

// Deleter removes sets of objects with a forced-cleanup fallback
type Deleter struct {
	client    client.Client
	clientset kubernetes.Interface
	poller    *readiness.Poller
}

// NewDeleter creates a new deleter. clientset may be nil, in which case
// namespaces are never finalized through the subresource.
func NewDeleter(c client.Client, clientset kubernetes.Interface, poller *readiness.Poller) *Deleter {
	return &Deleter{
		client:    c,
		clientset: clientset,
		poller:    poller,
	}
}

// DeleteWithFallback deletes the selected objects gracefully, waits up to
// GracePeriod for them to disappear, then strips finalizers from whatever is
// left and tries again, at most MaxAttempts times.
func (d *Deleter) DeleteWithFallback(ctx context.Context, policy DeletePolicy) (*DeleteResult, error) {
	policy.setDefaults()
	logger := log.FromContext(ctx).WithValues("kind", policy.GVK.Kind, "namespace", policy.Namespace)
	result := &DeleteResult{}
	forced := map[resource.Ref]bool{}
	protected := map[resource.Ref]bool{}

	initial, err := d.list(ctx, policy, protected)
	if err != nil {
		return result, err
	}
	seen := make(map[resource.Ref]bool, len(initial))
	for i := range initial {
		seen[resource.RefFor(&initial[i])] = true
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		items, err := d.list(ctx, policy, protected)
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			break
		}
		result.Attempts = attempt
		logger.V(1).Info("Deleting", "count", len(items), "attempt", attempt)

		d.deleteItems(ctx, items, policy)

		outcome, err := d.poller.Wait(ctx, d.goneCheck(policy, protected))
		if err != nil {
			return result, fmt.Errorf("waiting for %s deletion: %w", policy.GVK.Kind, err)
		}
		if outcome.Converged {
			break
		}

		leftover, err := d.list(ctx, policy, protected)
		if err != nil {
			return result, err
		}
		logger.Info("Graceful delete did not converge, stripping finalizers", "remaining", len(leftover), "attempt", attempt)
		for i := range leftover {
			obj := &leftover[i]
			if err := d.forceRemove(ctx, obj, policy); err != nil {
				logger.Error(err, "Forced cleanup failed", "name", obj.GetName())
				continue
			}
			forced[resource.RefFor(obj)] = true
			metrics.RecordDelete(policy.GVK.String(), "forced")
		}
	}

	remaining, err := d.list(ctx, policy, protected)
	if err != nil {
		return result, err
	}
	left := make(map[resource.Ref]bool, len(remaining))
	for i := range remaining {
		ref := resource.RefFor(&remaining[i])
		left[ref] = true
		result.Remaining = append(result.Remaining, ref)
	}
	for ref := range seen {
		switch {
		case left[ref]:
		case forced[ref]:
			result.Forced = append(result.Forced, ref)
		default:
			result.Deleted = append(result.Deleted, ref)
			metrics.RecordDelete(policy.GVK.String(), "graceful")
		}
	}
	for ref := range protected {
		result.Protected = append(result.Protected, ref)
	}

	if len(result.Remaining) > 0 {
		logger.Info("Objects remain after forced cleanup", "remaining", len(result.Remaining), "attempts", result.Attempts)
	}
	return result, nil
}

// list returns the objects selected by policy, minus protected ones which are
// recorded into protected
func (d *Deleter) list(ctx context.Context, policy DeletePolicy, protected map[resource.Ref]bool) ([]unstructured.Unstructured, error) {
	items, err := policy.Handle().List(ctx, d.client)
	if err != nil {
		return nil, err
	}
	var names map[string]bool
	if len(policy.Names) > 0 {
		names = make(map[string]bool, len(policy.Names))
		for _, n := range policy.Names {
			names[n] = true
		}
	}

	out := items[:0]
	for _, item := range items {
		if names != nil && !names[item.GetName()] {
			continue
		}
		if item.GetAnnotations()[KeepAnnotation] == "true" {
			protected[resource.RefFor(&item)] = true
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (d *Deleter) goneCheck(policy DeletePolicy, protected map[resource.Ref]bool) *readiness.Check {
	return &readiness.Check{
		Name: fmt.Sprintf("%s deletion in %q", policy.GVK.Kind, policy.Namespace),
		Probe: func(ctx context.Context) (readiness.Observation, error) {
			items, err := d.list(ctx, policy, protected)
			if err != nil {
				return readiness.Observation{}, err
			}
			return readiness.Observation{
				Found:  len(items) > 0,
				Detail: fmt.Sprintf("remaining=%d", len(items)),
			}, nil
		},
		Predicate: func(o readiness.Observation) bool { return !o.Found },
		Interval:  policy.PollInterval,
		Timeout:   policy.GracePeriod,
	}
}

// deleteItems issues a delete for every item not already terminating. With
// more than one worker the deletes fan out and are awaited for at most
// FanOutWait; stragglers keep running but are not waited on.
func (d *Deleter) deleteItems(ctx context.Context, items []unstructured.Unstructured, policy DeletePolicy) {
	logger := log.FromContext(ctx)
	del := func(obj *unstructured.Unstructured) {
		if obj.GetDeletionTimestamp() != nil {
			return
		}
		if err := resource.DeleteObject(ctx, d.client, obj); err != nil {
			logger.V(1).Info("Delete failed", "name", obj.GetName(), "error", err.Error())
		}
	}

	if policy.Workers <= 1 || len(items) == 1 {
		for i := range items {
			del(&items[i])
		}
		return
	}

	p := pool.New().WithMaxGoroutines(policy.Workers)
	for i := range items {
		obj := &items[i]
		p.Go(func() { del(obj) })
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	timer := time.NewTimer(policy.FanOutWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Info("Abandoning slow deletes", "kind", policy.GVK.Kind, "waited", policy.FanOutWait)
	case <-ctx.Done():
	}
}

// forceRemove strips metadata finalizers, finalizes namespaces when asked,
// and reissues the delete
func (d *Deleter) forceRemove(ctx context.Context, obj *unstructured.Unstructured, policy DeletePolicy) error {
	if len(obj.GetFinalizers()) > 0 {
		if err := d.client.Patch(ctx, obj, client.RawPatch(types.MergePatchType, clearFinalizersPatch)); err != nil && !errors.IsNotFound(err) {
			return fmt.Errorf("failed to strip finalizers from %s: %w", resource.RefFor(obj), err)
		}
	}

	if policy.FinalizeNamespace && policy.GVK == resource.GVKNamespace && d.clientset != nil {
		if err := d.finalizeNamespace(ctx, obj.GetName()); err != nil {
			return err
		}
	}

	return resource.DeleteObject(ctx, d.client, obj)
}

// finalizeNamespace clears spec.finalizers through the finalize subresource
func (d *Deleter) finalizeNamespace(ctx context.Context, name string) error {
	ns, err := d.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get namespace %s: %w", name, err)
	}
	if len(ns.Spec.Finalizers) == 0 {
		return nil
	}
	ns.Spec.Finalizers = nil
	if _, err := d.clientset.CoreV1().Namespaces().Finalize(ctx, ns, metav1.UpdateOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to finalize namespace %s: %w", name, err)
	}
	return nil
}
