package teardown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/metrics"
	"github.com/chazu/capstan/pkg/packages"
	"github.com/chazu/capstan/pkg/resource"
)

// TransientLabel marks a namespace recreated only to release orphaned resources
const TransientLabel = "capstan.io/transient"

// rootCAConfigMap is published into every namespace by the control plane
const rootCAConfigMap = "kube-root-ca.crt"

// verifyTimeout bounds the final listing once the teardown budget is spent
const verifyTimeout = 30 * time.Second

// ResidualError is returned when verification still finds resources the
// plan should have removed. Cause is set when the teardown budget ran out
// before every phase ran.
type ResidualError struct {
	Namespace string
	Remaining []resource.Ref
	Cause     error
}

func (e *ResidualError) Error() string {
	refs := make([]string, len(e.Remaining))
	for i, r := range e.Remaining {
		refs[i] = r.String()
	}
	msg := fmt.Sprintf("teardown of %s left %d resource(s): %s", e.Namespace, len(e.Remaining), strings.Join(refs, ", "))
	if e.Cause != nil {
		msg += fmt.Sprintf(" (stopped early: %v)", e.Cause)
	}
	return msg
}

func (e *ResidualError) Unwrap() error {
	return e.Cause
}

// PhaseResult summarises one phase
type PhaseResult struct {
	Name        string
	Uninstalled []string
	Deleted     int
	Forced      int
	Protected   []resource.Ref
	Errors      []error
}

// Result is the outcome of a teardown
type Result struct {
	Plan      *Plan
	Phases    []PhaseResult
	Recovered []resource.Ref
	Residual  []resource.Ref
}

// Forced returns the number of objects whose finalizers were stripped
func (r *Result) Forced() int {
	n := 0
	for _, p := range r.Phases {
		n += p.Forced
	}
	return n
}

// Sequencer runs teardown plans
type Sequencer struct {
	client    client.Client
	deleter   *apply.Deleter
	installer packages.Installer
}

// NewSequencer creates a teardown sequencer. installer may be nil, in which
// case releases are only removed through their storage secrets.
func NewSequencer(c client.Client, deleter *apply.Deleter, installer packages.Installer) *Sequencer {
	return &Sequencer{
		client:    c,
		deleter:   deleter,
		installer: installer,
	}
}

// DiscoverCustomKinds lists the namespaced kinds served under group, using
// each CRD's storage version
func (s *Sequencer) DiscoverCustomKinds(ctx context.Context, group string) ([]schema.GroupVersionKind, error) {
	if group == "" {
		return nil, nil
	}
	crds := &apiextensionsv1.CustomResourceDefinitionList{}
	if err := s.client.List(ctx, crds); err != nil {
		if meta.IsNoMatchError(err) || apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list CustomResourceDefinitions: %w", err)
	}

	var kinds []schema.GroupVersionKind
	for _, crd := range crds.Items {
		if crd.Spec.Group != group || crd.Spec.Scope != apiextensionsv1.NamespaceScoped {
			continue
		}
		version := ""
		for _, v := range crd.Spec.Versions {
			if v.Storage {
				version = v.Name
				break
			}
			if version == "" && v.Served {
				version = v.Name
			}
		}
		if version == "" {
			continue
		}
		kinds = append(kinds, schema.GroupVersionKind{Group: group, Version: version, Kind: crd.Spec.Names.Kind})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })
	return kinds, nil
}

// Run tears down everything spec describes, then verifies. Phase failures
// are logged and the remaining phases still run; whatever survives is
// reported by a *ResidualError. When ctx ends first the remaining phases
// are skipped but verification still runs, and the error wraps ctx.Err().
func (s *Sequencer) Run(ctx context.Context, spec Spec) (*Result, error) {
	logger := log.FromContext(ctx).WithValues("namespace", spec.Namespace)
	ctx = log.IntoContext(ctx, logger)

	kinds, err := s.DiscoverCustomKinds(ctx, spec.CRDGroup)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(spec, kinds)
	result := &Result{Plan: plan}
	logger.Info("Tearing down", "phases", len(plan.Phases), "customKinds", len(kinds))

	recovered, err := s.recoverOrphans(ctx, spec, plan)
	if err != nil {
		logger.Error(err, "Orphan recovery failed")
	}
	result.Recovered = recovered

	for _, phase := range plan.Phases {
		if ctx.Err() != nil {
			logger.Info("Teardown budget spent, skipping remaining phases", "phase", phase.Name)
			break
		}
		pr := s.runPhase(ctx, spec, phase)
		result.Phases = append(result.Phases, pr)
	}

	// The budget may also run out inside the last phase
	stopped := ctx.Err()
	verifyCtx := ctx
	if stopped != nil {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
		defer cancel()
	}

	residual, err := s.Verify(verifyCtx, plan)
	if err != nil {
		if stopped != nil {
			return result, fmt.Errorf("%w: %w", stopped, err)
		}
		return result, err
	}
	result.Residual = residual
	metrics.SetTeardownResidual(len(residual))
	if len(residual) > 0 {
		return result, &ResidualError{Namespace: spec.Namespace, Remaining: residual, Cause: stopped}
	}
	logger.Info("Teardown complete", "forced", result.Forced(), "recovered", len(result.Recovered))
	return result, nil
}

func (s *Sequencer) runPhase(ctx context.Context, spec Spec, phase Phase) PhaseResult {
	logger := log.FromContext(ctx).WithValues("phase", phase.Name)
	pr := PhaseResult{Name: phase.Name}

	for _, rel := range phase.Releases {
		if s.installer == nil {
			break
		}
		if err := s.installer.Uninstall(ctx, spec.Namespace, rel); err != nil {
			logger.Error(err, "Uninstall failed", "release", rel)
			pr.Errors = append(pr.Errors, err)
			continue
		}
		pr.Uninstalled = append(pr.Uninstalled, rel)
	}

	for _, policy := range phase.Policies {
		res, err := s.deleter.DeleteWithFallback(ctx, policy)
		if err != nil {
			logger.Error(err, "Delete failed", "kind", policy.GVK.Kind)
			pr.Errors = append(pr.Errors, err)
		}
		if res != nil {
			pr.Deleted += len(res.Deleted)
			pr.Forced += len(res.Forced)
			pr.Protected = append(pr.Protected, res.Protected...)
		}
	}

	logger.V(1).Info("Phase complete", "deleted", pr.Deleted, "forced", pr.Forced, "uninstalled", len(pr.Uninstalled))
	return pr
}

// recoverOrphans handles custom resources that outlived their namespace. A
// transient namespace with the same name is created so the resources can be
// addressed, they are deleted, and the transient namespace is removed again.
func (s *Sequencer) recoverOrphans(ctx context.Context, spec Spec, plan *Plan) ([]resource.Ref, error) {
	logger := log.FromContext(ctx)

	ns := &corev1.Namespace{}
	err := s.client.Get(ctx, client.ObjectKey{Name: spec.Namespace}, ns)
	if err == nil || !apierrors.IsNotFound(err) {
		return nil, client.IgnoreNotFound(err)
	}

	var crPolicies []apply.DeletePolicy
	var orphans []resource.Ref
	for _, ph := range plan.Phases {
		if ph.Name != PhaseCustomResources {
			continue
		}
		for _, p := range ph.Policies {
			items, err := p.Handle().List(ctx, s.client)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				continue
			}
			crPolicies = append(crPolicies, p)
			for i := range items {
				orphans = append(orphans, resource.RefFor(&items[i]))
			}
		}
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	logger.Info("Recovering orphaned custom resources through a transient namespace", "count", len(orphans))
	transient := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   spec.Namespace,
		Labels: map[string]string{TransientLabel: "true"},
	}}
	if err := s.client.Create(ctx, transient); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create transient namespace %s: %w", spec.Namespace, err)
	}

	var errs []error
	for _, p := range crPolicies {
		if _, err := s.deleter.DeleteWithFallback(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	nsPolicy := apply.DeletePolicy{
		GVK:               resource.GVKNamespace,
		Names:             []string{spec.Namespace},
		FinalizeNamespace: true,
		GracePeriod:       spec.GracePeriod,
		PollInterval:      spec.PollInterval,
		MaxAttempts:       spec.MaxAttempts,
	}
	if _, err := s.deleter.DeleteWithFallback(ctx, nsPolicy); err != nil {
		errs = append(errs, err)
	}
	return orphans, errors.Join(errs...)
}

// Verify lists every kind of the plan again and returns what is left.
// Objects carrying the keep annotation were left on purpose and are not
// counted.
func (s *Sequencer) Verify(ctx context.Context, plan *Plan) ([]resource.Ref, error) {
	var residual []resource.Ref
	for _, p := range plan.Policies() {
		items, err := p.Handle().List(ctx, s.client)
		if err != nil {
			if meta.IsNoMatchError(err) {
				continue
			}
			return nil, fmt.Errorf("verification failed: %w", err)
		}
		names := map[string]bool{}
		for _, n := range p.Names {
			names[n] = true
		}
		for i := range items {
			obj := &items[i]
			if len(names) > 0 && !names[obj.GetName()] {
				continue
			}
			if obj.GetAnnotations()[apply.KeepAnnotation] == "true" {
				continue
			}
			if p.GVK == resource.GVKConfigMap && obj.GetName() == rootCAConfigMap {
				continue
			}
			residual = append(residual, resource.RefFor(obj))
		}
	}
	log.FromContext(ctx).V(1).Info("Verified teardown", "residual", len(residual))
	return residual, nil
}
