package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/metrics"
)

// DefaultFieldManager is the field manager capstan applies as
const DefaultFieldManager = "capstan"

// Mode selects how an object is written
type Mode string

const (
	// ModeApply uses Server-Side Apply
	ModeApply Mode = "Apply"

	// ModeCreate creates the object and leaves an existing one untouched
	ModeCreate Mode = "Create"
)

// Policy controls how the Applier writes an object
type Policy struct {
	Mode         Mode
	FieldManager string

	// Force takes ownership of conflicting fields under Server-Side Apply
	Force bool
}

// DefaultPolicy returns a forced Server-Side Apply policy
func DefaultPolicy() Policy {
	return Policy{Mode: ModeApply, FieldManager: DefaultFieldManager, Force: true}
}

// CreatePolicy returns a create-if-absent policy
func CreatePolicy() Policy {
	return Policy{Mode: ModeCreate, FieldManager: DefaultFieldManager}
}

func (p *Policy) setDefaults() {
	if p.Mode == "" {
		p.Mode = ModeApply
	}
	if p.FieldManager == "" {
		p.FieldManager = DefaultFieldManager
	}
}

// Applier applies Kubernetes objects with various strategies
type Applier struct {
	client client.Client
}

// NewApplier creates a new object applier
func NewApplier(c client.Client) *Applier {
	return &Applier{client: c}
}

// gvkString returns a string representation of an object's GVK
func gvkString(obj *unstructured.Unstructured) string {
	gvk := obj.GroupVersionKind()
	if gvk.Group == "" {
		return fmt.Sprintf("%s/%s", gvk.Version, gvk.Kind)
	}
	return fmt.Sprintf("%s/%s/%s", gvk.Group, gvk.Version, gvk.Kind)
}

// Apply writes obj according to policy. The object is stamped with its
// configuration hash first so later runs can tell whether it drifted.
func (a *Applier) Apply(ctx context.Context, obj *unstructured.Unstructured, policy Policy) error {
	if obj == nil {
		return fmt.Errorf("object cannot be nil")
	}
	policy.setDefaults()

	logger := log.FromContext(ctx).WithValues(
		"gvk", gvkString(obj),
		"namespace", obj.GetNamespace(),
		"name", obj.GetName(),
		"mode", string(policy.Mode),
	)

	if err := StampConfigHash(obj); err != nil {
		return err
	}

	startTime := time.Now()
	var err error

	switch policy.Mode {
	case ModeApply:
		err = a.applySSA(ctx, obj, policy, logger)
	case ModeCreate:
		err = a.applyCreate(ctx, obj, logger)
	default:
		err = fmt.Errorf("unknown apply mode: %s", policy.Mode)
	}

	duration := time.Since(startTime).Seconds()
	if err != nil {
		metrics.RecordApply("failure", string(policy.Mode), gvkString(obj), duration)
		logger.Error(err, "Failed to apply object")
	} else {
		metrics.RecordApply("success", string(policy.Mode), gvkString(obj), duration)
		logger.V(1).Info("Applied object", "duration_ms", duration*1000)
	}

	return err
}

// applySSA applies an object using Server-Side Apply
func (a *Applier) applySSA(ctx context.Context, obj *unstructured.Unstructured, policy Policy, logger logr.Logger) error {
	patchOpts := []client.PatchOption{
		client.FieldOwner(policy.FieldManager),
	}
	if policy.Force {
		patchOpts = append(patchOpts, client.ForceOwnership)
		logger.V(2).Info("Using force ownership for SSA")
	}
	logger.V(2).Info("Applying object via SSA", "fieldManager", policy.FieldManager)

	// SSA rejects managedFields and resourceVersion in the request body
	obj.SetManagedFields(nil)
	obj.SetResourceVersion("")

	if err := a.client.Patch(ctx, obj, client.Apply, patchOpts...); err != nil {
		if errors.IsConflict(err) {
			return &ConflictError{
				Resource:     fmt.Sprintf("%s/%s", obj.GetNamespace(), obj.GetName()),
				FieldManager: policy.FieldManager,
				Err:          err,
			}
		}
		return fmt.Errorf("failed to apply %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}

	return nil
}

// applyCreate creates an object only if it doesn't exist
func (a *Applier) applyCreate(ctx context.Context, obj *unstructured.Unstructured, logger logr.Logger) error {
	if err := a.client.Create(ctx, obj); err != nil {
		if errors.IsAlreadyExists(err) {
			logger.V(1).Info("Object already exists, leaving it in place")
			return nil
		}
		return fmt.Errorf("failed to create %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}

	logger.V(1).Info("Object created")
	return nil
}

// ConflictError represents a field manager conflict
type ConflictError struct {
	Resource     string
	FieldManager string
	Err          error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("field manager conflict for %s (field manager: %s): %v", e.Resource, e.FieldManager, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
