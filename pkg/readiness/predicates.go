package readiness

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// PredicateType names a readiness predicate
type PredicateType string

const (
	PredicateTypeConditionMatch      PredicateType = "ConditionMatch"
	PredicateTypeDeploymentAvailable PredicateType = "DeploymentAvailable"
	PredicateTypeStatefulSetReady    PredicateType = "StatefulSetReady"
	PredicateTypePVCBound            PredicateType = "PVCBound"
	PredicateTypeExists              PredicateType = "Exists"
)

// Predicate declares one readiness condition for an object
type Predicate struct {
	Type PredicateType

	// ConditionType and ConditionStatus are used by ConditionMatch
	ConditionType   string
	ConditionStatus string
}

// Evaluator is the interface for evaluating readiness predicates
type Evaluator interface {
	// Evaluate checks if the predicate is satisfied for the given object
	Evaluate(ctx context.Context, c client.Reader, obj *unstructured.Unstructured) (bool, error)
}

// ConditionMatchPredicate checks if a specific condition has the expected status
type ConditionMatchPredicate struct {
	ConditionType   string
	ConditionStatus string
}

// Evaluate checks if the condition matches
func (p *ConditionMatchPredicate) Evaluate(ctx context.Context, c client.Reader, obj *unstructured.Unstructured) (bool, error) {
	conditions, found, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil {
		return false, fmt.Errorf("failed to get conditions: %w", err)
	}
	if !found {
		return false, nil
	}

	for _, cond := range conditions {
		condMap, ok := cond.(map[string]interface{})
		if !ok {
			continue
		}

		condType, _, _ := unstructured.NestedString(condMap, "type")
		if condType != p.ConditionType {
			continue
		}

		condStatus, _, _ := unstructured.NestedString(condMap, "status")
		return condStatus == p.ConditionStatus, nil
	}

	return false, nil
}

// DeploymentAvailablePredicate checks if a Deployment is available
type DeploymentAvailablePredicate struct{}

// Evaluate checks if the Deployment is available
func (p *DeploymentAvailablePredicate) Evaluate(ctx context.Context, c client.Reader, obj *unstructured.Unstructured) (bool, error) {
	var deployment appsv1.Deployment
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &deployment); err != nil {
		return false, fmt.Errorf("failed to convert to Deployment: %w", err)
	}
	return DeploymentAvailable(&deployment), nil
}

// DeploymentAvailable reports whether the Available condition is True
func DeploymentAvailable(d *appsv1.Deployment) bool {
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// StatefulSetReadyPredicate checks that every desired replica of a StatefulSet
// is ready and the controller has observed the latest generation
type StatefulSetReadyPredicate struct{}

// Evaluate checks the StatefulSet's ready replica count
func (p *StatefulSetReadyPredicate) Evaluate(ctx context.Context, c client.Reader, obj *unstructured.Unstructured) (bool, error) {
	var sts appsv1.StatefulSet
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &sts); err != nil {
		return false, fmt.Errorf("failed to convert to StatefulSet: %w", err)
	}
	desired := int32(1)
	if sts.Spec.Replicas != nil {
		desired = *sts.Spec.Replicas
	}
	if sts.Status.ObservedGeneration < sts.Generation {
		return false, nil
	}
	return sts.Status.ReadyReplicas >= desired, nil
}

// PVCBoundPredicate checks that a PersistentVolumeClaim is bound
type PVCBoundPredicate struct{}

// Evaluate checks the claim phase
func (p *PVCBoundPredicate) Evaluate(ctx context.Context, c client.Reader, obj *unstructured.Unstructured) (bool, error) {
	phase, _, err := unstructured.NestedString(obj.Object, "status", "phase")
	if err != nil {
		return false, fmt.Errorf("failed to get phase: %w", err)
	}
	return phase == string(corev1.ClaimBound), nil
}

// ExistsPredicate checks if the resource exists
type ExistsPredicate struct{}

// Evaluate checks if the resource exists
func (p *ExistsPredicate) Evaluate(ctx context.Context, c client.Reader, obj *unstructured.Unstructured) (bool, error) {
	key := client.ObjectKeyFromObject(obj)
	latest := &unstructured.Unstructured{}
	latest.SetGroupVersionKind(obj.GroupVersionKind())
	if err := c.Get(ctx, key, latest); err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get resource: %w", err)
	}
	return true, nil
}

// PodReady reports whether the pod is running with its Ready condition True
// and is not being deleted
func PodReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// NewEvaluator creates an Evaluator from a predicate
func NewEvaluator(pred Predicate) (Evaluator, error) {
	switch pred.Type {
	case PredicateTypeConditionMatch:
		if pred.ConditionType == "" {
			return nil, fmt.Errorf("conditionType is required for ConditionMatch predicate")
		}
		if pred.ConditionStatus == "" {
			return nil, fmt.Errorf("conditionStatus is required for ConditionMatch predicate")
		}
		return &ConditionMatchPredicate{
			ConditionType:   pred.ConditionType,
			ConditionStatus: pred.ConditionStatus,
		}, nil

	case PredicateTypeDeploymentAvailable:
		return &DeploymentAvailablePredicate{}, nil

	case PredicateTypeStatefulSetReady:
		return &StatefulSetReadyPredicate{}, nil

	case PredicateTypePVCBound:
		return &PVCBoundPredicate{}, nil

	case PredicateTypeExists:
		return &ExistsPredicate{}, nil

	default:
		return nil, fmt.Errorf("unknown predicate type: %s", pred.Type)
	}
}
