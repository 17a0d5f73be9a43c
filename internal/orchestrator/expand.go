/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// StepExpand resizes the database volumes
const StepExpand = "volume-expansion"

// ShrinkError is returned when the requested size is below a claim's current request
type ShrinkError struct {
	Claim     string
	Current   apiresource.Quantity
	Requested apiresource.Quantity
}

func (e *ShrinkError) Error() string {
	return fmt.Sprintf("cannot shrink volume %s from %s to %s", e.Claim, e.Current.String(), e.Requested.String())
}

// Expand grows every database volume to size and waits until the storage
// layer reports the new capacity
func (o *Orchestrator) Expand(ctx context.Context, d *DeploymentContext, size apiresource.Quantity) (*graph.ExecutionState, error) {
	ctx, logger := o.runContext(ctx, d)
	d.Storage = size
	logger.Info("Expanding database volumes", "size", size.String())
	return o.sequencer().Run(ctx, o.ExpandPlan(d), d)
}

// ExpandPlan returns the single-step volume expansion plan
func (o *Orchestrator) ExpandPlan(d *DeploymentContext) *graph.Plan[*DeploymentContext] {
	return graph.NewPlan("expand", &step{
		StepName: StepExpand,
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			claims, err := o.databaseClaims(ctx, d)
			if err != nil {
				return "", err
			}
			resized := 0
			for i := range claims {
				pvc := &claims[i]
				current := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
				switch current.Cmp(d.Storage) {
				case 1:
					return "", &ShrinkError{Claim: pvc.Name, Current: current, Requested: d.Storage}
				case 0:
					resized++
				}
			}
			if resized < len(claims) {
				if err := o.requireExpansion(ctx, d); err != nil {
					return "", err
				}
				return graph.StepAbsent, nil
			}
			if capacityReached(claims, d.Storage) == len(claims) {
				return graph.StepSatisfied, nil
			}
			return graph.StepPresent, nil
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			claims, err := o.databaseClaims(ctx, d)
			if err != nil {
				return err
			}
			for i := range claims {
				pvc := &claims[i]
				current := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
				if current.Cmp(d.Storage) >= 0 {
					continue
				}
				patch := client.MergeFrom(pvc.DeepCopy())
				if pvc.Spec.Resources.Requests == nil {
					pvc.Spec.Resources.Requests = corev1.ResourceList{}
				}
				pvc.Spec.Resources.Requests[corev1.ResourceStorage] = d.Storage
				if err := o.client.Patch(ctx, pvc, patch); err != nil {
					return fmt.Errorf("failed to resize %s: %w", pvc.Name, err)
				}
				log.FromContext(ctx).Info("Requested volume expansion", "claim", pvc.Name, "from", current.String(), "to", d.Storage.String())
			}
			return nil
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(o.capacityCheck(d), d, d.Durations.Cluster)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{
				resource.Selecting(resource.KindPersistentVolumeClaim, resource.GVKPersistentVolumeClaim, d.Namespace, instanceSelector(d.ClusterRelease())),
			}
		},
	})
}

func (o *Orchestrator) databaseClaims(ctx context.Context, d *DeploymentContext) ([]corev1.PersistentVolumeClaim, error) {
	list := &corev1.PersistentVolumeClaimList{}
	if err := o.client.List(ctx, list,
		client.InNamespace(d.Namespace),
		client.MatchingLabelsSelector{Selector: instanceSelector(d.ClusterRelease())},
	); err != nil {
		return nil, fmt.Errorf("failed to list database volumes: %w", err)
	}
	if len(list.Items) == 0 {
		return nil, fmt.Errorf("no database volumes found for %s in %s", d.ClusterRelease(), d.Namespace)
	}
	return list.Items, nil
}

func (o *Orchestrator) requireExpansion(ctx context.Context, d *DeploymentContext) error {
	sc := &storagev1.StorageClass{}
	if err := o.client.Get(ctx, client.ObjectKey{Name: d.Profile.StorageClass.Name}, sc); err != nil {
		return fmt.Errorf("failed to get storage class %s: %w", d.Profile.StorageClass.Name, err)
	}
	if sc.AllowVolumeExpansion == nil || !*sc.AllowVolumeExpansion {
		return fmt.Errorf("storage class %s does not allow volume expansion", sc.Name)
	}
	return nil
}

// capacityCheck holds once every database volume reports at least the
// requested capacity
func (o *Orchestrator) capacityCheck(d *DeploymentContext) *readiness.Check {
	return &readiness.Check{
		Name: "volume capacity " + d.Storage.String(),
		Probe: func(ctx context.Context) (readiness.Observation, error) {
			claims, err := o.databaseClaims(ctx, d)
			if err != nil {
				return readiness.Observation{}, err
			}
			return readiness.Observation{
				Found:   true,
				Ready:   capacityReached(claims, d.Storage),
				Desired: len(claims),
			}, nil
		},
		Predicate: func(obs readiness.Observation) bool {
			return obs.Found && obs.Ready == obs.Desired
		},
	}
}

func capacityReached(claims []corev1.PersistentVolumeClaim, size apiresource.Quantity) int {
	n := 0
	for _, pvc := range claims {
		capacity, ok := pvc.Status.Capacity[corev1.ResourceStorage]
		if ok && capacity.Cmp(size) >= 0 {
			n++
		}
	}
	return n
}
