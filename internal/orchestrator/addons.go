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

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/profile"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// UpgradeAddons refreshes the mirrored charts, reinstalls the addon releases
// from the internal repository and re-applies the disruption budget
func (o *Orchestrator) UpgradeAddons(ctx context.Context, d *DeploymentContext) (*graph.ExecutionState, error) {
	ctx, logger := o.runContext(ctx, d)

	deployed, err := o.clusterDeployed(ctx, d)
	if err != nil {
		return nil, err
	}
	if !deployed {
		return nil, fmt.Errorf("database cluster %s is not deployed in %s", d.ClusterRelease(), d.Namespace)
	}

	cleanup, err := o.prepare(d)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	logger.Info("Upgrading addons")
	return o.sequencer().Run(ctx, o.AddonsPlan(d), d)
}

// AddonsPlan returns the upgrade-addons chain
func (o *Orchestrator) AddonsPlan(d *DeploymentContext) *graph.Plan[*DeploymentContext] {
	steps := []graph.Step[*DeploymentContext]{
		o.mirrorStep(),
		o.addonStep(StepExporter, StepMirror, true, func(d *DeploymentContext) (profile.Chart, string) {
			return d.Profile.Charts.Exporter, d.ExporterRelease()
		}),
	}
	last := StepExporter
	if d.WithHarness {
		steps = append(steps, o.addonStep(StepHarness, StepExporter, true, func(d *DeploymentContext) (profile.Chart, string) {
			return d.Profile.Charts.Harness, d.HarnessRelease()
		}))
		last = StepHarness
	}
	steps = append(steps, o.disruptionBudgetStep(true, last))
	return graph.NewPlan("upgrade-addons", steps...)
}

// disruptionBudgetStep keeps the budget in place. With reconcile set it is
// server-side applied on every run so drift is corrected; otherwise it is
// created when missing and left alone when present.
func (o *Orchestrator) disruptionBudgetStep(reconcile bool, deps ...string) *step {
	handle := func(d *DeploymentContext) resource.Handle {
		return resource.Named(resource.KindPodDisruptionBudget, resource.GVKPodDisruptionBudget, d.Namespace, d.DisruptionBudget())
	}
	s := &step{
		StepName: StepDisruptionBudget,
		Deps:     deps,
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			pdb, err := d.disruptionBudget()
			if err != nil {
				return err
			}
			if !reconcile {
				return o.create(ctx, pdb, resource.GVKPodDisruptionBudget)
			}
			u, err := toUnstructured(pdb, resource.GVKPodDisruptionBudget)
			if err != nil {
				return err
			}
			return o.applier.Apply(ctx, u, apply.DefaultPolicy())
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(readiness.ObjectCheck(o.client, handle(d)), d, d.Durations.Step)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{handle(d)}
		},
	}
	if !reconcile {
		s.CheckFunc = func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			exists, err := handle(d).Exists(ctx, o.client)
			if err != nil {
				return "", err
			}
			if exists {
				return graph.StepSatisfied, nil
			}
			return graph.StepAbsent, nil
		}
	}
	return s
}
