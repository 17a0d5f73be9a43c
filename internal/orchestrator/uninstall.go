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
	"time"

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/teardown"
)

// Teardown fan-out settings
const (
	TeardownWorkers    = 4
	TeardownFanOutWait = 30 * time.Second
)

// TeardownSpec describes the removal of everything an install of d creates
func (d *DeploymentContext) TeardownSpec(keepNamespace bool) teardown.Spec {
	releases := []string{
		d.ObjectStoreRelease(),
		d.RepositoryRelease(),
		d.OperatorRelease(),
		d.ClusterRelease(),
		d.HarnessRelease(),
		d.ExporterRelease(),
	}
	spec := teardown.Spec{
		Namespace:     d.Namespace,
		Releases:      releases,
		CRDGroup:      d.Profile.Operator.CRDGroup,
		KeepNamespace: keepNamespace,
		GracePeriod:   d.Durations.GracePeriod,
		PollInterval:  d.Durations.Interval,
		MaxAttempts:   3,
		Workers:       TeardownWorkers,
		FanOutWait:    TeardownFanOutWait,
	}
	// A storage class capstan did not provision is left alone
	if d.Profile.StorageClass.Provisioner != "" {
		spec.StorageClass = d.Profile.StorageClass.Name
	}
	return spec
}

// Uninstall removes the deployment and verifies nothing of it is left. A
// *teardown.ResidualError reports survivors.
func (o *Orchestrator) Uninstall(ctx context.Context, d *DeploymentContext, keepNamespace bool) (*teardown.Result, error) {
	ctx, logger := o.runContext(ctx, d)
	if d.Durations.Teardown > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Durations.Teardown)
		defer cancel()
	}

	deleter := apply.NewDeleter(o.client, o.clientset, o.poller)
	result, err := teardown.NewSequencer(o.client, deleter, o.installer).Run(ctx, d.TeardownSpec(keepNamespace))
	if err != nil {
		return result, err
	}
	logger.Info("Uninstall complete", "forced", result.Forced())
	return result, nil
}
