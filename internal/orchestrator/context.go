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
	"fmt"

	apiresource "k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/chazu/capstan/pkg/packages"
	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/platform"
	"github.com/chazu/capstan/pkg/profile"
)

// Options identify the deployment a run targets
type Options struct {
	Namespace string
	Name      string

	// Replicas overrides the profile when positive
	Replicas int

	// PlacementMode overrides the profile when set
	PlacementMode string

	WithHarness bool

	// SourceClientID and SourceClientSecret authenticate against the
	// identity service when the profile names a token URL
	SourceClientID     string
	SourceClientSecret string
}

// ObjectStoreCredentials are the access keys of the object store backing the
// package repository
type ObjectStoreCredentials struct {
	AccessKey string
	SecretKey string
}

// DeploymentContext carries everything the steps of one run share. It is
// built once per run and passed explicitly to every step.
type DeploymentContext struct {
	Namespace string
	Name      string
	Replicas  int

	Profile   *profile.Profile
	Durations profile.Durations
	Placement placement.Mode

	// Per-replica requests and volume size
	CPU     apiresource.Quantity
	Memory  apiresource.Quantity
	Storage apiresource.Quantity

	OverheadCPU    apiresource.Quantity
	OverheadMemory apiresource.Quantity

	OperatorSelector labels.Selector
	ClusterSelector  labels.Selector

	WithHarness bool

	// Discovered or generated while the chain runs
	ObjectStore      ObjectStoreCredentials
	DatabasePassword string

	// RepositoryURL is the internal package repository, as reachable from here
	RepositoryURL string

	// Mirrored maps chart name to the version held by the internal repository
	Mirrored map[string]packages.MirroredChart

	// ChartDir holds chart archives downloaded for installation
	ChartDir string

	sourceClientID     string
	sourceClientSecret string
}

// NewDeploymentContext resolves opts against p
func NewDeploymentContext(opts Options, p *profile.Profile) (*DeploymentContext, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	d := &DeploymentContext{
		Namespace:   opts.Namespace,
		Name:        opts.Name,
		Replicas:    p.Replicas,
		Profile:     p,
		WithHarness: opts.WithHarness,
		Mirrored:    map[string]packages.MirroredChart{},

		sourceClientID:     opts.SourceClientID,
		sourceClientSecret: opts.SourceClientSecret,
	}
	if opts.Replicas > 0 {
		d.Replicas = opts.Replicas
	}

	mode := p.Placement.Mode
	if opts.PlacementMode != "" {
		mode = opts.PlacementMode
	}
	var err error
	if d.Placement, err = placement.ParseMode(mode); err != nil {
		return nil, err
	}

	if d.Durations, err = p.Timeouts.Parse(); err != nil {
		return nil, err
	}
	if d.CPU, d.Memory, err = p.ReplicaRequests(); err != nil {
		return nil, err
	}
	if d.Storage, err = apiresource.ParseQuantity(p.Resources.Storage); err != nil {
		return nil, fmt.Errorf("resources.storage: %w", err)
	}
	if d.OverheadCPU, d.OverheadMemory, err = p.Overhead(); err != nil {
		return nil, err
	}

	if d.OperatorSelector, err = labels.Parse(p.Operator.PodSelector); err != nil {
		return nil, fmt.Errorf("operator.podSelector: %w", err)
	}
	clusterSel, err := labels.Parse(p.Cluster.PodSelector)
	if err != nil {
		return nil, fmt.Errorf("cluster.podSelector: %w", err)
	}
	// Narrow the cluster selector to this deployment's instance
	instance, err := labels.NewRequirement(InstanceLabel, "in", []string{d.ClusterRelease()})
	if err != nil {
		return nil, err
	}
	d.ClusterSelector = clusterSel.Add(*instance)
	return d, nil
}

// InstanceLabel is the standard label charts put on the objects of a release
const InstanceLabel = "app.kubernetes.io/instance"

// ManagedByLabel marks objects capstan created itself
const ManagedByLabel = "app.kubernetes.io/managed-by"

func (d *DeploymentContext) ObjectStoreRelease() string { return d.Profile.Charts.ObjectStore.Release }

func (d *DeploymentContext) RepositoryRelease() string { return d.Profile.Charts.Repository.Release }

func (d *DeploymentContext) OperatorRelease() string { return d.Profile.Charts.Operator.Release }

// ClusterRelease is named after the deployment so several clusters can share
// one operator namespace
func (d *DeploymentContext) ClusterRelease() string { return d.Name }

func (d *DeploymentContext) HarnessRelease() string { return d.Profile.Charts.Harness.Release }

func (d *DeploymentContext) ExporterRelease() string { return d.Profile.Charts.Exporter.Release }

// ObjectStoreSecret holds the object store access keys
func (d *DeploymentContext) ObjectStoreSecret() string { return d.Name + "-object-store" }

// CredentialsSecret holds the database password
func (d *DeploymentContext) CredentialsSecret() string { return d.Name + "-credentials" }

// DisruptionBudget is the name of the database PodDisruptionBudget
func (d *DeploymentContext) DisruptionBudget() string { return d.Name + "-pdb" }

// Releases returns the release names in install order
func (d *DeploymentContext) Releases() []string {
	out := []string{
		d.ObjectStoreRelease(),
		d.RepositoryRelease(),
		d.OperatorRelease(),
		d.ClusterRelease(),
	}
	if d.WithHarness {
		out = append(out, d.HarnessRelease())
	}
	return out
}

// ChartRequests returns every chart to mirror into the internal repository
func (d *DeploymentContext) ChartRequests() []packages.ChartRequest {
	var reqs []packages.ChartRequest
	for _, c := range d.Profile.Mirrored() {
		reqs = append(reqs, packages.ChartRequest{Name: c.Name, Constraint: c.Version})
	}
	return reqs
}

// ClusterValues are the values handed to the database cluster chart
func (d *DeploymentContext) ClusterValues() map[string]interface{} {
	values := map[string]interface{}{
		"replicas": d.Replicas,
		"resources": map[string]interface{}{
			"requests": map[string]interface{}{
				"cpu":    d.CPU.String(),
				"memory": d.Memory.String(),
			},
		},
		"storage": map[string]interface{}{
			"size":         d.Storage.String(),
			"storageClass": d.Profile.StorageClass.Name,
		},
		"credentials": map[string]interface{}{
			"existingSecret": d.CredentialsSecret(),
		},
	}
	switch d.Placement {
	case placement.ModeZone, placement.ModeZoneLenient:
		values["topologyKey"] = platform.ZoneLabel
	case placement.ModeHost:
		values["topologyKey"] = platform.HostnameLabel
	}
	return mergeValues(values, d.Profile.Charts.Cluster.Values)
}

// mergeValues overlays override onto base, recursing into nested maps
func mergeValues(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if om, ok := v.(map[string]interface{}); ok {
				out[k] = mergeValues(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
