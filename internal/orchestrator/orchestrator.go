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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/authzed/controller-idioms/typedctx"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/diagnostics"
	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/inventory"
	"github.com/chazu/capstan/pkg/packages"
	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/preflight"
	"github.com/chazu/capstan/pkg/profile"
	"github.com/chazu/capstan/pkg/readiness"
)

// CtxRunID carries the run identifier shared by logs, probes and metrics
var CtxRunID = typedctx.NewKey[string]()

// Clients are the collaborators an Orchestrator drives
type Clients struct {
	Client    client.Client
	Clientset kubernetes.Interface
	Discovery discovery.ServerVersionInterface
	Installer packages.Installer
	Proxy     ServiceProxy
}

// Orchestrator runs lifecycle operations against one cluster
type Orchestrator struct {
	client    client.Client
	clientset kubernetes.Interface
	discovery discovery.ServerVersionInterface
	installer packages.Installer
	proxy     ServiceProxy

	applier   *apply.Applier
	poller    *readiness.Poller
	inspector *diagnostics.Inspector
	placement *placement.Validator
	tracker   *inventory.Tracker

	backoff    *wait.Backoff
	sourceOpts []packages.RepositoryOption
}

// New creates an orchestrator
func New(clients Clients, pollerConfig readiness.PollerConfig) *Orchestrator {
	proxy := clients.Proxy
	if proxy == nil {
		proxy = DirectProxy{}
	}
	return &Orchestrator{
		client:    clients.Client,
		clientset: clients.Clientset,
		discovery: clients.Discovery,
		installer: clients.Installer,
		proxy:     proxy,
		applier:   apply.NewApplier(clients.Client),
		poller:    readiness.NewPoller(pollerConfig),
		inspector: diagnostics.NewInspector(clients.Client, clients.Clientset),
		placement: placement.NewValidator(clients.Client),
		tracker:   inventory.NewTracker(),
	}
}

// WithApplyBackoff overrides the sequencer's retry backoff
func (o *Orchestrator) WithApplyBackoff(b wait.Backoff) *Orchestrator {
	o.backoff = &b
	return o
}

// WithSourceOptions adds options to the client of the external chart source
func (o *Orchestrator) WithSourceOptions(opts ...packages.RepositoryOption) *Orchestrator {
	o.sourceOpts = append(o.sourceOpts, opts...)
	return o
}

// Inventory returns the resources recorded by the steps run so far
func (o *Orchestrator) Inventory() *inventory.Tracker {
	return o.tracker
}

// InstallResult is the outcome of an install
type InstallResult struct {
	Preflight *preflight.Result
	State     *graph.ExecutionState
	Placement *placement.Result
}

// Install validates the target, then runs the bootstrap chain. A target
// that already holds the database cluster is only checked read-only, so a
// repeated install issues no writes.
func (o *Orchestrator) Install(ctx context.Context, d *DeploymentContext, skipPreflight bool) (*InstallResult, error) {
	ctx, logger := o.runContext(ctx, d)
	result := &InstallResult{}

	if !skipPreflight {
		deployed, err := o.clusterDeployed(ctx, d)
		if err != nil {
			return result, err
		}
		res, err := o.Preflight(ctx, d, deployed)
		result.Preflight = res
		if err != nil {
			return result, err
		}
	}

	cleanup, err := o.prepare(d)
	if err != nil {
		return result, err
	}
	defer cleanup()

	result.State, err = o.sequencer().Run(ctx, o.InstallPlan(d), d)
	if err != nil {
		return result, err
	}

	result.Placement, err = o.placement.Validate(ctx, d.placementConstraint())
	if err != nil {
		return result, err
	}
	logger.Info("Install complete", "placement", placement.FormatDistribution(result.Placement.Distribution))
	return result, nil
}

// Preflight runs the preflight battery for d. readOnly skips the write probes.
func (o *Orchestrator) Preflight(ctx context.Context, d *DeploymentContext, readOnly bool) (*preflight.Result, error) {
	v := preflight.NewValidator(o.client, o.discovery, o.poller)
	if id, ok := CtxRunID.Value(ctx); ok && id != "" {
		v = v.WithRunID(id)
	}
	return v.Run(ctx, preflight.Target{
		Namespace:      d.Namespace,
		Replicas:       d.Replicas,
		CPU:            d.CPU,
		Memory:         d.Memory,
		OverheadCPU:    d.OverheadCPU,
		OverheadMemory: d.OverheadMemory,
		MinVersion:     d.Profile.Preflight.MinVersion,
		PlacementMode:  d.Placement,
		ProbeTimeout:   d.Durations.Probe,
		PollInterval:   d.Durations.Interval,
		SkipProbes:     readOnly,
	})
}

func (o *Orchestrator) sequencer() *graph.Sequencer[*DeploymentContext] {
	seq := graph.NewSequencer[*DeploymentContext](o.poller, o.inspector).WithTracker(o.tracker)
	if o.backoff != nil {
		seq = seq.WithBackoff(*o.backoff)
	}
	return seq
}

// runContext attaches the deployment identity to the logger in ctx
func (o *Orchestrator) runContext(ctx context.Context, d *DeploymentContext) (context.Context, logr.Logger) {
	logger := log.FromContext(ctx).WithValues("namespace", d.Namespace, "deployment", d.Name)
	if id, ok := CtxRunID.Value(ctx); ok {
		logger = logger.WithValues("run", id)
	}
	return log.IntoContext(ctx, logger), logger
}

// prepare records the repository URL and creates the chart download directory
func (o *Orchestrator) prepare(d *DeploymentContext) (func(), error) {
	d.RepositoryURL = o.proxy.URL(d.Namespace, d.RepositoryRelease(), RepositoryPort)
	if d.ChartDir != "" {
		return func() {}, nil
	}
	dir, err := os.MkdirTemp("", "capstan-charts-")
	if err != nil {
		return nil, fmt.Errorf("failed to create chart directory: %w", err)
	}
	d.ChartDir = dir
	return func() {
		_ = os.RemoveAll(dir)
		d.ChartDir = ""
	}, nil
}

func (o *Orchestrator) clusterDeployed(ctx context.Context, d *DeploymentContext) (bool, error) {
	st, err := packages.StoredStatus(ctx, o.client, d.Namespace, d.ClusterRelease())
	if err != nil {
		if errors.Is(err, packages.ErrReleaseNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.Deployed(), nil
}

func (o *Orchestrator) sourceRepository(ctx context.Context, d *DeploymentContext) (*packages.RepositoryClient, error) {
	opts := []packages.RepositoryOption{packages.WithLogger(log.FromContext(ctx).V(1))}
	if d.Profile.Source.TokenURL != "" && d.sourceClientID != "" {
		ts := packages.ClientCredentials(ctx, d.Profile.Source.TokenURL, d.sourceClientID, d.sourceClientSecret)
		opts = append(opts, packages.WithTokenSource(ts))
	}
	opts = append(opts, o.sourceOpts...)
	return packages.NewRepositoryClient(d.Profile.Source.URL, opts...)
}

func (o *Orchestrator) internalRepository(ctx context.Context, d *DeploymentContext) (*packages.RepositoryClient, error) {
	return packages.NewRepositoryClient(d.RepositoryURL,
		packages.WithTransport(o.proxy.Transport()),
		packages.WithLogger(log.FromContext(ctx).V(1)),
	)
}

// installChart resolves chart in repo, downloads it and installs it as release
func (o *Orchestrator) installChart(ctx context.Context, d *DeploymentContext, repo *packages.RepositoryClient, chart profile.Chart, release string, values map[string]interface{}) error {
	constraint := chart.Version
	if m, ok := d.Mirrored[chart.Name]; ok {
		constraint = m.Version
	}
	cv, err := repo.Search(ctx, chart.Name, constraint)
	if err != nil {
		return err
	}
	archive, err := repo.Download(ctx, cv)
	if err != nil {
		return fmt.Errorf("failed to download chart %s-%s: %w", cv.Name, cv.Version, err)
	}
	path := filepath.Join(d.ChartDir, fmt.Sprintf("%s-%s.tgz", cv.Name, cv.Version))
	if err := os.WriteFile(path, archive, 0o600); err != nil {
		return fmt.Errorf("failed to store chart %s-%s: %w", cv.Name, cv.Version, err)
	}

	log.FromContext(ctx).Info("Installing release", "release", release, "chart", cv.Name, "version", cv.Version)
	return o.installer.InstallOrUpgrade(ctx, packages.Release{
		Name:      release,
		Namespace: d.Namespace,
		Chart:     path,
		Values:    values,
	})
}
