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

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/internal/orchestrator"
	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/metrics"
	"github.com/chazu/capstan/pkg/profile"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/report"
)

// metricsJob groups pushed metrics on the Pushgateway
const metricsJob = "capstan"

// session is everything one command invocation works with
type session struct {
	runID  string
	orch   *orchestrator.Orchestrator
	d      *orchestrator.DeploymentContext
	report *report.Reporter
	cmd    *cobra.Command
}

// run connects to the cluster, resolves the deployment and calls fn. A
// readiness timeout is rendered with its diagnosis before the error is
// returned; metrics are pushed on every exit path.
func (c *Config) run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	runID := uuid.NewString()
	logger := log.Log.WithName(metricsJob)
	ctx := orchestrator.CtxRunID.WithValue(cmd.Context(), runID)
	ctx = log.IntoContext(ctx, logger)

	rep := report.New(logger, cmd.OutOrStdout(), !c.NoColor)
	s, err := c.session(ctx, cmd, runID, rep)
	if err == nil {
		err = fn(ctx, s)
	}

	var timeoutErr *graph.ReadinessTimeoutError
	if errors.As(err, &timeoutErr) {
		rep.Diagnosis(timeoutErr)
	}

	if c.Pushgateway != "" {
		// The run context may already be cancelled
		if perr := metrics.Push(context.WithoutCancel(ctx), c.Pushgateway, metricsJob, runID); perr != nil {
			rep.Warn("Could not push run metrics", "error", perr.Error())
		}
	}
	return err
}

func (c *Config) session(ctx context.Context, cmd *cobra.Command, runID string, rep *report.Reporter) (*session, error) {
	clients, err := c.connect(c)
	if err != nil {
		return nil, err
	}
	p, err := profile.NewLoader(clients.Client).Load(ctx, c.Profile, c.overrides()...)
	if err != nil {
		return nil, err
	}
	d, err := orchestrator.NewDeploymentContext(c.options(), p)
	if err != nil {
		return nil, err
	}
	return &session{
		runID:  runID,
		orch:   orchestrator.New(clients, readiness.DefaultPollerConfig()),
		d:      d,
		report: rep,
		cmd:    cmd,
	}, nil
}

func newInstallCommand(cfg *Config) *cobra.Command {
	var dryRun, skipPreflight bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Deploy the database cluster and everything it depends on",
		Long: `install validates the target cluster, then brings up the namespace,
storage class, object store, package repository, mirrored charts, credentials,
operator and database cluster in order, waiting for each to become ready, and
finally checks that the replicas are spread according to the placement mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.run(cmd, func(ctx context.Context, s *session) error {
				if dryRun {
					return s.dryRun(ctx, skipPreflight)
				}
				return s.install(ctx, skipPreflight)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run the read-only checks and print the plan without changing anything")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Do not validate the target before installing")
	return cmd
}

func (s *session) install(ctx context.Context, skipPreflight bool) error {
	res, err := s.orch.Install(ctx, s.d, skipPreflight)
	if res.Preflight != nil {
		s.report.Findings(res.Preflight)
	}
	if res.State != nil {
		s.report.Steps(res.State)
	}
	if res.Placement != nil {
		s.report.Placement(res.Placement)
	}
	if err != nil {
		return err
	}
	s.report.Success("Database cluster deployed", "name", s.d.Name, "namespace", s.d.Namespace, "replicas", s.d.Replicas)
	return nil
}

func (s *session) dryRun(ctx context.Context, skipPreflight bool) error {
	if !skipPreflight {
		res, err := s.orch.Preflight(ctx, s.d, true)
		if res != nil {
			s.report.Findings(res)
		}
		if err != nil {
			return err
		}
	}
	plan := s.orch.InstallPlan(s.d)
	if err := report.PlanOrder(s.cmd.OutOrStdout(), plan); err != nil {
		return err
	}
	s.report.Info("Dry run complete, nothing was changed", "fingerprint", plan.Fingerprint())
	return nil
}

func newUninstallCommand(cfg *Config) *cobra.Command {
	var keepNamespace bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the deployment and everything it created",
		Long: `uninstall removes the releases in reverse install order, then deletes
the remaining workloads, claims, secrets and custom resources, forcing removal
of objects whose finalizers never clear, and verifies nothing is left behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.run(cmd, func(ctx context.Context, s *session) error {
				res, err := s.orch.Uninstall(ctx, s.d, keepNamespace)
				if res != nil {
					s.report.Teardown(res)
				}
				if err != nil {
					return err
				}
				s.report.Success("Deployment removed", "name", s.d.Name, "namespace", s.d.Namespace)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepNamespace, "keep-namespace", false, "Leave the namespace in place")
	return cmd
}

func newExpandCommand(cfg *Config) *cobra.Command {
	var size string
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Grow the storage of every database replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := apiresource.ParseQuantity(size)
			if err != nil {
				return fmt.Errorf("invalid --size %q: %w", size, err)
			}
			return cfg.run(cmd, func(ctx context.Context, s *session) error {
				state, err := s.orch.Expand(ctx, s.d, q)
				if state != nil {
					s.report.Steps(state)
				}
				if err != nil {
					return err
				}
				s.report.Success("Storage expanded", "name", s.d.Name, "size", q.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "New storage size per replica, e.g. 20Gi")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newUpgradeAddonsCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade-addons",
		Short: "Upgrade the exporter and harness and re-apply the disruption budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.run(cmd, func(ctx context.Context, s *session) error {
				state, err := s.orch.UpgradeAddons(ctx, s.d)
				if state != nil {
					s.report.Steps(state)
				}
				if err != nil {
					return err
				}
				s.report.Success("Addons upgraded", "name", s.d.Name, "namespace", s.d.Namespace)
				return nil
			})
		},
	}
}

func newPreflightCommand(cfg *Config) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that the target cluster can host the deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.run(cmd, func(ctx context.Context, s *session) error {
				res, err := s.orch.Preflight(ctx, s.d, readOnly)
				if res != nil {
					s.report.Findings(res)
				}
				if err != nil {
					return err
				}
				s.report.Success("Target is ready", "namespace", s.d.Namespace, "warnings", len(res.Warnings))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Skip the checks that create probe resources")
	return cmd
}
