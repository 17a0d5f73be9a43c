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
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/chazu/capstan/internal/orchestrator"
	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/preflight"
	"github.com/chazu/capstan/pkg/profile"
	"github.com/chazu/capstan/pkg/teardown"
)

// Exit codes returned by Execute. Scripts rely on them to tell a target
// that was never touched apart from one left half deployed.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error, including a step that could not be applied.
	ExitCodeError = 1
	// ExitCodePreflight indicates the target failed preflight and nothing was changed.
	ExitCodePreflight = 2
	// ExitCodeReadinessTimeout indicates a step did not become ready in time.
	ExitCodeReadinessTimeout = 3
	// ExitCodePlacement indicates the database replicas violate the placement constraint.
	ExitCodePlacement = 4
	// ExitCodeResidual indicates uninstall left resources behind.
	ExitCodeResidual = 5
)

// Config holds the command-line configuration
type Config struct {
	Kubeconfig  string
	KubeContext string

	Namespace     string
	Name          string
	Replicas      int
	Profile       string
	PlacementMode string
	WithHarness   bool

	SourceURL          string
	SourceClientID     string
	SourceClientSecret string

	StepTimeout     time.Duration
	OperatorTimeout time.Duration
	ClusterTimeout  time.Duration
	TeardownTimeout time.Duration

	Pushgateway string
	NoColor     bool

	zapOpts zap.Options

	// connect builds the clients for a run
	connect func(cfg *Config) (orchestrator.Clients, error)
}

// NewRootCommand returns the capstan command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(&Config{connect: connectKubeconfig})
}

func newRootCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capstan",
		Short: "Deploy and tear down a replicated database on Kubernetes",
		Long: `capstan installs a replicated database cluster together with its
operator, an in-cluster object store and package repository, and optional
addons. Every step is idempotent: re-running a command converges the target
without repeating work that is already done.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts := cfg.zapOpts
			opts.DestWriter = cmd.ErrOrStderr()
			log.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		},
	}
	cfg.bindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newInstallCommand(cfg),
		newUninstallCommand(cfg),
		newExpandCommand(cfg),
		newUpgradeAddonsCommand(cfg),
		newPreflightCommand(cfg),
	)
	return cmd
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Kubeconfig, "kubeconfig", "", "Path to the kubeconfig file (defaults to the standard loading rules)")
	fs.StringVar(&c.KubeContext, "context", "", "Kubeconfig context to use")

	fs.StringVarP(&c.Namespace, "namespace", "n", "database", "Namespace the deployment lives in")
	fs.StringVar(&c.Name, "name", "main", "Name of the database cluster release")
	fs.IntVar(&c.Replicas, "replicas", 0, "Number of database replicas (overrides the profile)")
	fs.StringVar(&c.Profile, "profile", "", "Deployment profile: a CUE, YAML or JSON file, or configmap:<namespace>/<name>")
	fs.StringVar(&c.PlacementMode, "placement-mode", "", "Placement constraint: zone, zone-lenient, host or none (overrides the profile)")
	fs.BoolVar(&c.WithHarness, "with-harness", false, "Also deploy the test harness")

	fs.StringVar(&c.SourceURL, "source-url", "", "External package repository (overrides the profile)")
	fs.StringVar(&c.SourceClientID, "source-client-id", os.Getenv("CAPSTAN_SOURCE_CLIENT_ID"), "OAuth client ID for the external package repository")
	fs.StringVar(&c.SourceClientSecret, "source-client-secret", os.Getenv("CAPSTAN_SOURCE_CLIENT_SECRET"), "OAuth client secret for the external package repository")

	fs.DurationVar(&c.StepTimeout, "step-timeout", 0, "Readiness timeout of a step (overrides the profile)")
	fs.DurationVar(&c.OperatorTimeout, "operator-timeout", 0, "Readiness timeout of the operator (overrides the profile)")
	fs.DurationVar(&c.ClusterTimeout, "cluster-timeout", 0, "Readiness timeout of the database cluster (overrides the profile)")
	fs.DurationVar(&c.TeardownTimeout, "teardown-timeout", 0, "Overall uninstall timeout (overrides the profile)")

	fs.StringVar(&c.Pushgateway, "pushgateway", "", "Push run metrics to this Prometheus Pushgateway URL")
	fs.BoolVar(&c.NoColor, "no-color", false, "Disable colored output")

	c.zapOpts = zap.Options{Development: true}
	goflags := flag.NewFlagSet("zap", flag.ContinueOnError)
	c.zapOpts.BindFlags(goflags)
	fs.AddGoFlagSet(goflags)
}

// options returns the deployment identity given on the command line
func (c *Config) options() orchestrator.Options {
	return orchestrator.Options{
		Namespace:          c.Namespace,
		Name:               c.Name,
		Replicas:           c.Replicas,
		PlacementMode:      c.PlacementMode,
		WithHarness:        c.WithHarness,
		SourceClientID:     c.SourceClientID,
		SourceClientSecret: c.SourceClientSecret,
	}
}

// overrides returns the profile fields set by flags
func (c *Config) overrides() []profile.Override {
	var out []profile.Override
	if c.SourceURL != "" {
		out = append(out, profile.Override{Path: "source.url", Value: c.SourceURL})
	}
	timeouts := []struct {
		path  string
		value time.Duration
	}{
		{"timeouts.step", c.StepTimeout},
		{"timeouts.operator", c.OperatorTimeout},
		{"timeouts.cluster", c.ClusterTimeout},
		{"timeouts.teardown", c.TeardownTimeout},
	}
	for _, t := range timeouts {
		if t.value > 0 {
			out = append(out, profile.Override{Path: t.path, Value: t.value.String()})
		}
	}
	return out
}

// Execute runs the command tree until it finishes or the process receives
// SIGINT or SIGTERM, and returns the exit code. Every step is idempotent, so
// an interrupted run is resumed by running the same command again.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		return exitCode(err)
	}
	return ExitCodeSuccess
}

// exitCode maps an error to the exit code of its kind
func exitCode(err error) int {
	var preflightErr *preflight.Error
	if errors.As(err, &preflightErr) {
		return ExitCodePreflight
	}

	var timeoutErr *graph.ReadinessTimeoutError
	if errors.As(err, &timeoutErr) {
		return ExitCodeReadinessTimeout
	}

	var violation *placement.ViolationError
	if errors.As(err, &violation) {
		return ExitCodePlacement
	}

	var residual *teardown.ResidualError
	if errors.As(err, &residual) {
		return ExitCodeResidual
	}

	// StepApplyError and everything else
	return ExitCodeError
}
