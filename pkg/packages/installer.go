package packages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"
)

// ErrReleaseNotFound is returned by Status for a release that does not exist
var ErrReleaseNotFound = errors.New("release not found")

// Release statuses as reported by helm
const (
	StatusDeployed        = "deployed"
	StatusFailed          = "failed"
	StatusPendingInstall  = "pending-install"
	StatusPendingUpgrade  = "pending-upgrade"
	StatusPendingRollback = "pending-rollback"
	StatusUninstalling    = "uninstalling"
	StatusSuperseded      = "superseded"
)

// Release describes a chart release to install or upgrade
type Release struct {
	Name      string
	Namespace string
	Chart     string
	Version   string
	RepoURL   string
	Values    map[string]interface{}
}

// ReleaseStatus is the installed state of a release
type ReleaseStatus struct {
	Name      string
	Namespace string
	Revision  int
	Status    string
	Chart     string
}

// Deployed reports whether the release's latest revision is deployed
func (s *ReleaseStatus) Deployed() bool {
	return s != nil && s.Status == StatusDeployed
}

// Installer manages chart releases
type Installer interface {
	InstallOrUpgrade(ctx context.Context, r Release) error
	Status(ctx context.Context, namespace, name string) (*ReleaseStatus, error)
	Uninstall(ctx context.Context, namespace, name string) error
}

// Runner executes a command with optional stdin and returns its combined output
type Runner func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{Command: name, Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// CommandError is returned when an installer command exits unsuccessfully
type CommandError struct {
	Command string
	Args    []string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	verb := ""
	if len(e.Args) > 0 {
		verb = " " + e.Args[0]
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s%s failed: %s", e.Command, verb, e.Stderr)
	}
	return fmt.Sprintf("%s%s failed: %v", e.Command, verb, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// HelmInstaller drives the helm binary
type HelmInstaller struct {
	// Binary is the helm executable; defaults to "helm"
	Binary string

	KubeConfig  string
	KubeContext string

	// Timeout bounds each helm invocation
	Timeout time.Duration

	run Runner
}

// NewHelmInstaller creates an installer that runs helm through os/exec
func NewHelmInstaller(kubeconfig, kubeContext string) *HelmInstaller {
	return &HelmInstaller{
		Binary:      "helm",
		KubeConfig:  kubeconfig,
		KubeContext: kubeContext,
		Timeout:     5 * time.Minute,
		run:         ExecRunner,
	}
}

// WithRunner returns a copy of the installer using run
func (h *HelmInstaller) WithRunner(run Runner) *HelmInstaller {
	cp := *h
	cp.run = run
	return &cp
}

func (h *HelmInstaller) helm(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	if h.KubeConfig != "" {
		args = append(args, "--kubeconfig", h.KubeConfig)
	}
	if h.KubeContext != "" {
		args = append(args, "--kube-context", h.KubeContext)
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	bin := h.Binary
	if bin == "" {
		bin = "helm"
	}
	log.FromContext(ctx).V(2).Info("Running installer", "args", args)
	return h.run(ctx, bin, args, stdin)
}

// InstallOrUpgrade runs helm upgrade --install without waiting; readiness is
// observed separately. Values are passed on stdin.
func (h *HelmInstaller) InstallOrUpgrade(ctx context.Context, r Release) error {
	logger := log.FromContext(ctx).WithValues("release", r.Name, "chart", r.Chart, "version", r.Version)

	args := []string{"upgrade", "--install", r.Name, r.Chart,
		"--namespace", r.Namespace,
		"--wait=false",
	}
	if r.RepoURL != "" {
		args = append(args, "--repo", r.RepoURL)
	}
	if r.Version != "" {
		args = append(args, "--version", r.Version)
	}

	var stdin []byte
	if len(r.Values) > 0 {
		values, err := yaml.Marshal(r.Values)
		if err != nil {
			return fmt.Errorf("failed to render values for %s: %w", r.Name, err)
		}
		stdin = values
		args = append(args, "--values", "-")
	}

	if _, err := h.helm(ctx, stdin, args...); err != nil {
		return fmt.Errorf("failed to install release %s: %w", r.Name, err)
	}
	logger.Info("Release installed")
	return nil
}

// helmStatus is the subset of helm status -o json capstan reads
type helmStatus struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Version   int    `json:"version"`
	Info      struct {
		Status string `json:"status"`
	} `json:"info"`
	Chart struct {
		Metadata struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"metadata"`
	} `json:"chart"`
}

// Status returns the release status, or ErrReleaseNotFound
func (h *HelmInstaller) Status(ctx context.Context, namespace, name string) (*ReleaseStatus, error) {
	out, err := h.helm(ctx, nil, "status", name, "--namespace", namespace, "--output", "json")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "not found") {
			return nil, ErrReleaseNotFound
		}
		return nil, fmt.Errorf("failed to get status of release %s: %w", name, err)
	}

	var hs helmStatus
	if err := yaml.Unmarshal(out, &hs); err != nil {
		return nil, fmt.Errorf("failed to parse status of release %s: %w", name, err)
	}
	status := &ReleaseStatus{
		Name:      hs.Name,
		Namespace: hs.Namespace,
		Revision:  hs.Version,
		Status:    hs.Info.Status,
	}
	if hs.Chart.Metadata.Name != "" {
		status.Chart = hs.Chart.Metadata.Name + "-" + hs.Chart.Metadata.Version
	}
	return status, nil
}

// Uninstall removes a release. A release that does not exist is not an error.
func (h *HelmInstaller) Uninstall(ctx context.Context, namespace, name string) error {
	_, err := h.helm(ctx, nil, "uninstall", name, "--namespace", namespace, "--wait=false")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "not found") {
			return nil
		}
		return fmt.Errorf("failed to uninstall release %s: %w", name, err)
	}
	log.FromContext(ctx).Info("Release uninstalled", "release", name)
	return nil
}
