package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/authzed/controller-idioms/pause"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/discovery"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/platform"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

const (
	// PauseLabel on the target namespace locks it for maintenance
	PauseLabel = "capstan.io/paused"

	// ProbeLabel marks every object created by the write probes
	ProbeLabel = "capstan.io/probe"

	// RunLabel carries the run ID on probe objects
	RunLabel = "capstan.io/run"

	DefaultProbeImage     = "busybox:1.36"
	DefaultProbeNamespace = "default"
	DefaultProbeTimeout   = 60 * time.Second

	// cleanupTimeout bounds probe removal, which runs on a fresh context
	cleanupTimeout = 30 * time.Second

	dnsTarget = "kubernetes.default.svc"
)

// Target describes the deployment a platform is validated for
type Target struct {
	Namespace string
	Replicas  int

	// CPU and Memory are the per-replica requests
	CPU    apiresource.Quantity
	Memory apiresource.Quantity

	// OverheadCPU and OverheadMemory are reserved for everything that is not a replica
	OverheadCPU    apiresource.Quantity
	OverheadMemory apiresource.Quantity

	MinVersion    string
	PlacementMode placement.Mode

	// ProbeNamespace receives the write probes; the target namespace may not exist yet
	ProbeNamespace string
	ProbeImage     string
	ProbeTimeout   time.Duration
	PollInterval   time.Duration

	// SkipProbes runs only the read-only checks
	SkipProbes bool
}

func (t *Target) setDefaults() {
	if t.ProbeNamespace == "" {
		t.ProbeNamespace = DefaultProbeNamespace
	}
	if t.ProbeImage == "" {
		t.ProbeImage = DefaultProbeImage
	}
	if t.ProbeTimeout <= 0 {
		t.ProbeTimeout = DefaultProbeTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = 2 * time.Second
	}
	if t.PlacementMode == "" {
		t.PlacementMode = placement.ModeZone
	}
}

// strict reports whether the placement mode needs one node per replica
func (t *Target) strict() bool {
	return t.PlacementMode == placement.ModeZone || t.PlacementMode == placement.ModeHost
}

// Validator runs the preflight battery
type Validator struct {
	client    client.Client
	discovery discovery.ServerVersionInterface
	poller    *readiness.Poller
	runID     string
}

// NewValidator creates a new preflight validator
func NewValidator(c client.Client, dc discovery.ServerVersionInterface, poller *readiness.Poller) *Validator {
	return &Validator{
		client:    c,
		discovery: dc,
		poller:    poller,
		runID:     uuid.NewString(),
	}
}

// WithRunID sets the ID used to name and label probe objects
func (v *Validator) WithRunID(id string) *Validator {
	v.runID = id
	return v
}

// Run executes every check against t. It returns a *Error when any check
// failed; the Result is returned in both cases.
func (v *Validator) Run(ctx context.Context, t Target) (*Result, error) {
	t.setDefaults()
	logger := log.FromContext(ctx).WithValues("run", v.runID, "namespace", t.Namespace)
	ctx = log.IntoContext(ctx, logger)
	result := &Result{RunID: v.runID}

	info, err := platform.Query(ctx, v.discovery, v.client)
	if err != nil {
		result.errorf(CheckConnectivity, "%v", err)
		return result, v.finish(ctx, result)
	}
	result.pass(CheckConnectivity)

	v.checkVersion(info, t, result)
	v.checkNodes(info, t, result)
	v.checkFailureDomains(info, t, result)
	v.checkMaintenance(ctx, t, result)

	if !result.OK() {
		logger.Info("Skipping write probes, read-only checks failed", "errors", len(result.Errors))
		return result, v.finish(ctx, result)
	}
	if !t.SkipProbes {
		v.probe(ctx, t, result)
	}
	return result, v.finish(ctx, result)
}

func (v *Validator) finish(ctx context.Context, result *Result) error {
	logger := log.FromContext(ctx)
	for _, w := range result.Warnings {
		logger.Info("Preflight warning", "check", w.Check, "message", w.Message)
	}
	if result.OK() {
		logger.Info("Preflight passed", "checks", len(result.Passed), "warnings", len(result.Warnings))
		return nil
	}
	return &Error{Errors: result.Errors, Warnings: result.Warnings}
}

func (v *Validator) checkVersion(info *platform.Info, t Target, result *Result) {
	if t.MinVersion == "" {
		result.pass(CheckVersion)
		return
	}
	if info.Unknown() {
		result.warnf(CheckVersion, "server version %q is not recognised; cannot verify >= %s", info.RawVersion, t.MinVersion)
		return
	}
	ok, err := info.AtLeast(t.MinVersion)
	switch {
	case err != nil:
		result.errorf(CheckVersion, "%v", err)
	case !ok:
		result.errorf(CheckVersion, "server version %s is older than the required %s", info.Version, t.MinVersion)
	default:
		result.pass(CheckVersion)
	}
}

func (v *Validator) checkNodes(info *platform.Info, t Target, result *Result) {
	ready := len(info.ReadyNodes())
	switch {
	case ready >= t.Replicas:
		result.pass(CheckNodes)
	case t.strict():
		result.errorf(CheckNodes, "%d ready node(s) for %d replicas", ready, t.Replicas)
	default:
		result.warnf(CheckNodes, "%d ready node(s) for %d replicas; replicas will share nodes", ready, t.Replicas)
	}

	wantCPU, wantMem := t.OverheadCPU.DeepCopy(), t.OverheadMemory.DeepCopy()
	for i := 0; i < t.Replicas; i++ {
		wantCPU.Add(t.CPU)
		wantMem.Add(t.Memory)
	}
	haveCPU, haveMem := info.Allocatable()

	failed := false
	if haveCPU.Cmp(wantCPU) < 0 {
		result.errorf(CheckCapacity, "allocatable CPU %s is below the required %s", haveCPU.String(), wantCPU.String())
		failed = true
	}
	if haveMem.Cmp(wantMem) < 0 {
		result.errorf(CheckCapacity, "allocatable memory %s is below the required %s", haveMem.String(), wantMem.String())
		failed = true
	}
	if !failed {
		result.pass(CheckCapacity)
	}
}

func (v *Validator) checkFailureDomains(info *platform.Info, t Target, result *Result) {
	if t.Replicas <= 1 || t.PlacementMode == placement.ModeNone {
		result.pass(CheckFailureDomains)
		return
	}

	if t.PlacementMode == placement.ModeHost {
		hosts := info.Hosts()
		if len(hosts) < t.Replicas {
			result.errorf(CheckFailureDomains, "%d distinct host(s) for %d replicas", len(hosts), t.Replicas)
			return
		}
		result.pass(CheckFailureDomains)
		return
	}

	zones := len(info.Zones())
	switch {
	case zones <= 1 && t.PlacementMode == placement.ModeZone:
		result.errorf(CheckFailureDomains, "%d zone(s) for %d replicas; all replicas would share one failure domain", zones, t.Replicas)
	case zones < t.Replicas:
		result.warnf(CheckFailureDomains, "%d zone(s) for %d replicas; some replicas will share a failure domain", zones, t.Replicas)
	default:
		result.pass(CheckFailureDomains)
	}
}

func (v *Validator) checkMaintenance(ctx context.Context, t Target, result *Result) {
	ns := &corev1.Namespace{}
	err := v.client.Get(ctx, client.ObjectKey{Name: t.Namespace}, ns)
	switch {
	case errors.IsNotFound(err):
		result.pass(CheckMaintenance)
	case err != nil:
		result.errorf(CheckMaintenance, "failed to read namespace %s: %v", t.Namespace, err)
	case pause.IsPaused(ns, PauseLabel):
		result.errorf(CheckMaintenance, "namespace %s carries the %s label", t.Namespace, PauseLabel)
	default:
		result.pass(CheckMaintenance)
	}
}

func (v *Validator) probeMeta(t Target, suffix string) metav1.ObjectMeta {
	short := v.runID
	if len(short) > 8 {
		short = short[:8]
	}
	return metav1.ObjectMeta{
		Name:      fmt.Sprintf("capstan-probe-%s-%s", suffix, short),
		Namespace: t.ProbeNamespace,
		Labels: map[string]string{
			ProbeLabel: "true",
			RunLabel:   v.runID,
		},
	}
}

// probe creates the write probes and removes them before returning, on a
// context that outlives cancellation of ctx
func (v *Validator) probe(ctx context.Context, t Target, result *Result) {
	logger := log.FromContext(ctx)
	var created []client.Object

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		for _, obj := range created {
			if err := resource.DeleteObject(cleanupCtx, v.client, obj); err != nil {
				logger.Error(err, "Failed to remove probe", "name", obj.GetName())
			}
		}
		logger.V(1).Info("Removed write probes", "count", len(created))
	}()

	secret := &corev1.Secret{
		ObjectMeta: v.probeMeta(t, "secret"),
		StringData: map[string]string{"probe": v.runID},
	}
	if err := v.client.Create(ctx, secret); err != nil {
		result.errorf(CheckWriteSecret, "cannot create Secrets in %s: %v", t.ProbeNamespace, err)
		return
	}
	created = append(created, secret)
	result.pass(CheckWriteSecret)

	workload := v.probePod(t, "pod", []string{"sh", "-c", "true"})
	if err := v.client.Create(ctx, workload); err != nil {
		result.errorf(CheckWritePod, "cannot create Pods in %s: %v", t.ProbeNamespace, err)
		return
	}
	created = append(created, workload)
	result.pass(CheckWritePod)

	dns := v.probePod(t, "dns", []string{"nslookup", dnsTarget})
	if err := v.client.Create(ctx, dns); err != nil {
		result.errorf(CheckDNS, "cannot create DNS probe in %s: %v", t.ProbeNamespace, err)
		return
	}
	created = append(created, dns)

	check := readiness.ObjectCheck(v.client, resource.Named(resource.KindPod, resource.GVKPod, dns.Namespace, dns.Name))
	check.Name = "dns probe"
	check.Predicate = func(o readiness.Observation) bool {
		return o.Phase == string(corev1.PodSucceeded) || o.Phase == string(corev1.PodFailed)
	}
	check.Interval = t.PollInterval
	check.Timeout = t.ProbeTimeout

	out, err := v.poller.Wait(ctx, check)
	switch {
	case err != nil:
		result.warnf(CheckDNS, "DNS probe could not be observed: %v", err)
	case !out.Converged:
		result.warnf(CheckDNS, "DNS probe did not finish within %s (last: %s)", t.ProbeTimeout, out.Last)
	case out.Last.Phase == string(corev1.PodFailed):
		result.warnf(CheckDNS, "pods cannot resolve %s", dnsTarget)
	default:
		result.pass(CheckDNS)
	}
}

func (v *Validator) probePod(t Target, suffix string, command []string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: v.probeMeta(t, suffix),
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr.To[int64](0),
			Containers: []corev1.Container{{
				Name:    "probe",
				Image:   t.ProbeImage,
				Command: command,
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    apiresource.MustParse("10m"),
						corev1.ResourceMemory: apiresource.MustParse("16Mi"),
					},
				},
			}},
		},
	}
}
