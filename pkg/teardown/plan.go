package teardown

import (
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/resource"
)

// Phase names, in execution order
const (
	PhaseCustomResources = "custom-resources"
	PhaseReleases        = "releases"
	PhaseWorkloads       = "workloads"
	PhasePods            = "pods"
	PhaseServices        = "services"
	PhaseClaims          = "claims"
	PhaseConfig          = "config"
	PhaseNamespace       = "namespace"
	PhaseStorageClass    = "storage-class"
)

// Spec describes what a deployment owns
type Spec struct {
	Namespace string

	// Releases in install order; they are removed in reverse
	Releases []string

	// CRDGroup is the API group of the operator's custom resources
	CRDGroup string

	// StorageClass is removed last; empty keeps it
	StorageClass string

	// KeepNamespace leaves the namespace in place after emptying it
	KeepNamespace bool

	GracePeriod  time.Duration
	PollInterval time.Duration
	MaxAttempts  int

	// Workers fans out bulk deletes of pods and claims
	Workers    int
	FanOutWait time.Duration
}

// Phase is one step of a teardown plan
type Phase struct {
	Name string

	// Releases are uninstalled through the package installer, in order
	Releases []string

	// Policies are deleted through the deleter, in order
	Policies []apply.DeletePolicy
}

// Plan is the reverse-ordered list of phases for one deployment
type Plan struct {
	Namespace string
	Phases    []Phase
}

// Policies returns every delete policy of the plan, in order
func (p *Plan) Policies() []apply.DeletePolicy {
	var out []apply.DeletePolicy
	for _, ph := range p.Phases {
		out = append(out, ph.Policies...)
	}
	return out
}

// BuildPlan lays out the phases for spec. customKinds are the operator's
// namespaced custom resource kinds, discovered beforehand.
func BuildPlan(spec Spec, customKinds []schema.GroupVersionKind) *Plan {
	ns := spec.Namespace
	policy := func(gvk schema.GroupVersionKind, namespace string) apply.DeletePolicy {
		return apply.DeletePolicy{
			GVK:          gvk,
			Namespace:    namespace,
			GracePeriod:  spec.GracePeriod,
			PollInterval: spec.PollInterval,
			MaxAttempts:  spec.MaxAttempts,
		}
	}
	fanOut := func(p apply.DeletePolicy) apply.DeletePolicy {
		p.Workers = spec.Workers
		p.FanOutWait = spec.FanOutWait
		return p
	}

	plan := &Plan{Namespace: ns}

	crs := Phase{Name: PhaseCustomResources}
	for _, gvk := range customKinds {
		crs.Policies = append(crs.Policies, policy(gvk, ns))
	}
	plan.Phases = append(plan.Phases, crs)

	releases := Phase{Name: PhaseReleases}
	for i := len(spec.Releases) - 1; i >= 0; i-- {
		releases.Releases = append(releases.Releases, spec.Releases[i])
	}
	plan.Phases = append(plan.Phases, releases)

	plan.Phases = append(plan.Phases,
		Phase{Name: PhaseWorkloads, Policies: []apply.DeletePolicy{
			policy(resource.GVKStatefulSet, ns),
			policy(resource.GVKDeployment, ns),
			policy(resource.GVKPodDisruptionBudget, ns),
		}},
		Phase{Name: PhasePods, Policies: []apply.DeletePolicy{fanOut(policy(resource.GVKPod, ns))}},
		Phase{Name: PhaseServices, Policies: []apply.DeletePolicy{policy(resource.GVKService, ns)}},
		Phase{Name: PhaseClaims, Policies: []apply.DeletePolicy{fanOut(policy(resource.GVKPersistentVolumeClaim, ns))}},
		Phase{Name: PhaseConfig, Policies: []apply.DeletePolicy{
			policy(resource.GVKSecret, ns),
			policy(resource.GVKConfigMap, ns),
		}},
	)

	if !spec.KeepNamespace {
		nsPolicy := policy(resource.GVKNamespace, "")
		nsPolicy.Names = []string{ns}
		nsPolicy.FinalizeNamespace = true
		plan.Phases = append(plan.Phases, Phase{Name: PhaseNamespace, Policies: []apply.DeletePolicy{nsPolicy}})
	}

	if spec.StorageClass != "" {
		scPolicy := policy(resource.GVKStorageClass, "")
		scPolicy.Names = []string{spec.StorageClass}
		plan.Phases = append(plan.Phases, Phase{Name: PhaseStorageClass, Policies: []apply.DeletePolicy{scPolicy}})
	}
	return plan
}
