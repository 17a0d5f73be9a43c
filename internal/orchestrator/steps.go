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
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/packages"
	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/profile"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// Step names of the bootstrap chain
const (
	StepNamespace        = "namespace"
	StepStorageClass     = "storage-class"
	StepObjectStore      = "object-store"
	StepRepository       = "package-repository"
	StepMirror           = "mirror-packages"
	StepCredentials      = "credentials"
	StepOperator         = "operator"
	StepCluster          = "database-cluster"
	StepPlacement        = "placement"
	StepHarness          = "harness"
	StepExporter         = "exporter"
	StepDisruptionBudget = "disruption-budget"
)

// ChartBucket is the object store bucket backing the package repository
const ChartBucket = "charts"

// PlacementRole names the database replicas in placement results
const PlacementRole = "database"

type step = graph.StepDef[*DeploymentContext]

// InstallPlan returns the bootstrap chain for d
func (o *Orchestrator) InstallPlan(d *DeploymentContext) *graph.Plan[*DeploymentContext] {
	steps := []graph.Step[*DeploymentContext]{
		o.namespaceStep(),
		o.storageClassStep(),
		o.objectStoreStep(),
		o.repositoryStep(),
		o.mirrorStep(StepRepository),
		o.credentialsStep(),
		o.operatorStep(),
		o.clusterStep(),
		o.disruptionBudgetStep(false, StepCluster),
		o.placementStep(),
	}
	if d.WithHarness {
		steps = append(steps, o.addonStep(StepHarness, StepPlacement, false, func(d *DeploymentContext) (profile.Chart, string) {
			return d.Profile.Charts.Harness, d.HarnessRelease()
		}))
	}
	return graph.NewPlan("install", steps...)
}

func (o *Orchestrator) namespaceStep() *step {
	return &step{
		StepName: StepNamespace,
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			ns := &corev1.Namespace{}
			if err := o.client.Get(ctx, client.ObjectKey{Name: d.Namespace}, ns); err != nil {
				if apierrors.IsNotFound(err) {
					return graph.StepAbsent, nil
				}
				return "", err
			}
			if ns.DeletionTimestamp != nil {
				return "", fmt.Errorf("namespace %s is terminating", d.Namespace)
			}
			return graph.StepSatisfied, nil
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
				Name:   d.Namespace,
				Labels: managedLabels(),
			}}
			return o.create(ctx, ns, resource.GVKNamespace)
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(readiness.ObjectCheck(o.client, resource.Namespace(d.Namespace)), d, d.Durations.Step)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{resource.Namespace(d.Namespace)}
		},
	}
}

func (o *Orchestrator) storageClassStep() *step {
	return &step{
		StepName: StepStorageClass,
		Deps:     []string{StepNamespace},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			sc := &storagev1.StorageClass{}
			err := o.client.Get(ctx, client.ObjectKey{Name: d.Profile.StorageClass.Name}, sc)
			switch {
			case err == nil:
				return graph.StepSatisfied, nil
			case !apierrors.IsNotFound(err):
				return "", err
			case d.Profile.StorageClass.Provisioner == "":
				return "", fmt.Errorf("storage class %s not found and no provisioner configured", d.Profile.StorageClass.Name)
			}
			return graph.StepAbsent, nil
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			sc := &storagev1.StorageClass{
				ObjectMeta: metav1.ObjectMeta{
					Name:   d.Profile.StorageClass.Name,
					Labels: managedLabels(),
				},
				Provisioner:          d.Profile.StorageClass.Provisioner,
				AllowVolumeExpansion: ptr.To(d.Profile.StorageClass.AllowVolumeExpansion),
				ReclaimPolicy:        ptr.To(corev1.PersistentVolumeReclaimDelete),
				VolumeBindingMode:    ptr.To(storagev1.VolumeBindingWaitForFirstConsumer),
			}
			return o.create(ctx, sc, resource.GVKStorageClass)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{storageClassHandle(d)}
		},
	}
}

func (o *Orchestrator) objectStoreStep() *step {
	return &step{
		StepName: StepObjectStore,
		Deps:     []string{StepStorageClass},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			if _, err := o.loadObjectStoreCredentials(ctx, d); err != nil {
				return "", err
			}
			return o.releaseStatus(ctx, d, d.ObjectStoreRelease())
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			if err := o.ensureObjectStoreCredentials(ctx, d); err != nil {
				return err
			}
			source, err := o.sourceRepository(ctx, d)
			if err != nil {
				return err
			}
			values := mergeValues(map[string]interface{}{
				"mode":           "standalone",
				"existingSecret": d.ObjectStoreSecret(),
				"buckets":        []interface{}{map[string]interface{}{"name": ChartBucket}},
				"persistence": map[string]interface{}{
					"storageClass": d.Profile.StorageClass.Name,
				},
			}, d.Profile.Charts.ObjectStore.Values)
			return o.installChart(ctx, d, source, d.Profile.Charts.ObjectStore, d.ObjectStoreRelease(), values)
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(readiness.DeploymentsAvailableCheck(o.client, d.Namespace, instanceSelector(d.ObjectStoreRelease())), d, d.Durations.Step)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return releaseHandles(d, d.ObjectStoreRelease())
		},
	}
}

func (o *Orchestrator) repositoryStep() *step {
	return &step{
		StepName: StepRepository,
		Deps:     []string{StepObjectStore},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			return o.releaseStatus(ctx, d, d.RepositoryRelease())
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			source, err := o.sourceRepository(ctx, d)
			if err != nil {
				return err
			}
			values := mergeValues(map[string]interface{}{
				"env": map[string]interface{}{
					"open": map[string]interface{}{
						"STORAGE":                 "amazon",
						"STORAGE_AMAZON_BUCKET":   ChartBucket,
						"STORAGE_AMAZON_ENDPOINT": DirectProxy{}.URL(d.Namespace, d.ObjectStoreRelease(), ObjectStorePort),
						"STORAGE_AMAZON_REGION":   "us-east-1",
						"DISABLE_API":             false,
					},
					"existingSecret": d.ObjectStoreSecret(),
					"existingSecretMappings": map[string]interface{}{
						"AWS_ACCESS_KEY_ID":     "accessKey",
						"AWS_SECRET_ACCESS_KEY": "secretKey",
					},
				},
			}, d.Profile.Charts.Repository.Values)
			return o.installChart(ctx, d, source, d.Profile.Charts.Repository, d.RepositoryRelease(), values)
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(o.repositoryCheck(d), d, d.Durations.Step)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return releaseHandles(d, d.RepositoryRelease())
		},
	}
}

// repositoryCheck holds once the repository's deployments are available and
// its health endpoint answers
func (o *Orchestrator) repositoryCheck(d *DeploymentContext) *readiness.Check {
	deployments := readiness.DeploymentsAvailableCheck(o.client, d.Namespace, instanceSelector(d.RepositoryRelease()))
	return &readiness.Check{
		Name: "package repository " + d.RepositoryRelease(),
		Probe: func(ctx context.Context) (readiness.Observation, error) {
			obs, err := deployments.Probe(ctx)
			if err != nil || !deployments.Predicate(obs) {
				return obs, err
			}
			repo, err := packages.NewRepositoryClient(d.RepositoryURL,
				packages.WithTransport(o.proxy.Transport()),
				packages.WithRetries(0, 0, 0),
			)
			if err != nil {
				return obs, err
			}
			if err := repo.Health(ctx); err != nil {
				obs.Ready--
				obs.Detail = "health: " + err.Error()
			}
			return obs, nil
		},
		Predicate: deployments.Predicate,
	}
}

// mirrorStep copies the profile's charts into the internal repository. A
// Satisfied check still records the mirrored versions on d; Sync issues no
// uploads when nothing is missing.
func (o *Orchestrator) mirrorStep(deps ...string) *step {
	return &step{
		StepName: StepMirror,
		Deps:     deps,
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			m, err := o.mirror(ctx, d)
			if err != nil {
				return "", err
			}
			missing, err := m.Missing(ctx, d.ChartRequests())
			if err != nil {
				return "", err
			}
			if len(missing) > 0 {
				log.FromContext(ctx).V(1).Info("Charts missing from the internal repository", "count", len(missing))
				return graph.StepAbsent, nil
			}
			return graph.StepSatisfied, o.syncCharts(ctx, d, m)
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			m, err := o.mirror(ctx, d)
			if err != nil {
				return err
			}
			return o.syncCharts(ctx, d, m)
		},
	}
}

func (o *Orchestrator) mirror(ctx context.Context, d *DeploymentContext) (*packages.Mirror, error) {
	source, err := o.sourceRepository(ctx, d)
	if err != nil {
		return nil, err
	}
	target, err := o.internalRepository(ctx, d)
	if err != nil {
		return nil, err
	}
	return packages.NewMirror(source, target), nil
}

func (o *Orchestrator) syncCharts(ctx context.Context, d *DeploymentContext, m *packages.Mirror) error {
	charts, err := m.Sync(ctx, d.ChartRequests())
	for _, c := range charts {
		d.Mirrored[c.Name] = c
	}
	return err
}

func (o *Orchestrator) credentialsStep() *step {
	return &step{
		StepName: StepCredentials,
		Deps:     []string{StepMirror},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			found, err := o.loadPassword(ctx, d)
			if err != nil {
				return "", err
			}
			if found {
				return graph.StepSatisfied, nil
			}
			return graph.StepAbsent, nil
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			secret := &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      d.CredentialsSecret(),
					Namespace: d.Namespace,
					Labels:    managedLabels(),
				},
				Type: corev1.SecretTypeOpaque,
				Data: map[string][]byte{"password": []byte(rand.Text())},
			}
			if err := o.create(ctx, secret, resource.GVKSecret); err != nil {
				return err
			}
			if _, err := o.loadPassword(ctx, d); err != nil {
				return err
			}
			return nil
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{resource.Named(resource.KindSecret, resource.GVKSecret, d.Namespace, d.CredentialsSecret())}
		},
	}
}

func (o *Orchestrator) operatorStep() *step {
	return &step{
		StepName: StepOperator,
		Deps:     []string{StepCredentials},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			return o.releaseStatus(ctx, d, d.OperatorRelease())
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			repo, err := o.internalRepository(ctx, d)
			if err != nil {
				return err
			}
			chart := d.Profile.Charts.Operator
			return o.installChart(ctx, d, repo, chart, d.OperatorRelease(), chart.Values)
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(readiness.DeploymentsAvailableCheck(o.client, d.Namespace, d.OperatorSelector), d, d.Durations.Operator)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{
				resource.Release(d.Namespace, d.OperatorRelease()),
				resource.Selecting(resource.KindDeployment, resource.GVKDeployment, d.Namespace, d.OperatorSelector),
			}
		},
	}
}

func (o *Orchestrator) clusterStep() *step {
	return &step{
		StepName: StepCluster,
		Deps:     []string{StepOperator},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			return o.releaseStatus(ctx, d, d.ClusterRelease())
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			repo, err := o.internalRepository(ctx, d)
			if err != nil {
				return err
			}
			return o.installChart(ctx, d, repo, d.Profile.Charts.Cluster, d.ClusterRelease(), d.ClusterValues())
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return timed(readiness.PodsReadyCheck(o.client, d.Namespace, d.ClusterSelector, d.Replicas), d, d.Durations.Cluster)
		},
		HandlesFunc: clusterHandles,
	}
}

// placementStep validates the replica distribution. It never applies
// anything; a violation aborts the run through the readiness check.
func (o *Orchestrator) placementStep() *step {
	return &step{
		StepName: StepPlacement,
		Deps:     []string{StepDisruptionBudget},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			return graph.StepPresent, nil
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			return o.placement.Check(d.placementConstraint(), d.Durations.Interval, d.Durations.Step)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			return []resource.Handle{resource.Selecting(resource.KindPod, resource.GVKPod, d.Namespace, d.ClusterSelector)}
		},
	}
}

// addonStep installs an addon chart from the internal repository. With
// upgrade set the release is reinstalled even when already deployed.
func (o *Orchestrator) addonStep(name, dep string, upgrade bool, chartFor func(*DeploymentContext) (profile.Chart, string)) *step {
	return &step{
		StepName: name,
		Deps:     []string{dep},
		CheckFunc: func(ctx context.Context, d *DeploymentContext) (graph.StepStatus, error) {
			if upgrade {
				return graph.StepAbsent, nil
			}
			_, release := chartFor(d)
			return o.releaseStatus(ctx, d, release)
		},
		ApplyFunc: func(ctx context.Context, d *DeploymentContext) error {
			repo, err := o.internalRepository(ctx, d)
			if err != nil {
				return err
			}
			chart, release := chartFor(d)
			return o.installChart(ctx, d, repo, chart, release, chart.Values)
		},
		ReadinessFunc: func(d *DeploymentContext) *readiness.Check {
			_, release := chartFor(d)
			return timed(readiness.DeploymentsAvailableCheck(o.client, d.Namespace, instanceSelector(release)), d, d.Durations.Step)
		},
		HandlesFunc: func(d *DeploymentContext) []resource.Handle {
			_, release := chartFor(d)
			return releaseHandles(d, release)
		},
	}
}

func (o *Orchestrator) releaseStatus(ctx context.Context, d *DeploymentContext, release string) (graph.StepStatus, error) {
	st, err := packages.StoredStatus(ctx, o.client, d.Namespace, release)
	if err != nil {
		if errors.Is(err, packages.ErrReleaseNotFound) {
			return graph.StepAbsent, nil
		}
		return "", err
	}
	if st.Deployed() {
		return graph.StepPresent, nil
	}
	log.FromContext(ctx).Info("Release is not deployed, reinstalling", "release", release, "status", st.Status)
	return graph.StepAbsent, nil
}

func (o *Orchestrator) loadObjectStoreCredentials(ctx context.Context, d *DeploymentContext) (bool, error) {
	secret := &corev1.Secret{}
	if err := o.client.Get(ctx, client.ObjectKey{Namespace: d.Namespace, Name: d.ObjectStoreSecret()}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	d.ObjectStore = ObjectStoreCredentials{
		AccessKey: string(secret.Data["accessKey"]),
		SecretKey: string(secret.Data["secretKey"]),
	}
	return true, nil
}

func (o *Orchestrator) ensureObjectStoreCredentials(ctx context.Context, d *DeploymentContext) error {
	found, err := o.loadObjectStoreCredentials(ctx, d)
	if err != nil || found {
		return err
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      d.ObjectStoreSecret(),
			Namespace: d.Namespace,
			Labels:    managedLabels(),
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			"accessKey": []byte(strings.ToLower(rand.Text()[:20])),
			"secretKey": []byte(rand.Text()),
		},
	}
	if err := o.create(ctx, secret, resource.GVKSecret); err != nil {
		return err
	}
	_, err = o.loadObjectStoreCredentials(ctx, d)
	return err
}

func (o *Orchestrator) loadPassword(ctx context.Context, d *DeploymentContext) (bool, error) {
	secret := &corev1.Secret{}
	if err := o.client.Get(ctx, client.ObjectKey{Namespace: d.Namespace, Name: d.CredentialsSecret()}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	d.DatabasePassword = string(secret.Data["password"])
	return true, nil
}

// create writes obj unless it already exists
func (o *Orchestrator) create(ctx context.Context, obj runtime.Object, gvk schema.GroupVersionKind) error {
	u, err := toUnstructured(obj, gvk)
	if err != nil {
		return err
	}
	return o.applier.Apply(ctx, u, apply.CreatePolicy())
}

func toUnstructured(obj runtime.Object, gvk schema.GroupVersionKind) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", gvk.Kind, err)
	}
	u := &unstructured.Unstructured{Object: content}
	u.SetGroupVersionKind(gvk)
	return u, nil
}

// timed sets the interval and timeout of check from d
func timed(check *readiness.Check, d *DeploymentContext, timeout time.Duration) *readiness.Check {
	check.Interval = d.Durations.Interval
	check.Timeout = timeout
	return check
}

func managedLabels() map[string]string {
	return map[string]string{ManagedByLabel: "capstan"}
}

func instanceSelector(release string) labels.Selector {
	return labels.SelectorFromSet(labels.Set{InstanceLabel: release})
}

func storageClassHandle(d *DeploymentContext) resource.Handle {
	return resource.Named(resource.KindStorageClass, resource.GVKStorageClass, "", d.Profile.StorageClass.Name)
}

func releaseHandles(d *DeploymentContext, release string) []resource.Handle {
	return []resource.Handle{
		resource.Release(d.Namespace, release),
		resource.Selecting(resource.KindDeployment, resource.GVKDeployment, d.Namespace, instanceSelector(release)),
	}
}

func clusterHandles(d *DeploymentContext) []resource.Handle {
	return []resource.Handle{
		resource.Release(d.Namespace, d.ClusterRelease()),
		resource.Selecting(resource.KindStatefulSet, resource.GVKStatefulSet, d.Namespace, instanceSelector(d.ClusterRelease())),
		resource.Selecting(resource.KindPod, resource.GVKPod, d.Namespace, d.ClusterSelector),
		resource.Selecting(resource.KindPersistentVolumeClaim, resource.GVKPersistentVolumeClaim, d.Namespace, instanceSelector(d.ClusterRelease())),
	}
}

func (d *DeploymentContext) placementConstraint() placement.Constraint {
	return placement.Constraint{
		Role:                   PlacementRole,
		Namespace:              d.Namespace,
		Selector:               d.ClusterSelector,
		RequiredReplicas:       d.Replicas,
		DistinctFailureDomains: d.Placement != placement.ModeNone,
		Mode:                   d.Placement,
	}
}

// disruptionBudget allows one database replica to be disrupted at a time
func (d *DeploymentContext) disruptionBudget() (*policyv1.PodDisruptionBudget, error) {
	sel, err := metav1.ParseToLabelSelector(d.ClusterSelector.String())
	if err != nil {
		return nil, fmt.Errorf("invalid cluster selector: %w", err)
	}
	return &policyv1.PodDisruptionBudget{
		ObjectMeta: metav1.ObjectMeta{
			Name:      d.DisruptionBudget(),
			Namespace: d.Namespace,
			Labels:    managedLabels(),
		},
		Spec: policyv1.PodDisruptionBudgetSpec{
			MaxUnavailable: ptr.To(intstr.FromInt32(1)),
			Selector:       sel,
		},
	}, nil
}
