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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/version"
	fakediscovery "k8s.io/client-go/discovery/fake"
	clientsetfake "k8s.io/client-go/kubernetes/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	"sigs.k8s.io/yaml"

	"github.com/chazu/capstan/pkg/packages"
	"github.com/chazu/capstan/pkg/platform"
	"github.com/chazu/capstan/pkg/profile"
	"github.com/chazu/capstan/pkg/readiness"
)

const testNamespace = "db"

// chartRepo is an in-memory ChartMuseum. An archive is the text
// "<name> <version>".
type chartRepo struct {
	mu       sync.Mutex
	archives map[[2]string][]byte
	uploads  int
}

func newChartRepo() *chartRepo {
	return &chartRepo{archives: map[[2]string][]byte{}}
}

func chartArchive(name, version string) []byte {
	return []byte(name + " " + version + "\n")
}

func (r *chartRepo) add(name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archives[[2]string{name, version}] = chartArchive(name, version)
}

func (r *chartRepo) uploaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploads
}

func (r *chartRepo) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case req.URL.Path == "/health":
		_, _ = w.Write([]byte(`{"healthy":true}`))

	case req.URL.Path == "/index.yaml":
		entries := map[string][]*packages.ChartVersion{}
		for key, data := range r.archives {
			sum := sha256.Sum256(data)
			entries[key[0]] = append(entries[key[0]], &packages.ChartVersion{
				Name:    key[0],
				Version: key[1],
				Digest:  hex.EncodeToString(sum[:]),
				URLs:    []string{fmt.Sprintf("charts/%s-%s.tgz", key[0], key[1])},
			})
		}
		out, _ := yaml.Marshal(&packages.IndexFile{APIVersion: "v1", Entries: entries})
		_, _ = w.Write(out)

	case req.URL.Path == "/api/charts" && req.Method == http.MethodPost:
		data, _ := io.ReadAll(req.Body)
		head, _, _ := strings.Cut(string(data), "\n")
		name, version, ok := strings.Cut(head, " ")
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.archives[[2]string{name, version}] = data
		r.uploads++
		w.WriteHeader(http.StatusCreated)

	case strings.HasPrefix(req.URL.Path, "/charts/"):
		file := strings.TrimPrefix(req.URL.Path, "/charts/")
		for key, data := range r.archives {
			if file == fmt.Sprintf("%s-%s.tgz", key[0], key[1]) {
				_, _ = w.Write(data)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// repoProxy sends every service URL to the in-memory internal repository
type repoProxy struct {
	url string
}

func (p repoProxy) URL(namespace, service string, port int) string { return p.url }

func (p repoProxy) Transport() http.RoundTripper { return http.DefaultTransport }

// fakeInstaller records releases as helm storage secrets and starts the
// workloads a chart would create
type fakeInstaller struct {
	client  client.Client
	cluster string
	nodes   []string
	stall   bool

	mu          sync.Mutex
	installed   []string
	uninstalled []string
	revisions   map[string]int
}

func (f *fakeInstaller) InstallOrUpgrade(ctx context.Context, r packages.Release) error {
	data, err := os.ReadFile(r.Chart)
	if err != nil {
		return fmt.Errorf("chart archive: %w", err)
	}
	head, _, _ := strings.Cut(string(data), "\n")
	chart, _, _ := strings.Cut(head, " ")

	f.mu.Lock()
	f.revisions[r.Name]++
	rev := f.revisions[r.Name]
	f.installed = append(f.installed, r.Name)
	f.mu.Unlock()

	storage := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("sh.helm.release.v1.%s.v%d", r.Name, rev),
			Namespace: r.Namespace,
			Labels: map[string]string{
				"owner":   "helm",
				"name":    r.Name,
				"version": strconv.Itoa(rev),
				"status":  packages.StatusDeployed,
			},
		},
		Type: "helm.sh/release.v1",
	}
	if err := f.client.Create(ctx, storage); err != nil {
		return err
	}
	if r.Name == f.cluster {
		return f.startDatabase(ctx, r)
	}
	return f.startDeployment(ctx, r, chart)
}

func (f *fakeInstaller) startDeployment(ctx context.Context, r packages.Release, chart string) error {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.Name,
			Namespace: r.Namespace,
			Labels:    map[string]string{InstanceLabel: r.Name, "app.kubernetes.io/name": chart},
		},
		Status: appsv1.DeploymentStatus{
			Conditions: []appsv1.DeploymentCondition{{Type: appsv1.DeploymentAvailable, Status: corev1.ConditionTrue}},
		},
	}
	return createOrKeep(ctx, f.client, dep)
}

func (f *fakeInstaller) startDatabase(ctx context.Context, r packages.Release) error {
	replicas, _ := r.Values["replicas"].(int)
	storage, _ := r.Values["storage"].(map[string]interface{})
	size := apiresource.MustParse(storage["size"].(string))
	ready := corev1.ConditionTrue
	if f.stall {
		ready = corev1.ConditionFalse
	}

	for i := 0; i < replicas; i++ {
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      fmt.Sprintf("%s-%d", r.Name, i),
				Namespace: r.Namespace,
				Labels:    map[string]string{"app.kubernetes.io/component": "database", InstanceLabel: r.Name},
			},
			Spec: corev1.PodSpec{
				NodeName:   f.nodes[i%len(f.nodes)],
				Containers: []corev1.Container{{Name: "db", Image: "db:1"}},
			},
			Status: corev1.PodStatus{
				Phase:      corev1.PodRunning,
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: ready}},
			},
		}
		pvc := &corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{
				Name:      fmt.Sprintf("data-%s-%d", r.Name, i),
				Namespace: r.Namespace,
				Labels:    map[string]string{InstanceLabel: r.Name},
			},
			Spec: corev1.PersistentVolumeClaimSpec{
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceStorage: size},
				},
			},
			Status: corev1.PersistentVolumeClaimStatus{
				Phase:    corev1.ClaimBound,
				Capacity: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		}
		for _, obj := range []client.Object{pod, pvc} {
			if err := createOrKeep(ctx, f.client, obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeInstaller) Status(ctx context.Context, namespace, name string) (*packages.ReleaseStatus, error) {
	return packages.StoredStatus(ctx, f.client, namespace, name)
}

func (f *fakeInstaller) Uninstall(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	f.uninstalled = append(f.uninstalled, name)
	f.mu.Unlock()

	if err := f.client.DeleteAllOf(ctx, &corev1.Secret{}, client.InNamespace(namespace),
		client.MatchingLabels{"owner": "helm", "name": name}); err != nil {
		return err
	}
	instance := client.MatchingLabels{InstanceLabel: name}
	if err := f.client.DeleteAllOf(ctx, &appsv1.Deployment{}, client.InNamespace(namespace), instance); err != nil {
		return err
	}
	return f.client.DeleteAllOf(ctx, &corev1.Pod{}, client.InNamespace(namespace), instance)
}

func (f *fakeInstaller) installs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installed...)
}

func (f *fakeInstaller) uninstalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uninstalled...)
}

func createOrKeep(ctx context.Context, c client.Client, obj client.Object) error {
	if err := c.Create(ctx, obj); err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return nil
}

// mutations counts writes issued by the orchestrator and remembers the
// objects it server-side applied
type mutations struct {
	mu      sync.Mutex
	count   int
	applied []string
}

func (m *mutations) inc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
}

func (m *mutations) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = 0
	m.applied = nil
}

func (m *mutations) get() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mutations) apply(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, name)
}

func (m *mutations) appliedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

// countingClient wraps c so every write is counted. DNS probe pods are
// created already completed, server-side applies are recorded and
// accepted, and a resized claim reports its new capacity at once.
func countingClient(c client.WithWatch, m *mutations) client.WithWatch {
	return interceptor.NewClient(c, interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			m.inc()
			if pod, ok := obj.(*corev1.Pod); ok && len(pod.Spec.Containers) > 0 &&
				len(pod.Spec.Containers[0].Command) > 0 && pod.Spec.Containers[0].Command[0] == "nslookup" {
				pod.Status.Phase = corev1.PodSucceeded
			}
			return c.Create(ctx, obj, opts...)
		},
		Delete: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
			m.inc()
			return c.Delete(ctx, obj, opts...)
		},
		DeleteAllOf: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteAllOfOption) error {
			m.inc()
			return c.DeleteAllOf(ctx, obj, opts...)
		},
		Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
			m.inc()
			return c.Update(ctx, obj, opts...)
		},
		Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			m.inc()
			if patch.Type() == types.ApplyPatchType {
				m.apply(obj.GetName())
				return nil
			}
			if err := c.Patch(ctx, obj, patch, opts...); err != nil {
				return err
			}
			if pvc, ok := obj.(*corev1.PersistentVolumeClaim); ok {
				pvc.Status.Capacity = corev1.ResourceList{
					corev1.ResourceStorage: pvc.Spec.Resources.Requests[corev1.ResourceStorage],
				}
				return c.Status().Update(ctx, pvc)
			}
			return nil
		},
		SubResourceUpdate: func(ctx context.Context, c client.Client, subResourceName string, obj client.Object, opts ...client.SubResourceUpdateOption) error {
			m.inc()
			return c.SubResource(subResourceName).Update(ctx, obj, opts...)
		},
		SubResourcePatch: func(ctx context.Context, c client.Client, subResourceName string, obj client.Object, patch client.Patch, opts ...client.SubResourcePatchOption) error {
			m.inc()
			return c.SubResource(subResourceName).Patch(ctx, obj, patch, opts...)
		},
	})
}

func zoneNode(name, zone string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{platform.ZoneLabel: zone, platform.HostnameLabel: name},
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    apiresource.MustParse("4"),
				corev1.ResourceMemory: apiresource.MustParse("8Gi"),
			},
		},
	}
}

func threeZones() []client.Object {
	return []client.Object{zoneNode("n1", "z1"), zoneNode("n2", "z2"), zoneNode("n3", "z3")}
}

// testEnv is a fake cluster with an external chart source and an internal
// repository behind the service proxy
type testEnv struct {
	base      client.WithWatch
	mutations *mutations
	installer *fakeInstaller
	source    *chartRepo
	internal  *chartRepo
	profile   *profile.Profile
	orch      *Orchestrator
}

func newTestEnv(nodes ...client.Object) *testEnv {
	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	Expect(apiextensionsv1.AddToScheme(scheme)).To(Succeed())
	base := fake.NewClientBuilder().WithScheme(scheme).WithObjects(nodes...).Build()

	env := &testEnv{
		base:      base,
		mutations: &mutations{},
		source:    newChartRepo(),
		internal:  newChartRepo(),
	}
	for _, name := range []string{"minio", "chartmuseum", "db-operator", "db-cluster", "db-harness", "db-exporter"} {
		env.source.add(name, "1.0.0")
	}
	env.source.add("db-operator", "0.9.0")

	sourceSrv := httptest.NewServer(env.source)
	DeferCleanup(sourceSrv.Close)
	internalSrv := httptest.NewServer(env.internal)
	DeferCleanup(internalSrv.Close)

	var err error
	env.profile, err = profile.NewLoader(nil).Load(context.Background(), "",
		profile.Override{Path: "source.url", Value: sourceSrv.URL},
		profile.Override{Path: "timeouts.step", Value: "1s"},
		profile.Override{Path: "timeouts.operator", Value: "1s"},
		profile.Override{Path: "timeouts.cluster", Value: "300ms"},
		profile.Override{Path: "timeouts.interval", Value: "10ms"},
		profile.Override{Path: "timeouts.probe", Value: "200ms"},
		profile.Override{Path: "timeouts.gracePeriod", Value: "20ms"},
		profile.Override{Path: "timeouts.teardown", Value: "10s"},
	)
	Expect(err).NotTo(HaveOccurred())

	env.installer = &fakeInstaller{
		client:    base,
		cluster:   "main",
		nodes:     []string{"n1", "n2", "n3"},
		revisions: map[string]int{},
	}

	clientset := clientsetfake.NewSimpleClientset()
	dc := clientset.Discovery().(*fakediscovery.FakeDiscovery)
	dc.FakedServerVersion = &version.Info{GitVersion: "v1.30.2"}

	env.orch = New(Clients{
		Client:    countingClient(base, env.mutations),
		Clientset: clientset,
		Discovery: dc,
		Installer: env.installer,
		Proxy:     repoProxy{url: internalSrv.URL},
	}, readiness.PollerConfig{StatusInterval: time.Minute, MaxConsecutiveErrors: 5}).
		WithApplyBackoff(wait.Backoff{Steps: 2, Duration: time.Millisecond, Factor: 1}).
		WithSourceOptions(packages.WithRetries(1, time.Millisecond, 5*time.Millisecond))
	return env
}

func (e *testEnv) deployment(opts Options) *DeploymentContext {
	if opts.Namespace == "" {
		opts.Namespace = testNamespace
	}
	if opts.Name == "" {
		opts.Name = "main"
	}
	d, err := NewDeploymentContext(opts, e.profile)
	Expect(err).NotTo(HaveOccurred())
	return d
}
