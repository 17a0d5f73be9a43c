package teardown

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/chazu/capstan/pkg/apply"
	"github.com/chazu/capstan/pkg/packages"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

const testNamespace = "db"

var clusterGVK = schema.GroupVersionKind{Group: "db.example.com", Version: "v1", Kind: "DatabaseCluster"}

// recordingInstaller remembers the order releases were uninstalled in
type recordingInstaller struct {
	mu          sync.Mutex
	uninstalled []string
	failOn      string
}

func (r *recordingInstaller) InstallOrUpgrade(ctx context.Context, rel packages.Release) error {
	return errors.New("not supported")
}

func (r *recordingInstaller) Status(ctx context.Context, namespace, name string) (*packages.ReleaseStatus, error) {
	return nil, packages.ErrReleaseNotFound
}

func (r *recordingInstaller) Uninstall(ctx context.Context, namespace, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == r.failOn {
		return errors.New("helm exploded")
	}
	r.uninstalled = append(r.uninstalled, name)
	return nil
}

func testScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(s)).To(Succeed())
	Expect(apiextensionsv1.AddToScheme(s)).To(Succeed())
	s.AddKnownTypeWithName(clusterGVK, &unstructured.Unstructured{})
	s.AddKnownTypeWithName(resource.ListGVK(clusterGVK), &unstructured.UnstructuredList{})
	return s
}

func clusterCRD() *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{Name: "databaseclusters.db.example.com"},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: "db.example.com",
			Names: apiextensionsv1.CustomResourceDefinitionNames{Kind: "DatabaseCluster", Plural: "databaseclusters"},
			Scope: apiextensionsv1.NamespaceScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{
				{Name: "v1beta1", Served: true},
				{Name: "v1", Served: true, Storage: true},
			},
		},
	}
}

func databaseCluster(name string, finalizers ...string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(clusterGVK)
	u.SetNamespace(testNamespace)
	u.SetName(name)
	u.SetFinalizers(finalizers)
	return u
}

func deploymentObjects() []client.Object {
	return []client.Object{
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: testNamespace}},
		clusterCRD(),
		databaseCluster("main", "db.example.com/cleanup"),
		&appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: "main", Namespace: testNamespace}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "db-operator", Namespace: testNamespace}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "main-0", Namespace: testNamespace}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "main-1", Namespace: testNamespace}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "main", Namespace: testNamespace}},
		&corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{
			Name: "data-main-0", Namespace: testNamespace, Finalizers: []string{"kubernetes.io/pvc-protection"},
		}},
		&corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: "data-main-1", Namespace: testNamespace}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "db-credentials", Namespace: testNamespace}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "db-config", Namespace: testNamespace}},
		&storagev1.StorageClass{ObjectMeta: metav1.ObjectMeta{Name: "db-ssd"}, Provisioner: "ebs.csi.aws.com"},
	}
}

func testSpec() Spec {
	return Spec{
		Namespace:    testNamespace,
		Releases:     []string{"object-store", "repository", "db-operator", "db-cluster"},
		CRDGroup:     "db.example.com",
		StorageClass: "db-ssd",
		GracePeriod:  30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  3,
		Workers:      4,
		FanOutWait:   time.Second,
	}
}

func newSequencer(c client.Client, installer packages.Installer) *Sequencer {
	poller := readiness.NewPoller(readiness.PollerConfig{StatusInterval: time.Minute, MaxConsecutiveErrors: 5})
	return NewSequencer(c, apply.NewDeleter(c, nil, poller), installer)
}

var _ = Describe("Teardown Sequencer", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("When building a plan", func() {
		It("Should order phases from custom resources to the storage class", func() {
			plan := BuildPlan(testSpec(), []schema.GroupVersionKind{clusterGVK})

			var names []string
			for _, ph := range plan.Phases {
				names = append(names, ph.Name)
			}
			Expect(names).To(Equal([]string{
				PhaseCustomResources, PhaseReleases, PhaseWorkloads, PhasePods,
				PhaseServices, PhaseClaims, PhaseConfig, PhaseNamespace, PhaseStorageClass,
			}))
			Expect(plan.Phases[1].Releases).To(Equal([]string{"db-cluster", "db-operator", "repository", "object-store"}))
		})

		It("Should keep the namespace and storage class when asked", func() {
			spec := testSpec()
			spec.KeepNamespace = true
			spec.StorageClass = ""
			plan := BuildPlan(spec, nil)

			for _, ph := range plan.Phases {
				Expect(ph.Name).NotTo(BeElementOf(PhaseNamespace, PhaseStorageClass))
			}
		})
	})

	Context("When discovering custom kinds", func() {
		It("Should use the storage version of namespaced CRDs in the group", func() {
			clusterScoped := clusterCRD()
			clusterScoped.Name = "backupstores.db.example.com"
			clusterScoped.Spec.Names.Kind = "BackupStore"
			clusterScoped.Spec.Scope = apiextensionsv1.ClusterScoped
			other := clusterCRD()
			other.Name = "widgets.other.example.com"
			other.Spec.Group = "other.example.com"
			c := fake.NewClientBuilder().WithScheme(testScheme()).WithObjects(clusterCRD(), clusterScoped, other).Build()

			kinds, err := newSequencer(c, nil).DiscoverCustomKinds(ctx, "db.example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(kinds).To(Equal([]schema.GroupVersionKind{clusterGVK}))
		})
	})

	Context("When tearing down a full deployment", func() {
		It("Should remove everything and uninstall releases in reverse order", func() {
			c := fake.NewClientBuilder().WithScheme(testScheme()).WithObjects(deploymentObjects()...).Build()
			installer := &recordingInstaller{}

			By("Running the teardown")
			result, err := newSequencer(c, installer).Run(ctx, testSpec())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Residual).To(BeEmpty())
			Expect(installer.uninstalled).To(Equal([]string{"db-cluster", "db-operator", "repository", "object-store"}))

			By("Checking the stuck claim and custom resource were forced")
			Expect(result.Forced()).To(Equal(2))

			By("Checking nothing is left")
			Expect(c.Get(ctx, client.ObjectKey{Name: testNamespace}, &corev1.Namespace{})).NotTo(Succeed())
			Expect(c.Get(ctx, client.ObjectKey{Name: "db-ssd"}, &storagev1.StorageClass{})).NotTo(Succeed())
			pvcs := &corev1.PersistentVolumeClaimList{}
			Expect(c.List(ctx, pvcs, client.InNamespace(testNamespace))).To(Succeed())
			Expect(pvcs.Items).To(BeEmpty())
		})

		It("Should clear a stuck claim finalizer within three attempts", func() {
			c := fake.NewClientBuilder().WithScheme(testScheme()).WithObjects(deploymentObjects()...).Build()

			result, err := newSequencer(c, nil).Run(ctx, testSpec())
			Expect(err).NotTo(HaveOccurred())

			var claims *PhaseResult
			for i := range result.Phases {
				if result.Phases[i].Name == PhaseClaims {
					claims = &result.Phases[i]
				}
			}
			Expect(claims).NotTo(BeNil())
			Expect(claims.Forced).To(Equal(1))
			Expect(claims.Deleted).To(Equal(1))
			Expect(claims.Errors).To(BeEmpty())
		})

		It("Should continue past a failed uninstall", func() {
			c := fake.NewClientBuilder().WithScheme(testScheme()).WithObjects(deploymentObjects()...).Build()
			installer := &recordingInstaller{failOn: "db-operator"}

			result, err := newSequencer(c, installer).Run(ctx, testSpec())
			Expect(err).NotTo(HaveOccurred())
			Expect(installer.uninstalled).To(Equal([]string{"db-cluster", "repository", "object-store"}))
			Expect(result.Phases[1].Errors).To(HaveLen(1))
		})

		It("Should leave objects carrying the keep annotation", func() {
			kept := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{
				Name:        "backup-key",
				Namespace:   testNamespace,
				Annotations: map[string]string{apply.KeepAnnotation: "true"},
			}}
			spec := testSpec()
			spec.KeepNamespace = true
			c := fake.NewClientBuilder().WithScheme(testScheme()).WithObjects(append(deploymentObjects(), kept)...).Build()

			result, err := newSequencer(c, nil).Run(ctx, spec)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Get(ctx, client.ObjectKeyFromObject(kept), &corev1.Secret{})).To(Succeed())

			var protected []resource.Ref
			for _, ph := range result.Phases {
				protected = append(protected, ph.Protected...)
			}
			Expect(protected).To(HaveLen(1))
			Expect(protected[0].Name).To(Equal("backup-key"))
		})
	})

	Context("When custom resources outlive their namespace", func() {
		It("Should recover them through a transient namespace", func() {
			var createdTransient bool
			c := fake.NewClientBuilder().
				WithScheme(testScheme()).
				WithObjects(clusterCRD(), databaseCluster("orphan", "db.example.com/cleanup")).
				WithInterceptorFuncs(interceptor.Funcs{
					Create: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
						if ns, ok := obj.(*corev1.Namespace); ok && ns.Labels[TransientLabel] == "true" {
							createdTransient = true
						}
						return cl.Create(ctx, obj, opts...)
					},
				}).Build()

			result, err := newSequencer(c, nil).Run(ctx, testSpec())
			Expect(err).NotTo(HaveOccurred())
			Expect(createdTransient).To(BeTrue())
			Expect(result.Recovered).To(HaveLen(1))
			Expect(result.Recovered[0].Name).To(Equal("orphan"))

			By("Checking the transient namespace is gone again")
			Expect(c.Get(ctx, client.ObjectKey{Name: testNamespace}, &corev1.Namespace{})).NotTo(Succeed())
			Expect(c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: "orphan"}, databaseCluster("orphan"))).NotTo(Succeed())
		})
	})

	Context("When an object cannot be removed", func() {
		It("Should return a ResidualError naming it", func() {
			// Finalizer patches on claims are swallowed, so the claim never goes away
			c := fake.NewClientBuilder().
				WithScheme(testScheme()).
				WithObjects(deploymentObjects()...).
				WithInterceptorFuncs(interceptor.Funcs{
					Patch: func(ctx context.Context, cl client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
						if obj.GetObjectKind().GroupVersionKind().Kind == "PersistentVolumeClaim" {
							return nil
						}
						return cl.Patch(ctx, obj, patch, opts...)
					},
				}).Build()
			spec := testSpec()
			spec.KeepNamespace = true

			_, err := newSequencer(c, nil).Run(ctx, spec)
			var residual *ResidualError
			Expect(errors.As(err, &residual)).To(BeTrue())
			Expect(residual.Remaining).To(HaveLen(1))
			Expect(residual.Remaining[0].Name).To(Equal("data-main-0"))
			Expect(residual.Error()).To(ContainSubstring("data-main-0"))
		})
	})

	Context("When the context is cancelled", func() {
		It("Should skip the phases and still report what is left", func() {
			c := fake.NewClientBuilder().WithScheme(testScheme()).WithObjects(deploymentObjects()...).Build()
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			result, err := newSequencer(c, nil).Run(cancelled, testSpec())
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(result.Phases).To(BeEmpty())
			Expect(c.Get(ctx, client.ObjectKey{Name: testNamespace}, &corev1.Namespace{})).To(Succeed())

			var residual *ResidualError
			Expect(errors.As(err, &residual)).To(BeTrue())
			Expect(residual.Remaining).To(ContainElement(HaveField("Name", testNamespace)))
			Expect(result.Residual).To(Equal(residual.Remaining))
		})
	})

	Context("When the teardown budget runs out mid-phase", func() {
		It("Should verify anyway and return a ResidualError wrapping the deadline", func() {
			stuck := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{
				Name: "db-credentials", Namespace: testNamespace, Finalizers: []string{"db.example.com/hold"},
			}}
			c := fake.NewClientBuilder().
				WithScheme(testScheme()).
				WithObjects(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: testNamespace}}, stuck).
				WithInterceptorFuncs(interceptor.Funcs{
					Patch: func(ctx context.Context, cl client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
						if obj.GetObjectKind().GroupVersionKind().Kind == "Secret" {
							return errors.New("admission webhook denied the request")
						}
						return cl.Patch(ctx, obj, patch, opts...)
					},
				}).Build()
			spec := testSpec()
			spec.CRDGroup = ""
			spec.StorageClass = ""
			spec.GracePeriod = 200 * time.Millisecond
			spec.MaxAttempts = 3

			budget, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
			defer cancel()

			_, err := newSequencer(c, nil).Run(budget, spec)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())

			var residual *ResidualError
			Expect(errors.As(err, &residual)).To(BeTrue())
			Expect(residual.Remaining).To(ContainElement(HaveField("Name", "db-credentials")))
			Expect(residual.Error()).To(ContainSubstring("stopped early"))
		})
	})
})
