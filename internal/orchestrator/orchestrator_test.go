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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chazu/capstan/pkg/graph"
	"github.com/chazu/capstan/pkg/inventory"
	"github.com/chazu/capstan/pkg/placement"
	"github.com/chazu/capstan/pkg/preflight"
	"github.com/chazu/capstan/pkg/teardown"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx context.Context
		env *testEnv
	)

	BeforeEach(func() {
		ctx = CtxRunID.WithValue(context.Background(), "run-1234")
	})

	install := func(d *DeploymentContext) *InstallResult {
		res, err := env.orch.Install(ctx, d, false)
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	Context("When installing onto three zones", func() {
		BeforeEach(func() {
			env = newTestEnv(threeZones()...)
		})

		It("Should bring up the chain and spread one replica per zone", func() {
			d := env.deployment(Options{})
			res := install(d)

			Expect(res.Preflight.OK()).To(BeTrue())
			Expect(res.Placement.Distribution).To(Equal(map[string]int{"z1": 1, "z2": 1, "z3": 1}))
			Expect(res.State.Order()).To(Equal([]string{
				StepNamespace, StepStorageClass, StepObjectStore, StepRepository, StepMirror,
				StepCredentials, StepOperator, StepCluster, StepDisruptionBudget, StepPlacement,
			}))
			Expect(res.State.Summary().Ready).To(Equal(10))

			Expect(env.installer.installs()).To(Equal([]string{"minio", "chartmuseum", "db-operator", "main"}))
			Expect(env.internal.uploaded()).To(Equal(4))
			Expect(d.Mirrored).To(HaveKey("db-cluster"))
			Expect(d.Mirrored["db-operator"].Version).To(Equal("1.0.0"))

			Expect(d.DatabasePassword).NotTo(BeEmpty())
			Expect(d.ObjectStore.AccessKey).NotTo(BeEmpty())

			sc := &storagev1.StorageClass{}
			Expect(env.base.Get(ctx, client.ObjectKey{Name: env.profile.StorageClass.Name}, sc)).To(Succeed())
			Expect(*sc.VolumeBindingMode).To(Equal(storagev1.VolumeBindingWaitForFirstConsumer))
			Expect(*sc.AllowVolumeExpansion).To(BeTrue())

			pdb := &policyv1.PodDisruptionBudget{}
			Expect(env.base.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: d.DisruptionBudget()}, pdb)).To(Succeed())
			Expect(pdb.Spec.MaxUnavailable.IntValue()).To(Equal(1))

			// Probes are gone after preflight
			pods := &corev1.PodList{}
			Expect(env.base.List(ctx, pods, client.MatchingLabels{preflight.ProbeLabel: "true"})).To(Succeed())
			Expect(pods.Items).To(BeEmpty())

			Expect(env.orch.Inventory().Count(inventory.ItemStatusCreated)).To(BeNumerically(">", 0))
		})

		It("Should issue no writes when run again", func() {
			install(env.deployment(Options{}))
			installs := len(env.installer.installs())
			env.mutations.reset()

			res := install(env.deployment(Options{}))

			Expect(env.mutations.get()).To(BeZero())
			Expect(env.installer.installs()).To(HaveLen(installs))
			Expect(res.State.Summary().Ready + res.State.Summary().Skipped).To(Equal(10))
			Expect(res.Preflight.Passed).NotTo(ContainElement(preflight.CheckWriteSecret))
			st, err := res.State.State(StepNamespace)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(graph.StepStateSkipped))
		})

		It("Should recreate a disruption budget removed by hand", func() {
			d := env.deployment(Options{})
			install(d)
			installs := len(env.installer.installs())
			pdb := &policyv1.PodDisruptionBudget{}
			key := client.ObjectKey{Namespace: testNamespace, Name: d.DisruptionBudget()}
			Expect(env.base.Get(ctx, key, pdb)).To(Succeed())
			Expect(env.base.Delete(ctx, pdb)).To(Succeed())
			env.mutations.reset()

			res := install(env.deployment(Options{}))

			Expect(env.base.Get(ctx, key, &policyv1.PodDisruptionBudget{})).To(Succeed())
			Expect(env.mutations.get()).To(Equal(1))
			Expect(env.installer.installs()).To(HaveLen(installs))
			st, err := res.State.State(StepDisruptionBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(graph.StepStateReady))
			st, err = res.State.State(StepCluster)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).NotTo(Equal(graph.StepStateError))
		})

		It("Should install the harness when asked", func() {
			d := env.deployment(Options{WithHarness: true})
			res := install(d)

			Expect(res.State.Order()).To(HaveLen(11))
			Expect(env.installer.installs()).To(Equal([]string{"minio", "chartmuseum", "db-operator", "main", "db-harness"}))
		})

		It("Should reject a placement that stacks replicas", func() {
			env.installer.nodes = []string{"n1"}
			d := env.deployment(Options{})

			_, err := env.orch.Install(ctx, d, false)
			var violation *placement.ViolationError
			Expect(errors.As(err, &violation)).To(BeTrue(), "got %v", err)
			Expect(violation.Distribution).To(Equal(map[string]int{"z1": 3}))
		})

		It("Should diagnose a database cluster that never becomes ready", func() {
			env.installer.stall = true
			d := env.deployment(Options{})

			res, err := env.orch.Install(ctx, d, false)
			var timeout *graph.ReadinessTimeoutError
			Expect(errors.As(err, &timeout)).To(BeTrue(), "got %v", err)
			Expect(timeout.Step).To(Equal(StepCluster))
			Expect(timeout.Last.Ready).To(BeZero())
			Expect(timeout.Reports).NotTo(BeEmpty())

			st, _ := res.State.State(StepPlacement)
			Expect(st).To(Equal(graph.StepStateBlocked))
		})
	})

	Context("When every node shares one zone", func() {
		BeforeEach(func() {
			env = newTestEnv(zoneNode("n1", "z1"), zoneNode("n2", "z1"), zoneNode("n3", "z1"))
		})

		It("Should fail preflight without touching the cluster", func() {
			res, err := env.orch.Install(ctx, env.deployment(Options{}), false)

			var pfErr *preflight.Error
			Expect(errors.As(err, &pfErr)).To(BeTrue(), "got %v", err)
			Expect(res.Preflight.Errors).NotTo(BeEmpty())
			Expect(res.State).To(BeNil())
			Expect(env.mutations.get()).To(BeZero())
			Expect(env.installer.installs()).To(BeEmpty())
		})

		It("Should install when placement validation is disabled", func() {
			d := env.deployment(Options{PlacementMode: "none"})
			res := install(d)
			Expect(res.Placement.Mode).To(Equal(placement.ModeNone))
		})
	})

	Context("When expanding volumes", func() {
		var d *DeploymentContext

		BeforeEach(func() {
			env = newTestEnv(threeZones()...)
			d = env.deployment(Options{})
			install(d)
		})

		It("Should grow every claim and wait for the new capacity", func() {
			state, err := env.orch.Expand(ctx, env.deployment(Options{}), apiresource.MustParse("20Gi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Summary().Ready).To(Equal(1))

			claims := &corev1.PersistentVolumeClaimList{}
			Expect(env.base.List(ctx, claims, client.InNamespace(testNamespace))).To(Succeed())
			Expect(claims.Items).To(HaveLen(3))
			for _, pvc := range claims.Items {
				Expect(pvc.Spec.Resources.Requests.Storage().String()).To(Equal("20Gi"))
				Expect(pvc.Status.Capacity.Storage().String()).To(Equal("20Gi"))
			}

			// Already at size
			env.mutations.reset()
			state, err = env.orch.Expand(ctx, env.deployment(Options{}), apiresource.MustParse("20Gi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Summary().Skipped).To(Equal(1))
			Expect(env.mutations.get()).To(BeZero())
		})

		It("Should refuse to shrink", func() {
			_, err := env.orch.Expand(ctx, env.deployment(Options{}), apiresource.MustParse("5Gi"))
			var shrink *ShrinkError
			Expect(errors.As(err, &shrink)).To(BeTrue(), "got %v", err)
			Expect(shrink.Current.String()).To(Equal("10Gi"))
		})

		It("Should refuse a storage class without expansion", func() {
			sc := &storagev1.StorageClass{}
			Expect(env.base.Get(ctx, client.ObjectKey{Name: env.profile.StorageClass.Name}, sc)).To(Succeed())
			sc.AllowVolumeExpansion = ptr.To(false)
			Expect(env.base.Update(ctx, sc)).To(Succeed())

			_, err := env.orch.Expand(ctx, env.deployment(Options{}), apiresource.MustParse("20Gi"))
			Expect(err).To(MatchError(ContainSubstring("does not allow volume expansion")))
		})
	})

	Context("When upgrading addons", func() {
		BeforeEach(func() {
			env = newTestEnv(threeZones()...)
		})

		It("Should reinstall the addons and re-apply the disruption budget", func() {
			install(env.deployment(Options{}))

			d := env.deployment(Options{WithHarness: true})
			state, err := env.orch.UpgradeAddons(ctx, d)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Order()).To(Equal([]string{StepMirror, StepExporter, StepHarness, StepDisruptionBudget}))

			installs := env.installer.installs()
			Expect(installs[len(installs)-2:]).To(Equal([]string{"db-exporter", "db-harness"}))
			Expect(env.mutations.appliedNames()).To(Equal([]string{d.DisruptionBudget()}))
			Expect(env.internal.uploaded()).To(Equal(4))

			// Addons are reinstalled on every run
			_, err = env.orch.UpgradeAddons(ctx, env.deployment(Options{}))
			Expect(err).NotTo(HaveOccurred())
			Expect(env.installer.installs()).To(HaveLen(len(installs) + 1))
		})

		It("Should refuse a target without a database cluster", func() {
			_, err := env.orch.UpgradeAddons(ctx, env.deployment(Options{}))
			Expect(err).To(MatchError(ContainSubstring("is not deployed")))
			Expect(env.installer.installs()).To(BeEmpty())
		})
	})

	Context("When uninstalling", func() {
		BeforeEach(func() {
			env = newTestEnv(threeZones()...)
		})

		It("Should remove everything the install created", func() {
			d := env.deployment(Options{})
			install(d)

			res, err := env.orch.Uninstall(ctx, env.deployment(Options{}), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Residual).To(BeEmpty())
			Expect(env.installer.uninstalls()).To(Equal([]string{
				"db-exporter", "db-harness", "main", "db-operator", "chartmuseum", "minio",
			}))

			err = env.base.Get(ctx, client.ObjectKey{Name: testNamespace}, &corev1.Namespace{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
			err = env.base.Get(ctx, client.ObjectKey{Name: env.profile.StorageClass.Name}, &storagev1.StorageClass{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			for _, list := range []client.ObjectList{
				&corev1.PersistentVolumeClaimList{}, &corev1.SecretList{}, &policyv1.PodDisruptionBudgetList{},
			} {
				Expect(env.base.List(ctx, list, client.InNamespace(testNamespace))).To(Succeed())
				Expect(list).To(HaveField("Items", BeEmpty()))
			}
		})

		It("Should keep the namespace when asked", func() {
			install(env.deployment(Options{}))

			res, err := env.orch.Uninstall(ctx, env.deployment(Options{}), true)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Plan.Phases).NotTo(ContainElement(HaveField("Name", teardown.PhaseNamespace)))
			Expect(env.base.Get(ctx, client.ObjectKey{Name: testNamespace}, &corev1.Namespace{})).To(Succeed())
		})
	})
})
