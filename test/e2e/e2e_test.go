//go:build e2e
// +build e2e

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

package e2e

import (
	"errors"
	"fmt"
	"os/exec"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// namespace the deployment is installed into
const namespace = "capstan-e2e"

// release is the name of the database cluster release
const release = "e2e"

// capstan runs the CLI against the deployment under test and returns its
// output and exit code
func capstan(args ...string) (string, int) {
	args = append(args,
		"--namespace", namespace,
		"--name", release,
		"--replicas", "1",
		"--placement-mode", "none",
		"--source-url", sourceURL,
		"--cluster-timeout", "10m",
		"--no-color",
	)
	output, err := run(exec.Command(binary, args...))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, exitErr.ExitCode()
	}
	Expect(err).NotTo(HaveOccurred())
	return output, 0
}

var _ = Describe("capstan", Ordered, func() {
	AfterAll(func() {
		By("removing anything a failed spec left behind")
		_, _ = capstan("uninstall")
	})

	// After each failed spec, collect events and pod state for debugging
	AfterEach(func() {
		if !CurrentSpecReport().Failed() {
			return
		}
		By("Fetching Kubernetes events")
		cmd := exec.Command("kubectl", "get", "events", "-n", namespace, "--sort-by=.lastTimestamp")
		if out, err := run(cmd); err == nil {
			_, _ = fmt.Fprintf(GinkgoWriter, "Kubernetes events:\n%s", out)
		}

		By("Fetching pods")
		cmd = exec.Command("kubectl", "get", "pods", "-n", namespace, "-o", "wide")
		if out, err := run(cmd); err == nil {
			_, _ = fmt.Fprintf(GinkgoWriter, "Pods:\n%s", out)
		}
	})

	SetDefaultEventuallyTimeout(2 * time.Minute)
	SetDefaultEventuallyPollingInterval(time.Second)

	It("should pass preflight", func() {
		out, code := capstan("preflight")
		Expect(code).To(Equal(0), out)
	})

	It("should print the plan without changing anything", func() {
		out, code := capstan("install", "--dry-run")
		Expect(code).To(Equal(0), out)
		Expect(out).To(ContainSubstring("database-cluster"))

		cmd := exec.Command("kubectl", "get", "ns", namespace)
		_, err := run(cmd)
		Expect(err).To(HaveOccurred(), "dry run must not create the namespace")
	})

	It("should install the database cluster", func() {
		out, code := capstan("install")
		Expect(code).To(Equal(0), out)

		By("validating the database pods are ready")
		verifyReady := func(g Gomega) {
			cmd := exec.Command("kubectl", "get", "pods", "-n", namespace,
				"-l", "app.kubernetes.io/instance="+release,
				"-o", "jsonpath={.items[*].status.conditions[?(@.type=='Ready')].status}")
			output, err := run(cmd)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(output).To(ContainSubstring("True"))
			g.Expect(output).NotTo(ContainSubstring("False"))
		}
		Eventually(verifyReady).Should(Succeed())
	})

	It("should converge without changes when run again", func() {
		out, code := capstan("install")
		Expect(code).To(Equal(0), out)
		Expect(out).To(ContainSubstring("Skipped"))
	})

	It("should upgrade the addons", func() {
		out, code := capstan("upgrade-addons")
		Expect(code).To(Equal(0), out)

		cmd := exec.Command("kubectl", "get", "pdb", release+"-pdb", "-n", namespace)
		_, err := run(cmd)
		Expect(err).NotTo(HaveOccurred(), "disruption budget should exist")
	})

	It("should remove everything on uninstall", func() {
		out, code := capstan("uninstall")
		Expect(code).To(Equal(0), out)

		verifyGone := func(g Gomega) {
			cmd := exec.Command("kubectl", "get", "ns", namespace)
			_, err := run(cmd)
			g.Expect(err).To(HaveOccurred(), "namespace should be deleted")
		}
		Eventually(verifyGone).Should(Succeed())
	})
})
