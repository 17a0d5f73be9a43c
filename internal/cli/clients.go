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
	"fmt"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chazu/capstan/internal/orchestrator"
	"github.com/chazu/capstan/pkg/packages"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(apiextensionsv1.AddToScheme(scheme))
}

// connectKubeconfig builds the clients from the kubeconfig named by the
// flags, falling back to the standard loading rules
func connectKubeconfig(cfg *Config) (orchestrator.Clients, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.KubeContext}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return orchestrator.Clients{}, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return orchestrator.Clients{}, fmt.Errorf("failed to create client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return orchestrator.Clients{}, fmt.Errorf("failed to create clientset: %w", err)
	}
	proxy, err := orchestrator.NewAPIServerProxy(restConfig)
	if err != nil {
		return orchestrator.Clients{}, err
	}

	return orchestrator.Clients{
		Client:    c,
		Clientset: clientset,
		Discovery: clientset.Discovery(),
		Installer: packages.NewHelmInstaller(cfg.Kubeconfig, cfg.KubeContext),
		Proxy:     proxy,
	}, nil
}
