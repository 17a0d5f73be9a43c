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
	"fmt"
	"net/http"
	"strings"

	"k8s.io/client-go/rest"
)

// Ports the in-cluster services listen on
const (
	RepositoryPort  = 8080
	ObjectStorePort = 9000
)

// ServiceProxy makes in-cluster HTTP services reachable from where capstan runs
type ServiceProxy interface {
	// URL returns the base URL of port on service in namespace
	URL(namespace, service string, port int) string

	// Transport returns the round tripper requests to URL must use
	Transport() http.RoundTripper
}

// APIServerProxy reaches services through the API server's service proxy,
// authenticated with the kubeconfig credentials
type APIServerProxy struct {
	host      string
	transport http.RoundTripper
}

// NewAPIServerProxy creates a proxy from a REST config
func NewAPIServerProxy(cfg *rest.Config) (*APIServerProxy, error) {
	rt, err := rest.TransportFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build API server transport: %w", err)
	}
	return &APIServerProxy{
		host:      strings.TrimSuffix(cfg.Host, "/"),
		transport: rt,
	}, nil
}

func (p *APIServerProxy) URL(namespace, service string, port int) string {
	return fmt.Sprintf("%s/api/v1/namespaces/%s/services/http:%s:%d/proxy", p.host, namespace, service, port)
}

func (p *APIServerProxy) Transport() http.RoundTripper {
	return p.transport
}

// DirectProxy addresses services by their cluster DNS name. It only works
// from inside the cluster.
type DirectProxy struct{}

func (DirectProxy) URL(namespace, service string, port int) string {
	return fmt.Sprintf("http://%s.%s.svc:%d", service, namespace, port)
}

func (DirectProxy) Transport() http.RoundTripper {
	return http.DefaultTransport
}
