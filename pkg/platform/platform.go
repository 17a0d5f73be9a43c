package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/version"
	"k8s.io/client-go/discovery"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Failure-domain labels, newest first
const (
	ZoneLabel       = "topology.kubernetes.io/zone"
	LegacyZoneLabel = "failure-domain.beta.kubernetes.io/zone"
	HostnameLabel   = "kubernetes.io/hostname"
)

// ProviderUnknown is reported when no node identifies its cloud provider
const ProviderUnknown = "unknown"

// Node is the subset of a node capstan cares about
type Node struct {
	Name        string
	Ready       bool
	Schedulable bool
	Zone        string
	Hostname    string
	CPU         apiresource.Quantity
	Memory      apiresource.Quantity
}

// Info describes the target platform. Version is nil when the server
// reported something that does not parse; Unknown then returns true and
// RawVersion keeps whatever was reported.
type Info struct {
	Version    *version.Version
	RawVersion string
	Platform   string
	Provider   string
	Nodes      []Node
}

// Unknown reports whether the server version could not be determined
func (i *Info) Unknown() bool {
	return i.Version == nil
}

// AtLeast reports whether the server version is at least min. An unknown
// version never satisfies a minimum.
func (i *Info) AtLeast(min string) (bool, error) {
	want, err := version.ParseGeneric(min)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", min, err)
	}
	if i.Unknown() {
		return false, nil
	}
	return i.Version.AtLeast(want), nil
}

// ReadyNodes returns the nodes that are Ready and accept new pods
func (i *Info) ReadyNodes() []Node {
	var out []Node
	for _, n := range i.Nodes {
		if n.Ready && n.Schedulable {
			out = append(out, n)
		}
	}
	return out
}

// Allocatable sums the allocatable CPU and memory of the ready nodes
func (i *Info) Allocatable() (cpu, memory apiresource.Quantity) {
	for _, n := range i.ReadyNodes() {
		cpu.Add(n.CPU)
		memory.Add(n.Memory)
	}
	return cpu, memory
}

// Zones counts ready nodes per zone. Nodes without a zone label are not counted.
func (i *Info) Zones() map[string]int {
	zones := map[string]int{}
	for _, n := range i.ReadyNodes() {
		if n.Zone != "" {
			zones[n.Zone]++
		}
	}
	return zones
}

// Hosts returns the distinct hostnames of the ready nodes, sorted
func (i *Info) Hosts() []string {
	seen := map[string]bool{}
	for _, n := range i.ReadyNodes() {
		host := n.Hostname
		if host == "" {
			host = n.Name
		}
		seen[host] = true
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Query reads the server version through discovery and the node inventory
// through c. A failing discovery call means the control plane is unreachable
// and is returned as an error; an unparseable version is not.
func Query(ctx context.Context, dc discovery.ServerVersionInterface, c client.Reader) (*Info, error) {
	logger := log.FromContext(ctx)

	sv, err := dc.ServerVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to reach control plane: %w", err)
	}

	info := &Info{RawVersion: sv.GitVersion, Platform: sv.Platform, Provider: ProviderUnknown}
	if v, err := version.ParseGeneric(sv.GitVersion); err == nil {
		info.Version = v
	} else {
		logger.V(1).Info("Server version is not parseable", "version", sv.GitVersion, "error", err.Error())
	}

	nodes := &corev1.NodeList{}
	if err := c.List(ctx, nodes); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	for idx := range nodes.Items {
		n := &nodes.Items[idx]
		info.Nodes = append(info.Nodes, Node{
			Name:        n.Name,
			Ready:       NodeReady(n),
			Schedulable: !n.Spec.Unschedulable,
			Zone:        ZoneOf(n.Labels),
			Hostname:    n.Labels[HostnameLabel],
			CPU:         n.Status.Allocatable.Cpu().DeepCopy(),
			Memory:      n.Status.Allocatable.Memory().DeepCopy(),
		})
	}
	if len(nodes.Items) > 0 {
		info.Provider = ProviderOf(&nodes.Items[0])
	}

	logger.V(1).Info("Queried platform",
		"version", info.RawVersion,
		"provider", info.Provider,
		"nodes", len(info.Nodes),
		"readyNodes", len(info.ReadyNodes()),
	)
	return info, nil
}

// NodeReady reports whether the node's Ready condition is True
func NodeReady(n *corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// ZoneOf returns the failure domain recorded in a node's labels, preferring
// the GA label over the legacy beta one
func ZoneOf(labels map[string]string) string {
	if z := labels[ZoneLabel]; z != "" {
		return z
	}
	return labels[LegacyZoneLabel]
}

// ProviderOf derives the cloud provider from a node's providerID, falling
// back to provider-specific labels
func ProviderOf(n *corev1.Node) string {
	id := n.Spec.ProviderID
	switch {
	case strings.HasPrefix(id, "aws://"):
		return "aws"
	case strings.HasPrefix(id, "azure://"):
		return "azure"
	case strings.HasPrefix(id, "gce://"):
		return "gcp"
	case strings.Contains(id, "vsphere"):
		return "vsphere"
	case strings.Contains(id, "openstack"):
		return "openstack"
	case strings.HasPrefix(id, "kind://"):
		return "kind"
	}

	for k := range n.Labels {
		switch {
		case strings.Contains(k, "eks.amazonaws.com"):
			return "aws"
		case strings.Contains(k, "kubernetes.azure.com"):
			return "azure"
		case strings.Contains(k, "cloud.google.com/gke"):
			return "gcp"
		}
	}
	return ProviderUnknown
}
