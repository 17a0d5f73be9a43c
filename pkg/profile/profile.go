package profile

import (
	"fmt"
	"time"

	apiresource "k8s.io/apimachinery/pkg/api/resource"
)

// Chart is a package the deployment installs
type Chart struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Release string                 `json:"release"`
	Values  map[string]interface{} `json:"values,omitempty"`
}

// Profile is the deployment profile: package list, chart versions, per-replica
// resources and timeouts
type Profile struct {
	Name string `json:"name"`

	Source struct {
		URL      string `json:"url"`
		TokenURL string `json:"tokenURL,omitempty"`
	} `json:"source"`

	Replicas int `json:"replicas"`

	Resources struct {
		CPU     string `json:"cpu"`
		Memory  string `json:"memory"`
		Storage string `json:"storage"`
	} `json:"resources"`

	StorageClass struct {
		Name                 string `json:"name"`
		Provisioner          string `json:"provisioner"`
		AllowVolumeExpansion bool   `json:"allowVolumeExpansion"`
	} `json:"storageClass"`

	Charts struct {
		ObjectStore Chart `json:"objectStore"`
		Repository  Chart `json:"repository"`
		Operator    Chart `json:"operator"`
		Cluster     Chart `json:"cluster"`
		Harness     Chart `json:"harness"`
		Exporter    Chart `json:"exporter"`
	} `json:"charts"`

	Operator struct {
		CRDGroup    string `json:"crdGroup"`
		PodSelector string `json:"podSelector"`
	} `json:"operator"`

	Cluster struct {
		PodSelector string `json:"podSelector"`
	} `json:"cluster"`

	Placement struct {
		Mode string `json:"mode"`
	} `json:"placement"`

	Preflight struct {
		MinVersion     string `json:"minVersion"`
		OverheadCPU    string `json:"overheadCPU"`
		OverheadMemory string `json:"overheadMemory"`
	} `json:"preflight"`

	Timeouts Timeouts `json:"timeouts"`
}

// Timeouts holds durations in their profile string form
type Timeouts struct {
	Step        string `json:"step"`
	Operator    string `json:"operator"`
	Cluster     string `json:"cluster"`
	Interval    string `json:"interval"`
	GracePeriod string `json:"gracePeriod"`
	Probe       string `json:"probe"`
	Teardown    string `json:"teardown"`
}

// Durations is Timeouts parsed
type Durations struct {
	Step        time.Duration
	Operator    time.Duration
	Cluster     time.Duration
	Interval    time.Duration
	GracePeriod time.Duration
	Probe       time.Duration
	Teardown    time.Duration
}

// Parse converts every timeout to a time.Duration
func (t Timeouts) Parse() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"step", t.Step, &d.Step},
		{"operator", t.Operator, &d.Operator},
		{"cluster", t.Cluster, &d.Cluster},
		{"interval", t.Interval, &d.Interval},
		{"gracePeriod", t.GracePeriod, &d.GracePeriod},
		{"probe", t.Probe, &d.Probe},
		{"teardown", t.Teardown, &d.Teardown},
	}
	for _, f := range fields {
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return Durations{}, fmt.Errorf("timeouts.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return d, nil
}

// ReplicaRequests returns the per-replica CPU and memory requests
func (p *Profile) ReplicaRequests() (cpu, memory apiresource.Quantity, err error) {
	if cpu, err = apiresource.ParseQuantity(p.Resources.CPU); err != nil {
		return cpu, memory, fmt.Errorf("resources.cpu: %w", err)
	}
	if memory, err = apiresource.ParseQuantity(p.Resources.Memory); err != nil {
		return cpu, memory, fmt.Errorf("resources.memory: %w", err)
	}
	return cpu, memory, nil
}

// Overhead returns the platform overhead reserved on top of replica requests
func (p *Profile) Overhead() (cpu, memory apiresource.Quantity, err error) {
	if cpu, err = apiresource.ParseQuantity(p.Preflight.OverheadCPU); err != nil {
		return cpu, memory, fmt.Errorf("preflight.overheadCPU: %w", err)
	}
	if memory, err = apiresource.ParseQuantity(p.Preflight.OverheadMemory); err != nil {
		return cpu, memory, fmt.Errorf("preflight.overheadMemory: %w", err)
	}
	return cpu, memory, nil
}

// Addons returns the charts upgraded by upgrade-addons
func (p *Profile) Addons() []Chart {
	return []Chart{p.Charts.Harness, p.Charts.Exporter}
}

// Mirrored returns every chart copied into the internal repository. The
// object store and the repository itself come from the external source.
func (p *Profile) Mirrored() []Chart {
	return []Chart{p.Charts.Operator, p.Charts.Cluster, p.Charts.Harness, p.Charts.Exporter}
}
