package packages

import (
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ChartVersion is one entry of a repository index
type ChartVersion struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	AppVersion  string    `json:"appVersion,omitempty"`
	Description string    `json:"description,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	URLs        []string  `json:"urls,omitempty"`
	Created     time.Time `json:"created,omitempty"`
}

// IndexFile is a chart repository's index.yaml
type IndexFile struct {
	APIVersion string                     `json:"apiVersion"`
	Generated  time.Time                  `json:"generated,omitempty"`
	Entries    map[string][]*ChartVersion `json:"entries"`
}

// Has reports whether the index lists name at exactly version
func (i *IndexFile) Has(name, version string) (*ChartVersion, bool) {
	for _, cv := range i.Entries[name] {
		if cv.Version == version {
			return cv, true
		}
	}
	return nil, false
}

// Resolve returns the highest version of name satisfying constraint. An
// empty constraint or "*" selects the latest stable version.
func (i *IndexFile) Resolve(name, constraint string) (*ChartVersion, error) {
	entries, ok := i.Entries[name]
	if !ok || len(entries) == 0 {
		return nil, fmt.Errorf("chart %s not found in index", name)
	}
	if constraint == "" {
		constraint = "*"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q for chart %s: %w", constraint, name, err)
	}

	type candidate struct {
		v  *semver.Version
		cv *ChartVersion
	}
	var candidates []candidate
	for _, cv := range entries {
		v, err := semver.NewVersion(cv.Version)
		if err != nil {
			continue
		}
		if c.Check(v) {
			candidates = append(candidates, candidate{v: v, cv: cv})
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no version of chart %s satisfies %q", name, constraint)
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].v.GreaterThan(candidates[b].v) })
	return candidates[0].cv, nil
}
