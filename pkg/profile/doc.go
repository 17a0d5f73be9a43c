// Package profile loads the deployment profile: the package list, chart
// versions, per-replica resources, placement mode and timeouts. Profiles are
// CUE or YAML, read from a file or a ConfigMap, and validated by unification
// with the schema embedded in the binary.
package profile
