// Package platform queries the target control plane for the facts capstan
// plans around: server version, cloud provider, nodes and failure domains.
package platform
