// Package packages installs and removes chart releases through the helm
// binary, talks to ChartMuseum-compatible chart repositories, and mirrors
// charts from an external repository into an internal one.
package packages
