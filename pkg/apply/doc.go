// Package apply writes and removes objects on the control plane. The Applier
// creates or server-side applies desired objects and stamps them with a
// configuration hash; the Deleter removes labelled sets of objects and falls
// back to stripping finalizers when a graceful delete does not converge.
package apply
