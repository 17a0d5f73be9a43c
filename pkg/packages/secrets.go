package packages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

// StoredStatus derives a release's status from the installer's storage
// secrets (owner=helm, name=<release>) without running helm. The secret
// with the highest version label is the current revision. A release with
// no secrets yields ErrReleaseNotFound.
func StoredStatus(ctx context.Context, c client.Reader, namespace, name string) (*ReleaseStatus, error) {
	h := resource.Release(namespace, name)
	secrets := &corev1.SecretList{}
	if err := c.List(ctx, secrets, client.InNamespace(namespace), client.MatchingLabelsSelector{Selector: h.Selector}); err != nil {
		return nil, fmt.Errorf("failed to list storage of release %s: %w", name, err)
	}

	var latest *ReleaseStatus
	for i := range secrets.Items {
		labels := secrets.Items[i].Labels
		rev, err := strconv.Atoi(labels["version"])
		if err != nil {
			continue
		}
		if latest == nil || rev > latest.Revision {
			latest = &ReleaseStatus{
				Name:      name,
				Namespace: namespace,
				Revision:  rev,
				Status:    labels["status"],
			}
		}
	}
	if latest == nil {
		return nil, ErrReleaseNotFound
	}
	return latest, nil
}

// ReleaseCheck returns a readiness check satisfied once the release's
// current revision is deployed
func ReleaseCheck(c client.Reader, namespace, name string, interval, timeout time.Duration) *readiness.Check {
	return &readiness.Check{
		Name: fmt.Sprintf("release %s/%s", namespace, name),
		Probe: func(ctx context.Context) (readiness.Observation, error) {
			status, err := StoredStatus(ctx, c, namespace, name)
			if errors.Is(err, ErrReleaseNotFound) {
				return readiness.Observation{}, nil
			}
			if err != nil {
				return readiness.Observation{}, err
			}
			return readiness.Observation{
				Found:  true,
				Phase:  status.Status,
				Detail: fmt.Sprintf("revision=%d", status.Revision),
			}, nil
		},
		Predicate: func(o readiness.Observation) bool { return o.Found && o.Phase == StatusDeployed },
		Interval:  interval,
		Timeout:   timeout,
	}
}
