package resource

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
)

// permanent is implemented by errors that must never be retried, such as a
// placement violation.
type permanent interface {
	Permanent() bool
}

// IsTransient reports whether err is worth retrying. API throttling, timeouts
// and network failures are transient. Authorization, validation, missing API
// kinds, and errors that declare themselves permanent are not. Errors of unknown
// origin are treated as transient so that a flaky probe does not abort a wait.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsBadRequest(err),
		apierrors.IsInvalid(err),
		apierrors.IsMethodNotSupported(err),
		meta.IsNoMatchError(err):
		return false
	}
	return true
}

// IsPermanent reports whether err, or an error it wraps, declares itself permanent
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// IsRetriableAPIError reports whether err is one of the API failures a
// mutating call retries locally before giving up.
func IsRetriableAPIError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		errors.As(err, &netErr)
}
