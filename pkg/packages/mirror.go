package packages

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ChartRequest names a chart and the version constraint to mirror
type ChartRequest struct {
	Name       string
	Constraint string
}

// MirroredChart is the outcome of mirroring one chart
type MirroredChart struct {
	Name    string
	Version string
	Digest  digest.Digest

	// Present is true when the target already held the version
	Present bool
}

// DigestMismatchError is returned when a downloaded archive does not match
// the digest published in the source index
type DigestMismatchError struct {
	Chart    string
	Version  string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("chart %s-%s digest mismatch: index has %s, archive is %s", e.Chart, e.Version, e.Expected, e.Actual)
}

// Permanent marks a mismatch as not worth retrying
func (e *DigestMismatchError) Permanent() bool { return true }

// Mirror copies charts from a source repository into a target repository
type Mirror struct {
	source *RepositoryClient
	target *RepositoryClient
}

// NewMirror creates a new mirror
func NewMirror(source, target *RepositoryClient) *Mirror {
	return &Mirror{source: source, target: target}
}

// Missing returns the requests whose resolved version the target does not
// hold yet
func (m *Mirror) Missing(ctx context.Context, requests []ChartRequest) ([]ChartRequest, error) {
	src, err := m.source.Index(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read source index: %w", err)
	}
	dst, err := m.target.Index(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read target index: %w", err)
	}

	var missing []ChartRequest
	for _, req := range requests {
		cv, err := src.Resolve(req.Name, req.Constraint)
		if err != nil {
			return nil, err
		}
		if _, ok := dst.Has(cv.Name, cv.Version); !ok {
			missing = append(missing, req)
		}
	}
	return missing, nil
}

// Sync resolves every request against the source index and uploads each
// resolved version the target lacks, after verifying its digest
func (m *Mirror) Sync(ctx context.Context, requests []ChartRequest) ([]MirroredChart, error) {
	logger := log.FromContext(ctx).WithValues("source", m.source.URL(), "target", m.target.URL())

	src, err := m.source.Index(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read source index: %w", err)
	}
	dst, err := m.target.Index(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read target index: %w", err)
	}

	out := make([]MirroredChart, 0, len(requests))
	for _, req := range requests {
		cv, err := src.Resolve(req.Name, req.Constraint)
		if err != nil {
			return out, err
		}
		expected, err := indexDigest(cv.Digest)
		if err != nil {
			return out, fmt.Errorf("chart %s-%s: %w", cv.Name, cv.Version, err)
		}

		if _, ok := dst.Has(cv.Name, cv.Version); ok {
			logger.V(1).Info("Chart already mirrored", "chart", cv.Name, "version", cv.Version)
			out = append(out, MirroredChart{Name: cv.Name, Version: cv.Version, Digest: expected, Present: true})
			continue
		}

		archive, err := m.source.Download(ctx, cv)
		if err != nil {
			return out, fmt.Errorf("failed to download chart %s-%s: %w", cv.Name, cv.Version, err)
		}
		if expected != "" {
			verifier := expected.Verifier()
			if _, err := verifier.Write(archive); err != nil {
				return out, err
			}
			if !verifier.Verified() {
				return out, &DigestMismatchError{
					Chart:    cv.Name,
					Version:  cv.Version,
					Expected: expected,
					Actual:   digest.FromBytes(archive),
				}
			}
		}
		if err := m.target.Upload(ctx, archive); err != nil {
			return out, fmt.Errorf("failed to upload chart %s-%s: %w", cv.Name, cv.Version, err)
		}

		logger.Info("Mirrored chart", "chart", cv.Name, "version", cv.Version, "digest", expected)
		out = append(out, MirroredChart{Name: cv.Name, Version: cv.Version, Digest: digest.FromBytes(archive)})
	}
	return out, nil
}

// indexDigest parses an index digest, which is either a bare sha256 hex
// string or a full algorithm:hex digest. An empty digest is not verified.
func indexDigest(s string) (digest.Digest, error) {
	if s == "" {
		return "", nil
	}
	d := digest.Digest(s)
	if !strings.Contains(s, ":") {
		d = digest.NewDigestFromEncoded(digest.SHA256, s)
	}
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid index digest %q: %w", s, err)
	}
	return d, nil
}
