package readiness

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/metrics"
	"github.com/chazu/capstan/pkg/resource"
)

// PollerConfig contains configuration for the readiness poller
type PollerConfig struct {
	// StatusInterval is how often an unchanged status line is repeated
	// Default: 30 seconds
	StatusInterval time.Duration

	// StallThreshold is how long the status summary may stay unchanged before
	// the stall handler fires
	// Default: 90 seconds
	StallThreshold time.Duration

	// DiagnoseInterval is the minimum time between two stall handler calls
	// Default: 90 seconds
	DiagnoseInterval time.Duration

	// MaxConsecutiveErrors is the number of consecutive probe failures
	// tolerated before the wait is aborted
	// Default: 5
	MaxConsecutiveErrors int
}

// DefaultPollerConfig returns the default poller configuration
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		StatusInterval:       30 * time.Second,
		StallThreshold:       90 * time.Second,
		DiagnoseInterval:     90 * time.Second,
		MaxConsecutiveErrors: 5,
	}
}

// StallFunc is invoked when a check's status has not changed for the stall threshold
type StallFunc func(ctx context.Context, check *Check, last Observation)

// Outcome is the result of waiting on a check
type Outcome struct {
	Converged   bool
	Last        Observation
	Evaluations int
	Elapsed     time.Duration
}

// Poller waits for readiness checks to converge on a fixed interval with a
// deadline that is set once and never extended
type Poller struct {
	config  PollerConfig
	clock   clock.Clock
	onStall StallFunc
}

// NewPoller creates a new poller
func NewPoller(config PollerConfig) *Poller {
	return &Poller{
		config: config,
		clock:  clock.RealClock{},
	}
}

// WithClock returns a copy of the poller using clk
func (p *Poller) WithClock(clk clock.Clock) *Poller {
	cp := *p
	cp.clock = clk
	return &cp
}

// WithStallHandler returns a copy of the poller that calls fn on stalls
func (p *Poller) WithStallHandler(fn StallFunc) *Poller {
	cp := *p
	cp.onStall = fn
	return &cp
}

// MaxEvaluations returns the evaluation cap for a check: ceil(timeout/interval)+1
func MaxEvaluations(timeout, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	return int(math.Ceil(float64(timeout)/float64(interval))) + 1
}

// Wait polls check until its predicate holds, its timeout elapses, or ctx is
// done. A timeout is reported through Outcome.Converged, not as an error.
// Errors are returned for context cancellation, non-transient probe failures,
// and too many consecutive transient failures.
func (p *Poller) Wait(ctx context.Context, check *Check) (Outcome, error) {
	logger := log.FromContext(ctx).WithValues("check", check.Name)

	interval := check.interval()
	timeout := check.timeout()
	maxEvals := MaxEvaluations(timeout, interval)

	start := p.clock.Now()
	deadline := start.Add(timeout)
	// Measured on p.clock so the stall threshold and the diagnose rate share a timeline
	stallLimiter := rate.NewLimiter(rate.Every(p.config.DiagnoseInterval), 1)

	var (
		out          Outcome
		lastSummary  string
		lastChange   = start
		lastStatus   time.Time
		consecutive  int
		lastProbeErr error
	)

	logger.V(1).Info("Waiting for readiness", "timeout", timeout, "interval", interval, "maxEvaluations", maxEvals)

	for out.Evaluations < maxEvals {
		obs, err := check.Probe(ctx)
		out.Evaluations++
		metrics.RecordReadinessEvaluation(check.Name)
		now := p.clock.Now()
		out.Elapsed = now.Sub(start)

		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if !resource.IsTransient(err) {
				return out, fmt.Errorf("readiness probe %s failed: %w", check.Name, err)
			}
			consecutive++
			lastProbeErr = err
			if p.config.MaxConsecutiveErrors > 0 && consecutive > p.config.MaxConsecutiveErrors {
				return out, fmt.Errorf("readiness probe %s failed %d times in a row: %w", check.Name, consecutive, lastProbeErr)
			}
			logger.V(1).Info("Readiness probe failed, treating as not ready", "error", err.Error(), "consecutiveFailures", consecutive)
		} else {
			consecutive = 0
			out.Last = obs
			if check.Predicate(obs) {
				out.Converged = true
				logger.V(1).Info("Ready", "status", check.summary(obs), "elapsed", out.Elapsed.Round(time.Millisecond))
				return out, nil
			}

			summary := check.summary(obs)
			switch {
			case summary != lastSummary:
				logger.Info("Waiting", "status", summary)
				lastSummary = summary
				lastChange = now
				lastStatus = now
			case now.Sub(lastStatus) >= p.config.StatusInterval:
				logger.Info("Still waiting", "status", summary, "elapsed", out.Elapsed.Round(time.Second))
				lastStatus = now
			}

			if p.onStall != nil && p.config.StallThreshold > 0 && now.Sub(lastChange) >= p.config.StallThreshold {
				if stallLimiter.AllowN(now, 1) {
					logger.Info("No progress, collecting diagnostics", "unchangedFor", now.Sub(lastChange).Round(time.Second))
					p.onStall(ctx, check, obs)
				}
			}
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 || out.Evaluations >= maxEvals {
			break
		}
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-p.clock.After(sleep):
		}
	}

	out.Elapsed = p.clock.Since(start)
	logger.Info("Timed out waiting for readiness", "status", check.summary(out.Last), "evaluations", out.Evaluations, "elapsed", out.Elapsed.Round(time.Second))
	return out, nil
}
