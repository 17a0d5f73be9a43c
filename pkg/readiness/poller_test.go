package readiness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	testingclock "k8s.io/utils/clock/testing"
)

func fastPoller() *Poller {
	return NewPoller(PollerConfig{
		StatusInterval:       time.Second,
		StallThreshold:       time.Hour,
		DiagnoseInterval:     time.Hour,
		MaxConsecutiveErrors: 5,
	})
}

// countingCheck becomes ready on the readyAt-th probe (never if readyAt <= 0)
func countingCheck(readyAt int32, interval, timeout time.Duration) (*Check, *int32) {
	var calls int32
	return &Check{
		Name: "counting",
		Probe: func(ctx context.Context) (Observation, error) {
			n := atomic.AddInt32(&calls, 1)
			return Observation{Found: true, Ready: int(n), Desired: int(readyAt)}, nil
		},
		Predicate: func(o Observation) bool { return o.Desired > 0 && o.Ready >= o.Desired },
		Interval:  interval,
		Timeout:   timeout,
	}, &calls
}

func TestPoller_Converges(t *testing.T) {
	check, calls := countingCheck(3, 5*time.Millisecond, time.Second)

	out, err := fastPoller().Wait(context.Background(), check)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !out.Converged {
		t.Fatal("expected convergence")
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("probe calls = %d, want 3", got)
	}
	if out.Evaluations != 3 {
		t.Errorf("Evaluations = %d, want 3", out.Evaluations)
	}
}

func TestPoller_BoundedEvaluations(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		timeout  time.Duration
	}{
		{"even division", 10 * time.Millisecond, 50 * time.Millisecond},
		{"uneven division", 15 * time.Millisecond, 50 * time.Millisecond},
		{"timeout shorter than interval", 40 * time.Millisecond, 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, _ := countingCheck(0, tt.interval, tt.timeout)

			start := time.Now()
			out, err := fastPoller().Wait(context.Background(), check)
			if err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			if out.Converged {
				t.Fatal("check can never converge")
			}
			limit := MaxEvaluations(tt.timeout, tt.interval)
			if out.Evaluations > limit {
				t.Errorf("Evaluations = %d, exceeds cap %d", out.Evaluations, limit)
			}
			if out.Evaluations < 1 {
				t.Error("expected at least one evaluation")
			}
			if elapsed := time.Since(start); elapsed > tt.timeout+tt.interval+200*time.Millisecond {
				t.Errorf("Wait() took %v, deadline was %v", elapsed, tt.timeout)
			}
			if !out.Last.Found {
				t.Error("expected last observation to be returned on timeout")
			}
		})
	}
}

func TestMaxEvaluations(t *testing.T) {
	tests := []struct {
		timeout, interval time.Duration
		want              int
	}{
		{10 * time.Second, 5 * time.Second, 3},
		{11 * time.Second, 5 * time.Second, 4},
		{time.Second, 5 * time.Second, 2},
		{time.Second, 0, 1},
	}
	for _, tt := range tests {
		if got := MaxEvaluations(tt.timeout, tt.interval); got != tt.want {
			t.Errorf("MaxEvaluations(%v, %v) = %d, want %d", tt.timeout, tt.interval, got, tt.want)
		}
	}
}

func TestPoller_TransientErrorsCountAsNotReady(t *testing.T) {
	var calls int32
	check := &Check{
		Name: "flaky",
		Probe: func(ctx context.Context) (Observation, error) {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return Observation{}, apierrors.NewServiceUnavailable("apiserver restarting")
			}
			return Observation{Found: true}, nil
		},
		Predicate: func(o Observation) bool { return o.Found },
		Interval:  time.Millisecond,
		Timeout:   time.Second,
	}

	out, err := fastPoller().Wait(context.Background(), check)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !out.Converged || out.Evaluations != 3 {
		t.Errorf("Outcome = %+v, want converged after 3 evaluations", out)
	}
}

func TestPoller_TooManyConsecutiveErrors(t *testing.T) {
	probeErr := apierrors.NewTooManyRequests("throttled", 1)
	check := &Check{
		Name:      "throttled",
		Probe:     func(ctx context.Context) (Observation, error) { return Observation{}, probeErr },
		Predicate: func(o Observation) bool { return true },
		Interval:  time.Millisecond,
		Timeout:   5 * time.Second,
	}

	p := fastPoller()
	out, err := p.Wait(context.Background(), check)
	if err == nil {
		t.Fatal("expected error after consecutive probe failures")
	}
	if !errors.Is(err, probeErr) {
		t.Errorf("error = %v, want wrapped probe error", err)
	}
	if out.Evaluations != p.config.MaxConsecutiveErrors+1 {
		t.Errorf("Evaluations = %d, want %d", out.Evaluations, p.config.MaxConsecutiveErrors+1)
	}
}

func TestPoller_NonTransientErrorAborts(t *testing.T) {
	check := &Check{
		Name: "forbidden",
		Probe: func(ctx context.Context) (Observation, error) {
			return Observation{}, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", errors.New("rbac"))
		},
		Predicate: func(o Observation) bool { return true },
		Interval:  time.Millisecond,
		Timeout:   time.Second,
	}

	out, err := fastPoller().Wait(context.Background(), check)
	if !apierrors.IsForbidden(errors.Unwrap(err)) {
		t.Errorf("error = %v, want forbidden", err)
	}
	if out.Evaluations != 1 {
		t.Errorf("Evaluations = %d, want 1", out.Evaluations)
	}
}

func TestPoller_ContextCancelled(t *testing.T) {
	check, _ := countingCheck(0, 50*time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := fastPoller().Wait(ctx, check)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation should stop the wait promptly")
	}
}

func TestPoller_StallHandlerRateLimited(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	p := NewPoller(PollerConfig{
		StatusInterval:       time.Hour,
		StallThreshold:       time.Millisecond,
		DiagnoseInterval:     time.Hour,
		MaxConsecutiveErrors: 5,
	}).WithStallHandler(func(ctx context.Context, check *Check, last Observation) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	check := &Check{
		Name:      "stuck",
		Probe:     func(ctx context.Context) (Observation, error) { return Observation{Found: true, Phase: "Pending"}, nil },
		Predicate: func(o Observation) bool { return false },
		Interval:  2 * time.Millisecond,
		Timeout:   40 * time.Millisecond,
	}

	out, err := p.Wait(context.Background(), check)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.Converged {
		t.Fatal("stuck check should not converge")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("stall handler calls = %d, want exactly 1", calls)
	}
}

// steppingClock advances fake time by the full duration whenever the poller sleeps
type steppingClock struct {
	*testingclock.FakeClock
}

func (c steppingClock) After(d time.Duration) <-chan time.Time {
	c.Step(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func TestPoller_StallHandlerFollowsClock(t *testing.T) {
	var stalls []time.Duration
	clk := steppingClock{testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	start := clk.Now()

	p := NewPoller(PollerConfig{
		StatusInterval:       time.Hour,
		StallThreshold:       time.Minute,
		DiagnoseInterval:     9*time.Minute + 45*time.Second,
		MaxConsecutiveErrors: 5,
	}).WithClock(clk).WithStallHandler(func(ctx context.Context, check *Check, last Observation) {
		stalls = append(stalls, clk.Since(start))
	})

	check := &Check{
		Name:      "stuck",
		Probe:     func(ctx context.Context) (Observation, error) { return Observation{Found: true, Phase: "Pending"}, nil },
		Predicate: func(o Observation) bool { return false },
		Interval:  30 * time.Second,
		Timeout:   30 * time.Minute,
	}

	out, err := p.Wait(context.Background(), check)
	if err != nil || out.Converged {
		t.Fatalf("Wait() = %+v, %v", out, err)
	}

	// Stalled from 1m on, then at most once per diagnose interval of fake time
	want := []time.Duration{time.Minute, 11 * time.Minute, 21 * time.Minute}
	if len(stalls) != len(want) {
		t.Fatalf("stall handler fired at %v, want %v", stalls, want)
	}
	for i := range want {
		if stalls[i] != want[i] {
			t.Errorf("stall %d at %v, want %v", i, stalls[i], want[i])
		}
	}
}

func TestCheck_Holds(t *testing.T) {
	check, _ := countingCheck(1, time.Second, time.Second)
	ok, obs, err := check.Holds(context.Background())
	if err != nil || !ok {
		t.Errorf("Holds() = %v, %v", ok, err)
	}
	if obs.Ready != 1 {
		t.Errorf("observation = %+v", obs)
	}
}
