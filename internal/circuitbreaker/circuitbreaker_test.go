package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errProvider = errors.New("provider down")

// fakeClock is advanced by hand so recovery timeouts need no sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := New(Config{
		Name:            "test",
		MaxFailures:     maxFailures,
		RecoveryTimeout: recovery,
		Now:             clock.Now,
	}, zap.NewNop())
	return cb, clock
}

// trip records n allowed failures.
func trip(cb *CircuitBreaker, n int) {
	for range n {
		cb.Allow()
		cb.RecordFailure(errProvider)
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	for i := range 10 {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
		cb.RecordSuccess()
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		run   func(cb *CircuitBreaker, clock *fakeClock)
		want  State
		allow bool
	}{
		{
			name:  "opens after max failures",
			run:   func(cb *CircuitBreaker, _ *fakeClock) { trip(cb, 3) },
			want:  StateOpen,
			allow: false,
		},
		{
			name:  "stays closed below threshold",
			run:   func(cb *CircuitBreaker, _ *fakeClock) { trip(cb, 2) },
			want:  StateClosed,
			allow: true,
		},
		{
			name: "success resets the streak",
			run: func(cb *CircuitBreaker, _ *fakeClock) {
				trip(cb, 2)
				cb.Allow()
				cb.RecordSuccess()
				trip(cb, 2)
			},
			want:  StateClosed,
			allow: true,
		},
		{
			name: "still open before recovery timeout",
			run: func(cb *CircuitBreaker, clock *fakeClock) {
				trip(cb, 3)
				clock.Advance(59 * time.Second)
			},
			want:  StateOpen,
			allow: false,
		},
		{
			name: "probe success closes",
			run: func(cb *CircuitBreaker, clock *fakeClock) {
				trip(cb, 3)
				clock.Advance(time.Minute)
				cb.Allow()
				cb.RecordSuccess()
			},
			want:  StateClosed,
			allow: true,
		},
		{
			name: "probe failure reopens",
			run: func(cb *CircuitBreaker, clock *fakeClock) {
				trip(cb, 3)
				clock.Advance(time.Minute)
				cb.Allow()
				cb.RecordFailure(errProvider)
			},
			want:  StateOpen,
			allow: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(3, time.Minute)
			tt.run(cb, clock)

			if cb.State() != tt.want {
				t.Fatalf("state = %s, want %s", cb.State(), tt.want)
			}
			if got := cb.Allow(); got != tt.allow {
				t.Errorf("Allow() = %v, want %v", got, tt.allow)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	trip(cb, 2)
	clock.Advance(time.Minute)

	if !cb.Allow() {
		t.Fatal("first probe should be allowed")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("second probe should be rejected")
	}
	if cb.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", cb.Rejected())
	}
}

func TestCircuitBreaker_CancelReturnsProbe(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	trip(cb, 2)
	clock.Advance(time.Minute)

	cb.Allow()
	cb.Cancel()

	if cb.State() != StateHalfOpen {
		t.Fatalf("cancel must not change state, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("cancelled probe slot should be reusable")
	}
}

func TestCircuitBreaker_ReopenRestartsTimeout(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	trip(cb, 1)
	clock.Advance(time.Minute)
	cb.Allow()
	cb.RecordFailure(errProvider)

	clock.Advance(30 * time.Second)
	if cb.Allow() {
		t.Fatal("recovery timeout should restart when a probe fails")
	}
	if !errors.Is(cb.LastFailure(), errProvider) {
		t.Errorf("last failure = %v", cb.LastFailure())
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	clock := &fakeClock{t: time.Now()}
	cb := New(Config{
		Name:            "ses",
		MaxFailures:     1,
		RecoveryTimeout: time.Second,
		Now:             clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, zap.NewNop())

	cb.Allow()
	cb.RecordFailure(errProvider)
	clock.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"ses:closed->open", "ses:open->half-open", "ses:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
