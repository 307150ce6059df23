// Package circuitbreaker stops deliveries to a provider that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      MaxFailures consecutive failures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling a provider whose breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name identifies the breaker, one per delivery provider ("ses", "sns").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to stay open before letting a probe through.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is how many probes may be in flight while half-open.
	HalfOpenMaxRequests int

	// OnStateChange, if set, is called after every transition with the lock held.
	OnStateChange func(name string, from, to State)

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults used for delivery providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker is safe for concurrent use by the worker's delivery goroutines.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state       State
	failures    int
	openedAt    time.Time
	probes      int
	rejected    int64
	lastFailure error
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return &CircuitBreaker{config: cfg, logger: logger}
}

func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may go through. Every allowed call must be
// followed by exactly one of RecordSuccess, RecordFailure or Cancel.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.transitionTo(StateHalfOpen)
		cb.logger.Info("circuit breaker allowing probe", zap.String("name", cb.config.Name))
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}
	cb.rejected++
	return false
}

// RecordSuccess closes a half-open circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
	}
}

// RecordFailure counts a provider failure. A failed probe reopens at once.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = err

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failures),
				zap.Error(err),
			)
		}
	case StateHalfOpen:
		cb.open()
		cb.logger.Warn("circuit breaker reopened, probe failed",
			zap.String("name", cb.config.Name),
			zap.Error(err),
		)
	}
}

// Cancel ends an allowed call that says nothing about the provider's
// health, returning its probe slot if the circuit is half-open.
func (cb *CircuitBreaker) Cancel() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejected is the number of calls refused since the breaker was created.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// LastFailure is the error that most recently counted against the provider.
func (cb *CircuitBreaker) LastFailure() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.config.Now()
	cb.transitionTo(StateOpen)
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probes = 0
	if to == StateClosed {
		cb.failures = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
