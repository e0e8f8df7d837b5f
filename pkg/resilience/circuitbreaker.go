package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"kawan-hiking/backend/pkg/logger"
)

// ErrCircuitOpen is returned by Execute while the breaker short-circuits calls
var ErrCircuitOpen = errors.New("circuit open")

// State of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds configuration for a circuit breaker
type Config struct {
	Name             string
	FailureThreshold uint
	SuccessThreshold uint
	// Timeout bounds a single call; zero leaves the caller's context alone
	Timeout time.Duration
	// RetryTimeout is how long the breaker stays open before probing
	RetryTimeout time.Duration
}

// DefaultConfig returns the breaker settings used for background jobs
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		RetryTimeout:     5 * time.Minute,
	}
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	TotalRequests   uint64    `json:"total_requests"`
	TotalFailures   uint64    `json:"total_failures"`
	TotalSuccesses  uint64    `json:"total_successes"`
	Rejected        uint64    `json:"rejected"`
	OpenCount       uint64    `json:"open_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreaker stops calling a failing dependency for a while after
// FailureThreshold consecutive failures.
type CircuitBreaker struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu           sync.Mutex
	state        State
	failureCount uint
	successCount uint
	probing      bool
	nextAttempt  time.Time
	stats        Stats
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg Config, log *logger.Logger) *CircuitBreaker {
	if log == nil {
		log = logger.GetGlobal()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		state: StateClosed,
		stats: Stats{Name: cfg.Name, State: StateClosed},
	}
}

// Execute runs fn unless the breaker is open. Context cancellation by the
// caller is not counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.log.Warn("Circuit breaker rejected call", "name", cb.cfg.Name)
		return ErrCircuitOpen
	}

	if cb.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.Timeout)
		defer cancel()
	}

	start := cb.now()
	err := fn(ctx)

	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.Is(err, context.Canceled):
		cb.release()
	default:
		cb.recordFailure()
		cb.log.Warn("Circuit breaker recorded failure",
			"name", cb.cfg.Name,
			"error", err.Error(),
			"duration", cb.now().Sub(start).String(),
		)
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.nextAttempt) {
			cb.stats.Rejected++
			return false
		}
		cb.toHalfOpen()
	case StateHalfOpen:
		// one probe at a time
		if cb.probing {
			cb.stats.Rejected++
			return false
		}
	}
	cb.stats.TotalRequests++
	if cb.state == StateHalfOpen {
		cb.probing = true
	}
	return true
}

// release gives back a half-open probe slot without judging the dependency
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalSuccesses++
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		cb.probing = false
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.toClosed()
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalFailures++
	cb.stats.LastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.toOpen()
		}
	case StateHalfOpen:
		cb.toOpen()
	}
}

func (cb *CircuitBreaker) toOpen() {
	cb.state = StateOpen
	cb.probing = false
	cb.stats.OpenCount++
	cb.nextAttempt = cb.now().Add(cb.cfg.RetryTimeout)

	cb.log.Info("Circuit breaker opened",
		"name", cb.cfg.Name,
		"failures", cb.failureCount,
		"nextAttempt", cb.nextAttempt.Format(time.RFC3339),
	)
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.successCount = 0
	cb.failureCount = 0
	cb.log.Info("Circuit breaker half-open", "name", cb.cfg.Name)
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.log.Info("Circuit breaker closed", "name", cb.cfg.Name)
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a copy of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stats
	s.State = cb.state
	return s
}
