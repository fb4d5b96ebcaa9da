package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/metrics"
)

// State of a breaker.
//
//	Closed -> Open:      MaxFailures consecutive failures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  probe succeeds
//	HalfOpen -> Open:    probe fails
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

// ErrCircuitOpen is returned instead of calling the email provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name labels logs and the state gauge, e.g. "ses".
	Name string
	// MaxFailures is the consecutive failure count that opens the breaker.
	MaxFailures int
	// RecoveryTimeout is how long the breaker stays open before a probe.
	RecoveryTimeout time.Duration
}

func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// CircuitBreaker stops a dispatch pass from hammering an email provider that
// is already failing. A rejected send is an ordinary delivery failure to the
// caller, so the claim is released and the block is retried on a later pass.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	failures    int
	openedAt    time.Time
	probing     bool
	rejected    int64
	lastChanged time.Time
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastChanged = cb.now()
	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return cb
}

// Allow reports whether a call may proceed. In half-open state exactly one
// probe is let through until its result is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen)
			cb.probing = true
			return true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			return true
		}
	}

	cb.rejected++
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed", zap.String("name", cb.config.Name))
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failures),
			)
		}
	case StateHalfOpen:
		cb.open()
		cb.logger.Warn("circuit breaker probe failed, reopening",
			zap.String("name", cb.config.Name),
		)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is the breaker snapshot served by the health endpoint.
type Stats struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	Rejected    int64  `json:"rejected"`
	LastChanged string `json:"last_changed"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:        cb.config.Name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		Rejected:    cb.rejected,
		LastChanged: cb.lastChanged.Format(time.RFC3339),
	}
}

// Reset force-closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}

// must be called with mu held
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// must be called with mu held
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state change",
		zap.String("name", cb.config.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
	)
	cb.state = s
	cb.lastChanged = cb.now()
	metrics.SetBreakerState(cb.config.Name, int(s))
}
