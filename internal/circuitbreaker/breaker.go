// Package circuitbreaker stops hammering an order source that keeps failing.
//
// A breaker opens after MaxFailures consecutive failures, rejects calls for
// Cooldown, then lets HalfOpenRequests probes through. One success closes it
// again, one failure re-opens it.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

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

var ErrOpen = errors.New("circuit breaker is open")

const (
	DefaultMaxFailures      = 5
	DefaultCooldown         = 30 * time.Second
	DefaultHalfOpenRequests = 1
)

type Config struct {
	Name             string
	MaxFailures      int
	Cooldown         time.Duration
	HalfOpenRequests int
	OnStateChange    func(name string, from, to State)
}

func (c Config) withDefaults(logger *logrus.Logger) Config {
	if c.Name == "" {
		c.Name = "unnamed"
	}
	if c.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": c.Name,
			"invalid_value":   c.MaxFailures,
			"default_value":   DefaultMaxFailures,
		}).Warn("Invalid MaxFailures value, using default")
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = DefaultHalfOpenRequests
	}
	return c
}

// Snapshot is a point-in-time view of a breaker's counters.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	TotalRequests  int64     `json:"total_requests"`
	TotalFailures  int64     `json:"total_failures"`
	TotalRejected  int64     `json:"total_rejected"`
	StateChanges   int64     `json:"state_changes"`
	LastFailure    time.Time `json:"last_failure"`
	LastTransition time.Time `json:"last_transition"`
}

type CircuitBreaker struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	lastFailure time.Time

	totalRequests  int64
	totalFailures  int64
	totalRejected  int64
	stateChanges   int64
	lastTransition time.Time
}

func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg.withDefaults(logger),
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// SetClock replaces the time source used for the cooldown.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open. A failure caused only by the
// caller cancelling ctx is returned but not counted against the source.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if cb.state == StateHalfOpen {
			cb.probes--
		}
	default:
		cb.totalFailures++
		cb.onFailure()
	}
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) < cb.cfg.Cooldown {
			cb.totalRejected++
			return ErrOpen
		}
		cb.setState(StateHalfOpen)
		cb.probes = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenRequests {
			cb.totalRejected++
			return ErrOpen
		}
		cb.probes++
	}
	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.probes = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.setState(StateOpen)
		cb.probes = 0
	}
}

func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChanges++
	cb.lastTransition = cb.now()

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"from_state":      from.String(),
		"to_state":        to.String(),
	}).Info("Circuit breaker state changed")

	if cb.cfg.OnStateChange != nil {
		go cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.cfg.Name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:           cb.cfg.Name,
		State:          cb.state.String(),
		Failures:       cb.failures,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalRejected:  cb.totalRejected,
		StateChanges:   cb.stateChanges,
		LastFailure:    cb.lastFailure,
		LastTransition: cb.lastTransition,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.probes = 0
	cb.lastFailure = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.cfg.Name, cb.state, cb.failures, cb.cfg.MaxFailures)
}
