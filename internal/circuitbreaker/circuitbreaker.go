// Package circuitbreaker stops the worker from hammering a provider that
// is down. One breaker guards one provider.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/metrics"
)

// State of a breaker.
//
//	Closed -> Open:      Threshold consecutive provider failures
//	Open -> HalfOpen:    Cooldown has passed since the breaker opened
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
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

// ErrCircuitOpen is returned while a breaker rejects calls. It is not
// permanent, so the worker retries the entry on its normal schedule.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
	// Probes is how many calls may be in flight while half-open.
	Probes int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Probes:    1,
	}
}

// verdict is what one finished call says about provider health.
type verdict int

const (
	healthy verdict = iota
	unhealthy
	neutral
)

// classify judges a provider call by its error. A permanent rejection
// means the provider answered, and a cancelled caller says nothing about
// the provider at all.
func classify(err error) verdict {
	switch {
	case err == nil:
		return healthy
	case channel.IsPermanent(err), errors.Is(err, context.Canceled):
		return neutral
	default:
		return unhealthy
	}
}

type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	failures int
	openedAt time.Time
	inFlight int
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}

	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("threshold", cfg.Threshold),
		zap.Duration("cooldown", cfg.Cooldown),
	)
	return &CircuitBreaker{config: cfg, logger: logger, now: time.Now}
}

func (cb *CircuitBreaker) Name() string { return cb.config.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Acquire admits one provider call. The returned done must be called
// exactly once with the call's error; it settles the breaker and frees the
// probe slot when half-open.
func (cb *CircuitBreaker) Acquire() (done func(error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		cb.setState(StateHalfOpen)
		cb.logger.Info("circuit breaker probing provider", zap.String("name", cb.config.Name))
	}

	switch cb.state {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.Probes {
			return nil, ErrCircuitOpen
		}
	}

	cb.inFlight++
	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.settle(classify(err)) })
	}, nil
}

func (cb *CircuitBreaker) settle(v verdict) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	switch v {
	case healthy:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
			cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
		}
	case unhealthy:
		cb.failures++
		switch {
		case cb.state == StateHalfOpen:
			cb.open()
			cb.logger.Warn("circuit breaker re-opened, probe failed", zap.String("name", cb.config.Name))
		case cb.state == StateClosed && cb.failures >= cb.config.Threshold:
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failures),
			)
		}
	}
}

// open must be called with mu held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", cb.state.String()),
		zap.String("to", s.String()),
	)
	cb.state = s
	cb.inFlight = 0
	metrics.SetBreakerState(cb.config.Name, int(s))
}
