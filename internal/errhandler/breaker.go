package errhandler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/metrics"
)

// Breaker defaults, applied when the config leaves a field zero.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerWindow    = time.Minute
	DefaultBreakerCooldown  = time.Minute
)

// BreakerConfig tunes the per-resource circuit breakers.
type BreakerConfig struct {
	// Threshold is how many consecutive failures trip the breaker open.
	Threshold uint32
	// Window is the rolling interval after which the closed-state failure
	// counter resets.
	Window time.Duration
	// Cooldown is how long an open breaker rejects calls before allowing
	// a single probe.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold == 0 {
		c.Threshold = DefaultBreakerThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultBreakerWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultBreakerCooldown
	}
	return c
}

// BreakerSet holds one circuit breaker per resource key, created lazily.
// All breakers share one config; the key is typically an agent or tool id.
type BreakerSet struct {
	cfg     BreakerConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates a breaker set. metrics may be nil.
func NewBreakerSet(cfg BreakerConfig, m *metrics.Metrics) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do runs fn through the breaker for key. When the breaker is open the call
// is rejected immediately with a circuit_open error and fn never runs.
func (s *BreakerSet) Do(key string, fn func() (any, error)) (any, error) {
	result, err := s.breaker(key).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, core.NewError(core.ErrKindCircuitOpen,
			"resource %s: %s", key, err)
	}
	return result, err
}

// State reports the breaker state for key: closed, open or half-open. A key
// that never failed reports closed.
func (s *BreakerSet) State(key string) string {
	s.mu.Lock()
	cb, ok := s.breakers[key]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func (s *BreakerSet) breaker(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one probe in half-open
		Interval:    s.cfg.Window,
		Timeout:     s.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "Circuit breaker state changed",
				tag.Resource(name), "from", from.String(), "to", to.String())
			s.metrics.BreakerTransition(name, to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is caller-initiated, not a service failure.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var coreErr *core.Error
			return errors.As(err, &coreErr) && coreErr.Kind == core.ErrKindCancelled
		},
	})
	s.breakers[key] = cb
	return cb
}
