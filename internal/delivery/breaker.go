package delivery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-host circuit breakers. A zero
// FailureThreshold disables them.
type BreakerConfig struct {
	MaxRequests      uint32        `toml:"max_requests"`
	Interval         time.Duration `toml:"interval"`
	Timeout          time.Duration `toml:"timeout"`
	FailureThreshold uint32        `toml:"failure_threshold"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         5 * time.Minute,
		Timeout:          2 * time.Minute,
		FailureThreshold: 5,
	}
}

// breakerSet hands out one circuit breaker per endpoint host. Only
// transport failures count against a host; protocol replies prove it is up.
type breakerSet struct {
	cfg      BreakerConfig
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg BreakerConfig, logger *slog.Logger) *breakerSet {
	return &breakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// execute runs fn through the host's breaker, or directly when breakers are
// disabled.
func (b *breakerSet) execute(host string, fn func() (interface{}, error)) (interface{}, error) {
	cb := b.get(host)
	if cb == nil {
		return fn()
	}
	return cb.Execute(fn)
}

func (b *breakerSet) get(host string) *gobreaker.CircuitBreaker {
	if b.cfg.FailureThreshold == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[host]; ok {
		return cb
	}

	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Info("Endpoint circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.breakers[host] = cb
	return cb
}

// state returns the breaker state for a host, for diagnostics.
func (b *breakerSet) state(host string) string {
	cb := b.get(host)
	if cb == nil {
		return "disabled"
	}
	return cb.State().String()
}
