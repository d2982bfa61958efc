package tool

import (
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"github.com/conversimple/conversimple-go/config"
)

const defaultBreakerMaxFailures uint32 = 5

// newBreaker builds a per-tool circuit breaker. When a tool's handler fails
// repeatedly, the breaker opens and subsequent calls fail fast without
// invoking the handler — the failure still surfaces as a structured tool
// result, never as a panic or dropped call.
func newBreaker(name string, cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[any] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "tool:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.IntervalDuration(),
		Timeout:     cfg.TimeoutDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("tool circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}
