// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"ingest_server/pkg/logger"
)

// NewBreaker creates a circuit breaker for an external service.
// The breaker opens after 5 consecutive failures and probes again
// after 30 seconds, which keeps a flapping upstream from burning
// worker slots on calls that will not succeed.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return NewBreakerWithConfig(name, 5, 30*time.Second)
}

// NewBreakerWithConfig creates a circuit breaker with explicit thresholds.
func NewBreakerWithConfig(name string, consecutiveFailures uint32, openTimeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	})
}
