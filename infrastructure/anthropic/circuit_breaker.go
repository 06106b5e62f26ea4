package anthropic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-relay/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults for circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,                // Open after 5 consecutive failures
		SuccessThreshold: 2,                // Close after 2 successes in half-open state
		Timeout:          60 * time.Second, // Stay open for 60 seconds
		MaxRequests:      3,                // Allow max 3 requests in half-open state
	}
}

// CircuitBreakerRelay wraps a relay with circuit breaker functionality.
// It maintains one breaker per model tier for granular failure isolation.
// It never retries: an open circuit only makes the setup failure immediate.
type CircuitBreakerRelay struct {
	relay    chat.RelayPort
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mutex    sync.RWMutex
}

// NewCircuitBreakerRelay creates a new circuit breaker wrapper around a relay
func NewCircuitBreakerRelay(relay chat.RelayPort, config CircuitBreakerConfig) *CircuitBreakerRelay {
	return &CircuitBreakerRelay{
		relay:    relay,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Stream implements chat.RelayPort with circuit breaker protection
func (c *CircuitBreakerRelay) Stream(ctx context.Context, req *chat.Request, emit chat.EventHandler) error {
	if !c.config.Enabled {
		return c.relay.Stream(ctx, req, emit)
	}

	// Model selection is deterministic, so the breaker key matches the tier
	// the wrapped relay will actually call.
	model := SelectModel(req.Model, req.Messages)
	breaker := c.getOrCreateBreaker(model)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, c.relay.Stream(ctx, req, emit)
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logrus.WithFields(logrus.Fields{
				"model": model,
				"state": breaker.State(),
			}).Warn("Circuit breaker is open, failing fast")
			return fmt.Errorf("circuit breaker open for model %s: requests are being rejected to prevent cascade failures", model)
		}
		return err
	}

	return nil
}

// GetCircuitStates returns the current state of all circuit breakers for monitoring
func (c *CircuitBreakerRelay) GetCircuitStates() map[string]gobreaker.State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[string]gobreaker.State)
	for model, breaker := range c.breakers {
		states[model] = breaker.State()
	}
	return states
}

// getOrCreateBreaker gets or creates a circuit breaker for the specified model
func (c *CircuitBreakerRelay) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker {
	c.mutex.RLock()
	if breaker, exists := c.breakers[model]; exists {
		c.mutex.RUnlock()
		return breaker
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Double-check pattern: another goroutine might have created it while we waited
	if breaker, exists := c.breakers[model]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("relay-model-%s", model),
		MaxRequests: c.config.MaxRequests,
		Interval:    0, // No automatic clearing of counts (we rely on timeout)
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= c.config.FailureThreshold &&
				counts.TotalFailures >= c.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"model":      model,
				"from_state": from,
				"to_state":   to,
			}).Info("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewCircuitBreaker(settings)
	c.breakers[model] = breaker

	logrus.WithField("model", model).Info("Created new circuit breaker for model")
	return breaker
}
