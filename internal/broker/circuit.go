package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker so a flapping brokerage stops being
// hammered. All four calls share one breaker: order placement should not
// proceed while the order book is unreachable.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// CircuitBreakerSettings configures breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// DefaultCircuitBreakerSettings are sensible production defaults.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker wraps broker with default settings.
func NewCircuitBreakerBroker(broker Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *log.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = log.Default()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
		logger:  logger,
	}
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// PlaceOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceOrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (PlaceOrderResponse, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// GetOrderBook wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderBook(ctx context.Context) ([]BrokerOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]BrokerOrder, error) {
		return b.GetOrderBook(ctx)
	})
}

// GetPositions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.GetPositions(ctx)
	})
}

// GetLTP wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetLTP(ctx context.Context, exchange, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetLTP(ctx, exchange, symbol)
	})
}

// Ensure the decorator implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)
