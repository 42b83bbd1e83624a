package client

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/stockorders/internal/service/grpc"
)

// RetryConfig конфигурация повторов на стороне вызывающего.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// ErrCircuitOpen возвращается, пока circuit breaker не пропускает вызовы.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Retryable сообщает, стоит ли повторять вызов. Приоритет у метаданных ErrorInfo,
// без них решение принимается по коду gRPC.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if info, ok := grpcsvc.ErrorInfoFromStatus(err); ok {
		if value, present := info.GetMetadata()["retryable"]; present {
			return value == "true"
		}
	}
	switch status.Code(err) {
	case codes.Aborted, codes.Unavailable:
		return true
	default:
		return false
	}
}

// retry выполняет fn с экспоненциальной задержкой, пока ошибка повторяемая.
func (c *Client) retry(ctx context.Context, operation, orderID string, fn func(context.Context) error) error {
	var lastErr error
	delay := c.retryCfg.InitialDelay

	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		err := c.breaker.Execute(operation, func() error { return fn(ctx) })
		if err == nil {
			if attempt > 1 {
				c.logger.WithFields(log.Fields{
					"operation": operation,
					"order_id":  orderID,
					"attempt":   attempt,
				}).Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) || !Retryable(err) {
			return err
		}
		if attempt == c.retryCfg.MaxAttempts {
			break
		}

		c.logger.WithFields(log.Fields{
			"operation": operation,
			"order_id":  orderID,
			"attempt":   attempt,
			"delay":     delay,
		}).WithError(err).Debug("operation failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return lastErr
		}
		delay = time.Duration(float64(delay) * c.retryCfg.BackoffFactor)
		if delay > c.retryCfg.MaxDelay {
			delay = c.retryCfg.MaxDelay
		}
	}

	c.logger.WithFields(log.Fields{
		"operation":    operation,
		"order_id":     orderID,
		"max_attempts": c.retryCfg.MaxAttempts,
	}).WithError(lastErr).Warn("operation failed after all retry attempts")
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CircuitBreaker размыкается после maxFailures подряд неуспешных вызовов
// и пропускает пробный вызов после resetTimeout.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// NewCircuitBreaker создаёт circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		logger:       logger,
		state:        CircuitClosed,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker. Nil-breaker просто вызывает fn.
// В счёт отказов идут только повторяемые ошибки: отказ по бизнес-правилам
// не говорит о недоступности сервиса.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if cb == nil {
		return fn()
	}

	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && Retryable(err) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
	return err
}
