package symlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the queue will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Queue executes operations serially per symbol. Failures are retried
// with exponential backoff (delay doubles per attempt) unless marked
// Permanent. A circuit breaker opens after consecutive failures so a dead
// broker does not absorb every retry budget in turn.
type Queue struct {
	maxAttempts int
	baseDelay   time.Duration
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger

	mu      sync.Mutex
	serials map[string]*sync.Mutex
}

// NewQueue creates a queue. maxAttempts counts the first try; baseDelay is
// the wait before the first retry.
func NewQueue(maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "symbol-ops",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Queue{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		breaker:     breaker,
		logger:      logger.With("component", "symlock_queue"),
		serials:     make(map[string]*sync.Mutex),
	}
}

func (q *Queue) serial(symbol string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.serials[symbol]
	if !ok {
		m = &sync.Mutex{}
		q.serials[symbol] = m
	}
	return m
}

// Do runs fn under the symbol's serial mutex with retry and the circuit
// breaker. It returns the last error when every attempt fails, the
// unwrapped cause for permanent failures, and gobreaker.ErrOpenState when
// the breaker is open.
func (q *Queue) Do(ctx context.Context, symbol, name string, fn func(ctx context.Context) error) error {
	m := q.serial(symbol)
	m.Lock()
	defer m.Unlock()

	var lastErr error
	for attempt := 0; attempt < q.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := q.baseDelay << (attempt - 1)
			q.logger.Warn("retrying operation",
				"symbol", symbol, "op", name, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		_, err := q.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: %w", symbol, name, err)
		}
		if IsPermanent(err) {
			q.logger.Error("operation failed permanently",
				"symbol", symbol, "op", name, "error", err)
			var pe *permanentError
			errors.As(err, &pe)
			return pe.err
		}
		lastErr = err
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", symbol, name, q.maxAttempts, lastErr)
}
