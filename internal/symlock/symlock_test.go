package symlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLocalLockerExclusion(t *testing.T) {
	t.Parallel()
	l := NewLocalLocker()
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "AAPL", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, _ = l.Acquire(ctx, "AAPL", "b", time.Minute)
	if ok {
		t.Error("second owner acquired held lock")
	}
	// Same owner can re-acquire (extends the TTL).
	ok, _ = l.Acquire(ctx, "AAPL", "a", time.Minute)
	if !ok {
		t.Error("owner could not re-acquire own lock")
	}
	// Other symbols are independent.
	ok, _ = l.Acquire(ctx, "MSFT", "b", time.Minute)
	if !ok {
		t.Error("different symbol blocked")
	}
}

func TestLocalLockerReleaseOwnership(t *testing.T) {
	t.Parallel()
	l := NewLocalLocker()
	ctx := context.Background()

	_, _ = l.Acquire(ctx, "AAPL", "a", time.Minute)
	if err := l.Release(ctx, "AAPL", "b"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("release by non-owner: err = %v, want ErrNotHeld", err)
	}
	if err := l.Release(ctx, "AAPL", "a"); err != nil {
		t.Errorf("release by owner: %v", err)
	}
	ok, _ := l.Acquire(ctx, "AAPL", "b", time.Minute)
	if !ok {
		t.Error("lock not free after release")
	}
}

func TestLocalLockerTTLExpiry(t *testing.T) {
	t.Parallel()
	l := NewLocalLocker()
	ctx := context.Background()

	_, _ = l.Acquire(ctx, "AAPL", "a", 30*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	ok, _ := l.Acquire(ctx, "AAPL", "b", time.Minute)
	if !ok {
		t.Error("expired lock not reacquirable")
	}
}

func TestWithLockWaitsForHolder(t *testing.T) {
	t.Parallel()
	l := NewLocalLocker()
	ctx := context.Background()

	_, _ = l.Acquire(ctx, "AAPL", "holder", 80*time.Millisecond)

	start := time.Now()
	err := WithLock(ctx, l, "AAPL", "waiter", time.Minute, func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("WithLock did not wait for the holder's TTL")
	}
}

func TestQueueSerializesPerSymbol(t *testing.T) {
	t.Parallel()
	q := NewQueue(1, time.Millisecond, testLogger())
	ctx := context.Background()

	var mu sync.Mutex
	running := 0
	maxRunning := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(ctx, "AAPL", "op", func(context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent ops on one symbol = %d, want 1", maxRunning)
	}
}

func TestQueueRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	q := NewQueue(3, 10*time.Millisecond, testLogger())
	ctx := context.Background()

	attempts := 0
	start := time.Now()
	err := q.Do(ctx, "AAPL", "flaky", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient %d", attempts)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Backoff doubles: 10ms + 20ms.
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("elapsed %v, expected backoff of at least ~30ms", elapsed)
	}
}

func TestQueueStopsOnPermanent(t *testing.T) {
	t.Parallel()
	q := NewQueue(5, time.Millisecond, testLogger())

	cause := errors.New("qty exceeds limit")
	attempts := 0
	err := q.Do(context.Background(), "AAPL", "reject", func(context.Context) error {
		attempts++
		return Permanent(cause)
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for permanent failure", attempts)
	}
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want unwrapped cause", err)
	}
}

func TestQueueExhaustsRetries(t *testing.T) {
	t.Parallel()
	q := NewQueue(2, time.Millisecond, testLogger())

	attempts := 0
	err := q.Do(context.Background(), "AAPL", "down", func(context.Context) error {
		attempts++
		return errors.New("broker unreachable")
	})
	if err == nil {
		t.Fatal("expected failure after retries exhausted")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
