package retry

import (
	"context"
	"testing"
	"time"

	"github.com/socaya/dhis2cache/pkg/errors"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	r := New(DefaultConfig())

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesNetworkErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = false
	r := New(cfg)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeFetchNetwork, "connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_DoesNotRetryRemoteErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	r := New(cfg)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeFetchRemote, "400 bad request").WithHTTPStatus(400)
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("remote errors must not retry; got %d calls", calls)
	}
}

func TestDo_DoesNotRetryCancellation(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		// Even an explicitly retryable code list must not override cancellation.
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeFetchCanceled},
	}
	r := New(cfg)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeFetchCanceled, "canceled")
	})

	if !errors.IsCanceled(err) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("cancellation must not retry; got %d calls", calls)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = time.Hour // Would block without cancellation
	cfg.Jitter = false
	r := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(ctx context.Context) error {
			return errors.New(errors.ErrCodeFetchNetwork, "refused")
		})
	}()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from canceled context")
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 4
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = false

	var retries []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}
	r := New(cfg)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeFetchTimeout, "deadline exceeded")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if len(retries) != 3 {
		t.Errorf("expected 3 retry callbacks, got %d", len(retries))
	}
}

func TestDelayFor_Backoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxDelay = 500 * time.Millisecond
	cfg.Multiplier = 2.0
	cfg.Jitter = false
	r := New(cfg)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped at MaxDelay
	}

	for _, tt := range tests {
		if got := r.delayFor(tt.attempt); got != tt.want {
			t.Errorf("delayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
