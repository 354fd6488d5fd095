package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeFetchNetwork, "connection refused")

	if err.Code != ErrCodeFetchNetwork {
		t.Errorf("expected code %s, got %s", ErrCodeFetchNetwork, err.Code)
	}
	if err.Category != CategoryFetch {
		t.Errorf("expected category %s, got %s", CategoryFetch, err.Category)
	}
	if !err.Retryable {
		t.Error("network errors should be retryable by default")
	}
	if err.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *CacheError
		want string
	}{
		{
			name: "code and message only",
			err:  New(ErrCodeCacheRead, "boom"),
			want: "CACHE_READ: boom",
		},
		{
			name: "with component",
			err:  New(ErrCodeCacheRead, "boom").WithComponent("store"),
			want: "[store] CACHE_READ: boom",
		},
		{
			name: "with component and operation",
			err:  New(ErrCodeCacheRead, "boom").WithComponent("store").WithOperation("get"),
			want: "[store:get] CACHE_READ: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIs_MatchesByCode(t *testing.T) {
	err := New(ErrCodeFetchCanceled, "task canceled").WithComponent("preload")

	if !errors.Is(err, New(ErrCodeFetchCanceled, "")) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(err, New(ErrCodeFetchTimeout, "")) {
		t.Error("errors with different codes should not match")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	err := New(ErrCodeCacheWrite, "put failed").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeCacheRead, CategoryCache},
		{ErrCodeCacheCorrupt, CategoryCache},
		{ErrCodeFetchRemote, CategoryFetch},
		{ErrCodeFetchCanceled, CategoryFetch},
		{ErrCodeNotStarted, CategoryState},
		{ErrCodeShutdown, CategoryState},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.want {
			t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestIsCanceled(t *testing.T) {
	if !IsCanceled(New(ErrCodeFetchCanceled, "canceled")) {
		t.Error("expected canceled error to be detected")
	}
	if IsCanceled(New(ErrCodeFetchNetwork, "refused")) {
		t.Error("network error is not a cancellation")
	}
	if IsCanceled(fmt.Errorf("plain error")) {
		t.Error("plain errors are not cancellations")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrCodeFetchRemote, "500")); got != ErrCodeFetchRemote {
		t.Errorf("CodeOf = %s, want %s", got, ErrCodeFetchRemote)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrCodeInternal)
	}

	// Wrapped structured errors still resolve.
	wrapped := fmt.Errorf("context: %w", New(ErrCodeFetchTimeout, "deadline"))
	if got := CodeOf(wrapped); got != ErrCodeFetchTimeout {
		t.Errorf("CodeOf(wrapped) = %s, want %s", got, ErrCodeFetchTimeout)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(ErrCodeFetchTimeout, "slow")) {
		t.Error("timeouts should be retryable")
	}
	if IsRetryable(New(ErrCodeFetchRemote, "bad request").WithHTTPStatus(400)) {
		t.Error("remote errors should not be retryable by default")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}
