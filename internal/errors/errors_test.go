package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{"config", ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{"io", ErrCodeIndexIO, CategoryIO, SeverityError, false},
		{"provider", ErrCodeProviderUnavailable, CategoryProvider, SeverityWarning, true},
		{"not_found", ErrCodeKBNotFound, CategoryValidation, SeverityError, false},
		{"dimension", ErrCodeDimensionMismatch, CategoryValidation, SeverityFatal, false},
		{"corruption", ErrCodeIndexCorruption, CategoryInternal, SeverityFatal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestQuarryError_WrappingAndIs(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := ProviderUnavailable("embedding", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, New(ErrCodeProviderUnavailable, "other msg", nil)))
	assert.Equal(t, "embedding", err.Details["provider"])
	assert.True(t, IsRetryable(err))
	assert.False(t, IsNotFound(err))
}

func TestHelperPredicates(t *testing.T) {
	assert.True(t, IsNotFound(KBNotFound("kb1")))
	assert.True(t, IsFatal(DimensionMismatch(768, 384)))
	assert.True(t, IsFatal(IndexCorruption("kb1", "lexical has 3 ids, vector has 2")))
	assert.False(t, IsRetryable(DimensionMismatch(768, 384)))

	// Plain errors carry no code.
	assert.Equal(t, "", GetCode(stderrors.New("plain")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return ProviderUnavailable("embedding", stderrors.New("down"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AbortsOnNonRetryableCode(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return DimensionMismatch(768, 384)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "fatal errors must not be retried")
	assert.Equal(t, ErrCodeDimensionMismatch, GetCode(err))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("plain transient error")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryWithResult_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig()
	_, err := RetryWithResult(ctx, cfg, func() (int, error) {
		return 0, stderrors.New("never reached after cancel")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
