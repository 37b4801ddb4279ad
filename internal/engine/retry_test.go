package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: host unreachable" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"invalid transition", schema.NewError(schema.ErrCodeInvalidTransition, "bad"), false},
		{"timeout error", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"store error", schema.NewError(schema.ErrCodeStore, "db"), true},
		{"net error", fakeNetError{}, true},
		{"connection refused", errors.New("connect: connection refused"), true},
		{"service unavailable", errors.New("503 Service Unavailable"), true},
		{"generic error defaults retryable", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff_NilPolicyUsesDefault(t *testing.T) {
	assert.Equal(t, 2*time.Second, ComputeBackoff(nil, 1, 2*time.Second))
	assert.Equal(t, 2*time.Second, ComputeBackoff(nil, 5, 2*time.Second))
}

func TestComputeBackoff_None(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "none", Delay: "1s"}
	assert.Equal(t, time.Duration(0), ComputeBackoff(policy, 1, time.Second))
}

func TestComputeBackoff_Constant(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "constant", Delay: "500ms"}
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(policy, 1, time.Second))
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(policy, 4, time.Second))
}

func TestComputeBackoff_Linear(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "linear", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 1, time.Second))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(policy, 3, time.Second))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "exponential", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 1, time.Second))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 2, time.Second))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(policy, 3, time.Second))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "2s"}
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 5, time.Second))
}

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
