package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleLockoutAfterMaxAttempts(t *testing.T) {
	kv, mr := newTestKV(t)
	throttle := NewThrottle(kv, ThrottleConfig{MaxAttempts: 3, WindowSeconds: 300, LockoutSeconds: 600})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		locked, retryAfter, err := throttle.RecordFailure(ctx, "Admin")
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Zero(t, retryAfter)
	}

	locked, retryAfter, err := throttle.RecordFailure(ctx, "Admin")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, 600*time.Second, retryAfter)

	// Case-insensitive subject: the lockout applies to "admin" too.
	remaining, err := throttle.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))

	// The attempt counter is dropped once the lockout trips.
	assert.False(t, mr.Exists("sretoolbox:auth:local:attempts:admin"))
	assert.True(t, mr.Exists("sretoolbox:auth:local:lockout:admin"))
}

func TestThrottleLockoutExpires(t *testing.T) {
	kv, mr := newTestKV(t)
	throttle := NewThrottle(kv, ThrottleConfig{MaxAttempts: 1, WindowSeconds: 60, LockoutSeconds: 30})
	ctx := context.Background()

	locked, _, err := throttle.RecordFailure(ctx, "admin")
	require.NoError(t, err)
	require.True(t, locked)

	mr.FastForward(31 * time.Second)

	remaining, err := throttle.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestThrottleResetClearsAttempts(t *testing.T) {
	kv, mr := newTestKV(t)
	throttle := NewThrottle(kv, ThrottleConfig{MaxAttempts: 5, WindowSeconds: 300, LockoutSeconds: 600})
	ctx := context.Background()

	_, _, err := throttle.RecordFailure(ctx, "admin")
	require.NoError(t, err)
	require.True(t, mr.Exists("sretoolbox:auth:local:attempts:admin"))

	require.NoError(t, throttle.Reset(ctx, "admin"))
	assert.False(t, mr.Exists("sretoolbox:auth:local:attempts:admin"))
}

func TestThrottleDisabledWhenAnyKnobZero(t *testing.T) {
	kv, _ := newTestKV(t)
	throttle := NewThrottle(kv, ThrottleConfig{MaxAttempts: 0, WindowSeconds: 300, LockoutSeconds: 600})
	ctx := context.Background()

	assert.False(t, throttle.Enabled())

	locked, _, err := throttle.RecordFailure(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, locked)

	remaining, err := throttle.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestDefaultThrottleConfig(t *testing.T) {
	config := DefaultThrottleConfig()
	assert.Equal(t, 5, config.MaxAttempts)
	assert.Equal(t, 300, config.WindowSeconds)
	assert.Equal(t, 600, config.LockoutSeconds)
	assert.True(t, config.Enabled())
}
