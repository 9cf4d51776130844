package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/amirk1998/authsession/pkg/errors"
)

func TestCheckLimit_Burst(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	require.NoError(t, rl.CheckLimit("login"))
	require.NoError(t, rl.CheckLimit("login"))
	require.ErrorIs(t, rl.CheckLimit("login"), apperrors.ErrRateLimitExceeded)

	// keys are independent
	require.NoError(t, rl.CheckLimit("me"))
}

func TestWait_ContextCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.NoError(t, rl.Wait(context.Background(), "k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, rl.Wait(ctx, "k"), apperrors.ErrRateLimitExceeded)
}

func TestCleanup_DropsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(2 * time.Hour)
	rl.Allow("fresh")

	rl.Cleanup(time.Hour)
	require.Equal(t, 1, rl.Len())
}
