package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEndpointFromKey(t *testing.T) {
	assert.Equal(t, "audit.append", endpointFromKey("audit.append:user-123"))
	assert.Equal(t, "no-colon-key", endpointFromKey("no-colon-key"))
}

func newLimiterTestDB(t *testing.T) *Limiter {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return NewLimiter(repository.NewRateLimitRepository(gdb), nil, zap.NewNop())
}

func TestReserve_AllowsWithinWindowThenRejects(t *testing.T) {
	l := newLimiterTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Reserve(ctx, "test.endpoint:user-1", 3, time.Minute))
	}

	err := l.Reserve(ctx, "test.endpoint:user-1", 3, time.Minute)
	require.Error(t, err)
	apiErr := apierr.As(err)
	assert.Equal(t, apierr.RateLimited, apiErr.Code)
	require.NotNil(t, apiErr.RetryAt)
	assert.True(t, apiErr.RetryAt.After(time.Now()))
}

func TestReserve_DistinctKeysAreIndependent(t *testing.T) {
	l := newLimiterTestDB(t)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "test.endpoint:user-1", 1, time.Minute))
	assert.Error(t, l.Reserve(ctx, "test.endpoint:user-1", 1, time.Minute))
	// A different key under the same limit must not be affected by user-1's
	// exhausted bucket.
	assert.NoError(t, l.Reserve(ctx, "test.endpoint:user-2", 1, time.Minute))
}
