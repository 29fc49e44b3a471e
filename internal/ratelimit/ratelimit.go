// Package ratelimit implements the fixed-window rate limiter of spec.md
// §4.2: one counter row per key, reset on window rollover, bounded by limit
// inside a single atomic reservation.
package ratelimit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/metrics"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter wraps RateLimitRepository.Reserve with window computation and an
// optional Redis publish on rejection, so a live dashboard can show
// rate-limit pressure without polling.
type Limiter struct {
	repo   repository.RateLimitRepository
	redis  *redis.Client // nil disables the pub/sub nudge
	logger *zap.Logger
}

func NewLimiter(repo repository.RateLimitRepository, rdb *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{repo: repo, redis: rdb, logger: logger.Named("ratelimit")}
}

// rejectionChannel is the Redis pub/sub channel a live admin dashboard can
// subscribe to for rate-limit pressure, without polling the database.
const rejectionChannel = "fleetcore:ratelimit:rejections"

// Reserve implements spec.md §4.2 exactly: window = floor(now/windowMs)*windowMs,
// insert-or-reset-or-increment-or-fail against RateLimitBucket[key].
func (l *Limiter) Reserve(ctx context.Context, key string, limit int, window time.Duration) error {
	now := time.Now()
	windowMs := window.Milliseconds()
	windowStartMs := (now.UnixMilli() / windowMs) * windowMs
	windowStart := time.UnixMilli(windowStartMs)

	allowed, _, err := l.repo.Reserve(ctx, key, windowStart, limit)
	if err != nil {
		return apierr.NewInternal(err.Error())
	}
	if allowed {
		return nil
	}

	retryAt := windowStart.Add(window)
	metrics.RateLimitRejections.WithLabelValues(endpointFromKey(key)).Inc()
	l.publishRejection(ctx, key, retryAt)
	return apierr.NewRateLimited(retryAt)
}

// endpointFromKey strips the ":<userId>" suffix from a "<endpoint>:<userId>"
// rate-limit key so the endpoint label doesn't blow up cardinality.
func endpointFromKey(key string) string {
	if idx := strings.LastIndex(key, ":"); idx != -1 {
		return key[:idx]
	}
	return key
}

func (l *Limiter) publishRejection(ctx context.Context, key string, retryAt time.Time) {
	if l.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"key": key, "retryAt": retryAt})
	if err != nil {
		return
	}
	if err := l.redis.Publish(ctx, rejectionChannel, payload).Err(); err != nil {
		l.logger.Warn("failed to publish rate-limit rejection", zap.Error(err))
	}
}
