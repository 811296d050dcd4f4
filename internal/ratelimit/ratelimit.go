// Package ratelimit bounds outbound provider requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter blocks until one more request is allowed or ctx is done
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process token bucket
type Local struct {
	limiter *rate.Limiter
}

// NewLocal allows perMinute requests per minute with a burst of one
// second's worth. A non-positive perMinute disables limiting.
func NewLocal(perMinute int) *Local {
	if perMinute <= 0 {
		return &Local{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return &Local{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)}
}

// Wait blocks until a token is available
func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Redis is a fixed-window limiter shared by every replica pointing at the
// same Redis instance and key.
type Redis struct {
	client *redis.Client
	key    string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedis allows limit requests per window under key
func NewRedis(client *redis.Client, key string, limit int, window time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    key,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Wait claims a slot in the current window, sleeping into the next window
// when the current one is full.
func (r *Redis) Wait(ctx context.Context) error {
	if r.limit <= 0 {
		return nil
	}
	for {
		now := r.now()
		windowStart := now.Truncate(r.window)
		key := fmt.Sprintf("%s:%d", r.key, windowStart.Unix())

		pipe := r.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*r.window)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rate limit %s: %w", r.key, err)
		}
		if incr.Val() <= r.limit {
			return nil
		}

		wait := windowStart.Add(r.window).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
