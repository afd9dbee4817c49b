// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/tutortalk/pkg/commons"
)

// Token-endpoint limits are deliberately more permissive than the general
// API limits: a live conversation re-requests credentials on reconnects and
// cutting those off mid-session would end the conversation.
const (
	DefaultLimit  = 20
	DefaultWindow = time.Minute
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds until the window resets; meaningful when !Allowed
}

// Limiter applies a per-user fixed window over redis.
type Limiter struct {
	logger commons.Logger
	rdb    redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

// NewLimiter creates a limiter with the token-endpoint defaults.
func NewLimiter(logger commons.Logger, rdb redis.Cmdable) *Limiter {
	return &Limiter{
		logger: logger,
		rdb:    rdb,
		prefix: "ratelimit:realtime:token",
		limit:  DefaultLimit,
		window: DefaultWindow,
	}
}

// Allow counts one request for userID and decides whether it may proceed.
// Redis unavailability fails open: dropping a learner's conversation over a
// limiter outage is the worse failure mode.
func (l *Limiter) Allow(ctx context.Context, userID string) Decision {
	windowStart := time.Now().Truncate(l.window)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, userID, windowStart.Unix())

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warnw("rate limiter unavailable, failing open", "error", err)
		return Decision{Allowed: true, Remaining: l.limit}
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warnw("rate limiter expire failed", "error", err)
		}
	}

	if int(count) > l.limit {
		retryAfter := int(time.Until(windowStart.Add(l.window)).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}
}
