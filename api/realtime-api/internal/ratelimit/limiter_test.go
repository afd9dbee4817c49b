// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/tutortalk/pkg/commons"
)

const keyPattern = `ratelimit:realtime:token:u1:\d+`

func newTestLimiter(t *testing.T) (*Limiter, redismock.ClientMock) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	rdb, mock := redismock.NewClientMock()
	return NewLimiter(logger, rdb), mock
}

func TestAllow_FirstRequestSetsExpiry(t *testing.T) {
	l, mock := newTestLimiter(t)

	mock.Regexp().ExpectIncr(keyPattern).SetVal(1)
	mock.Regexp().ExpectExpire(keyPattern, DefaultWindow).SetVal(true)

	d := l.Allow(context.Background(), "u1")
	assert.True(t, d.Allowed)
	assert.Equal(t, DefaultLimit-1, d.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_UnderLimit(t *testing.T) {
	l, mock := newTestLimiter(t)
	mock.Regexp().ExpectIncr(keyPattern).SetVal(int64(DefaultLimit))

	d := l.Allow(context.Background(), "u1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestAllow_OverLimit(t *testing.T) {
	l, mock := newTestLimiter(t)
	mock.Regexp().ExpectIncr(keyPattern).SetVal(int64(DefaultLimit + 1))

	d := l.Allow(context.Background(), "u1")
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, 1)
	assert.LessOrEqual(t, d.RetryAfter, int(DefaultWindow.Seconds()))
}

func TestAllow_RedisDownFailsOpen(t *testing.T) {
	l, mock := newTestLimiter(t)
	mock.Regexp().ExpectIncr(keyPattern).SetErr(errors.New("connection refused"))

	d := l.Allow(context.Background(), "u1")
	assert.True(t, d.Allowed, "limiter outage must not cut off conversations")
}
