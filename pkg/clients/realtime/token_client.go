// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package realtime_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rapidaai/tutortalk/pkg/commons"
)

const (
	// TokenPath is the backend route that mints ephemeral credentials.
	TokenPath = "/openai/realtime/token"

	maxRetries        = 3
	baseBackoff       = 1000 * time.Millisecond
	maxBackoffPerWait = 30 * time.Second
	maxRetryAfter     = 5 * time.Minute
)

var (
	// ErrAlreadyConnected is returned to callers that piggybacked on a
	// concurrent token fetch whose winner already brought the connection up.
	ErrAlreadyConnected = errors.New("connection already established")

	// ErrRetriesExhausted is returned once the 429 retry budget is spent.
	ErrRetriesExhausted = errors.New("token request retries exhausted")
)

// TokenRequest carries the session context the backend needs to mint a
// credential. Scenario and lesson instructions are resolved server-side.
type TokenRequest struct {
	Model         string                 `json:"model"`
	Voice         string                 `json:"voice"`
	ScenarioID    string                 `json:"scenarioId"`
	IsScenario    bool                   `json:"isScenarioBased"`
	IsLessonBased bool                   `json:"isLessonBased"`
	LessonDetails string                 `json:"lessonDetails,omitempty"`
	Level         string                 `json:"level"`
	User          map[string]interface{} `json:"user,omitempty"`
}

// Credential is the short-lived bearer token for the realtime peer endpoint.
type Credential struct {
	EphemeralKey string
}

// tokenResponse accepts both the canonical and the legacy response shapes.
type tokenResponse struct {
	Success bool `json:"success"`
	Data    struct {
		EphemeralKey string `json:"ephemeralKey"`
	} `json:"data"`
	Token      string `json:"token"`
	RetryAfter int    `json:"retryAfter"`
	Error      string `json:"error"`
}

// TokenBroker fetches ephemeral credentials from the app backend with bounded
// retry and concurrent-call deduplication.
type TokenBroker struct {
	logger      commons.Logger
	client      *resty.Client
	apiBase     string
	accessToken func(ctx context.Context) (string, error)
	isConnected func() bool
	group       singleflight.Group
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewTokenBroker creates a broker against apiBase. accessToken supplies the
// caller's bearer token; isConnected reports whether a live session already
// exists (used to abort piggybacked fetches).
func NewTokenBroker(
	logger commons.Logger,
	apiBase string,
	accessToken func(ctx context.Context) (string, error),
	isConnected func() bool,
) *TokenBroker {
	return &TokenBroker{
		logger:      logger,
		client:      resty.New().SetTimeout(30 * time.Second),
		apiBase:     apiBase,
		accessToken: accessToken,
		isConnected: isConnected,
		sleep:       sleepCtx,
	}
}

// GetEphemeralToken obtains a credential for one session attempt. Concurrent
// callers share a single in-flight request; a caller that joined a flight
// whose winner already established the connection gets ErrAlreadyConnected.
func (b *TokenBroker) GetEphemeralToken(ctx context.Context, req TokenRequest) (*Credential, error) {
	v, err, shared := b.group.Do(TokenPath, func() (interface{}, error) {
		return b.fetch(ctx, req)
	})
	if shared && b.isConnected != nil && b.isConnected() {
		return nil, ErrAlreadyConnected
	}
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (b *TokenBroker) fetch(ctx context.Context, req TokenRequest) (*Credential, error) {
	bearer, err := b.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve access token: %w", err)
	}

	for attempt := 0; ; attempt++ {
		resp, err := b.client.R().
			SetContext(ctx).
			SetAuthToken(bearer).
			SetHeader("Content-Type", "application/json").
			SetBody(req).
			Post(b.apiBase + TokenPath)
		if err != nil {
			return nil, fmt.Errorf("token request: %w", err)
		}

		if resp.StatusCode() == http.StatusTooManyRequests {
			if attempt >= maxRetries {
				return nil, ErrRetriesExhausted
			}
			wait := b.backoffFor(attempt, resp.Body())
			b.logger.Warnw("token endpoint rate limited, backing off",
				"attempt", attempt+1, "wait", wait.String())
			if err := b.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if !resp.IsSuccess() {
			return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode(), resp.String())
		}

		return parseCredential(resp.Body())
	}
}

// backoffFor honors a server-supplied retryAfter (seconds, capped at 5 min)
// and otherwise doubles from the base, capped per wait at 30 s.
func (b *TokenBroker) backoffFor(attempt int, body []byte) time.Duration {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err == nil && tr.RetryAfter > 0 {
		wait := time.Duration(tr.RetryAfter) * time.Second
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		return wait
	}
	wait := baseBackoff << attempt
	if wait > maxBackoffPerWait {
		wait = maxBackoffPerWait
	}
	return wait
}

func parseCredential(body []byte) (*Credential, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Data.EphemeralKey != "" {
		return &Credential{EphemeralKey: tr.Data.EphemeralKey}, nil
	}
	// Legacy shape kept for older backend deployments.
	if tr.Token != "" {
		return &Credential{EphemeralKey: tr.Token}, nil
	}
	return nil, errors.New("token response missing ephemeral key")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
