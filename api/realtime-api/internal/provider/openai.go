// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/tutortalk/config"
	"github.com/rapidaai/tutortalk/pkg/commons"
)

// sessionsPath mints an ephemeral realtime session against the provider.
const sessionsPath = "/v1/realtime/sessions"

// MintRequest is the server-side view of a credential mint. Instructions are
// composed here, from the scenario/lesson context, and never travel through
// the client.
type MintRequest struct {
	Model         string
	Voice         string
	ScenarioID    string
	IsLessonBased bool
	LessonDetails string
	Level         string
}

// Minter exchanges the long-lived provider secret for short-lived session
// credentials.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (string, error)
}

type openaiMinter struct {
	cfg    *config.AppConfig
	logger commons.Logger
	client *resty.Client
}

// NewOpenAIMinter creates a minter against cfg.ProviderBase.
func NewOpenAIMinter(cfg *config.AppConfig, logger commons.Logger) Minter {
	return &openaiMinter{
		cfg:    cfg,
		logger: logger,
		client: resty.New().SetTimeout(15 * time.Second),
	}
}

type mintPayload struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (m *openaiMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	payload := mintPayload{
		Model:        req.Model,
		Voice:        req.Voice,
		Instructions: composeInstructions(req),
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetAuthToken(m.cfg.ProviderSecret).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(m.cfg.ProviderBase + sessionsPath)
	if err != nil {
		return "", fmt.Errorf("provider mint: %w", err)
	}
	if !resp.IsSuccess() {
		// The provider error body can leak key fragments on auth failures;
		// log the status only.
		m.logger.Errorw("provider mint failed", "status", resp.StatusCode())
		return "", fmt.Errorf("provider mint returned %d", resp.StatusCode())
	}

	var decoded mintResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return "", fmt.Errorf("decode mint response: %w", err)
	}
	if decoded.ClientSecret.Value == "" {
		return "", fmt.Errorf("mint response missing client secret")
	}

	m.logger.Infow("ephemeral credential minted",
		"scenario", req.ScenarioID, "expires", time.Unix(decoded.ClientSecret.ExpiresAt, 0))
	return decoded.ClientSecret.Value, nil
}

// composeInstructions builds the tutoring prompt for the session. The client
// only ever sees the resulting opaque credential.
func composeInstructions(req MintRequest) string {
	base := "You are a friendly Korean language tutor. Speak naturally, keep replies short, " +
		"and gently correct the learner's mistakes in context."

	switch req.Level {
	case "beginner":
		base += " Use simple vocabulary, speak slowly, and mix in English explanations."
	case "intermediate":
		base += " Speak mostly Korean, with English only for difficult grammar points."
	case "advanced":
		base += " Speak only Korean and challenge the learner with natural, idiomatic phrasing."
	}

	if req.IsLessonBased && req.LessonDetails != "" {
		base += " This session covers the following lesson: " + req.LessonDetails
	} else if req.ScenarioID != "" {
		base += " Role-play the scenario identified as " + req.ScenarioID + "."
	}
	return base
}
