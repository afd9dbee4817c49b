// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package realtime_token_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	internal_auth "github.com/rapidaai/tutortalk/api/realtime-api/internal/auth"
	internal_provider "github.com/rapidaai/tutortalk/api/realtime-api/internal/provider"
	internal_ratelimit "github.com/rapidaai/tutortalk/api/realtime-api/internal/ratelimit"
	"github.com/rapidaai/tutortalk/config"
	"github.com/rapidaai/tutortalk/pkg/commons"
)

// TokenApi serves ephemeral credential minting for realtime conversations.
type TokenApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	limiter *internal_ratelimit.Limiter
	minter  internal_provider.Minter
}

// New creates the token API.
func New(cfg *config.AppConfig, logger commons.Logger, limiter *internal_ratelimit.Limiter, minter internal_provider.Minter) *TokenApi {
	return &TokenApi{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		minter:  minter,
	}
}

type mintRequest struct {
	Model         string                 `json:"model"`
	Voice         string                 `json:"voice"`
	ScenarioID    string                 `json:"scenarioId"`
	IsScenario    bool                   `json:"isScenarioBased"`
	IsLessonBased bool                   `json:"isLessonBased"`
	LessonDetails string                 `json:"lessonDetails"`
	Level         string                 `json:"level" binding:"required,oneof=beginner intermediate advanced"`
	User          map[string]interface{} `json:"user"`
}

// MintEphemeralToken handles POST /openai/realtime/token.
//
// @Router /openai/realtime/token [post]
// @Summary Mint a short-lived realtime credential
// @Description Exchanges the caller's access token for an ephemeral realtime key
// @Produce json
// @Success 200 {object} gin.H
// @Failure 401 {object} gin.H
// @Failure 429 {object} gin.H
func (api *TokenApi) MintEphemeralToken(c *gin.Context) {
	principle, ok := internal_auth.GetPrinciple(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
		return
	}

	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	decision := api.limiter.Allow(c.Request.Context(), principle.UserID)
	if !decision.Allowed {
		api.logger.Warnw("token mint rate limited", "user", principle.UserID,
			"retryAfter", decision.RetryAfter)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success":    false,
			"error":      "too many token requests",
			"retryAfter": decision.RetryAfter,
		})
		return
	}

	model := req.Model
	if model == "" {
		model = api.cfg.Model
	}
	voice := req.Voice
	if voice == "" {
		voice = api.cfg.Voice
	}

	key, err := api.minter.Mint(c.Request.Context(), internal_provider.MintRequest{
		Model:         model,
		Voice:         voice,
		ScenarioID:    req.ScenarioID,
		IsLessonBased: req.IsLessonBased,
		LessonDetails: req.LessonDetails,
		Level:         req.Level,
	})
	if err != nil {
		api.logger.Errorw("credential mint failed", "user", principle.UserID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "credential mint failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"ephemeralKey": key},
	})
}
