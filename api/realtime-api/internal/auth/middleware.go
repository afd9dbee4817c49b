// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rapidaai/tutortalk/config"
	"github.com/rapidaai/tutortalk/pkg/commons"
)

const principalKey = "auth.principal"

// Principle is the authenticated caller.
type Principle struct {
	UserID string
}

// RequireAuth validates the bearer access token and attaches the principal.
func RequireAuth(cfg *config.AppConfig, logger commons.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing bearer token",
			})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(cfg.Secret), nil
		})
		if err != nil || !token.Valid {
			logger.Debugw("token validation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid access token",
			})
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "token missing subject",
			})
			return
		}

		c.Set(principalKey, Principle{UserID: subject})
		c.Next()
	}
}

// GetPrinciple returns the authenticated principal, if any.
func GetPrinciple(c *gin.Context) (Principle, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principle{}, false
	}
	p, ok := v.(Principle)
	return p, ok
}
