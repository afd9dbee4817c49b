package realtime_routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	realtimeTokenApi "github.com/rapidaai/tutortalk/api/realtime-api/api/token"
	internal_auth "github.com/rapidaai/tutortalk/api/realtime-api/internal/auth"
	internal_provider "github.com/rapidaai/tutortalk/api/realtime-api/internal/provider"
	internal_ratelimit "github.com/rapidaai/tutortalk/api/realtime-api/internal/ratelimit"
	"github.com/rapidaai/tutortalk/config"
	"github.com/rapidaai/tutortalk/pkg/commons"
)

// RealtimeRoutes registers the ephemeral-credential routes on the engine.
func RealtimeRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, rdb redis.Cmdable) {
	logger.Info("RealtimeRoutes added to engine.")

	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	engine.GET("/healthz/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.Name, "version": cfg.Version})
	})

	limiter := internal_ratelimit.NewLimiter(logger, rdb)
	minter := internal_provider.NewOpenAIMinter(cfg, logger)
	tokenApi := realtimeTokenApi.New(cfg, logger, limiter, minter)

	apiv1 := engine.Group("/openai", internal_auth.RequireAuth(cfg, logger))
	{
		apiv1.POST("/realtime/token", tokenApi.MintEphemeralToken)
	}
}
