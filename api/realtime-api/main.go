package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	realtime_routers "github.com/rapidaai/tutortalk/api/realtime-api/router"
	"github.com/rapidaai/tutortalk/config"
	"github.com/rapidaai/tutortalk/pkg/commons"
)

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("unable to read config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("invalid application config: %v", err)
	}

	logger, err := commons.NewApplicationLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("unable to create logger: %v", err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisConfig.Host, cfg.RedisConfig.Port),
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})

	engine := gin.New()
	engine.Use(gin.Recovery())
	realtime_routers.RealtimeRoutes(cfg, engine, logger, rdb)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logger.Infow("realtime token service listening", "addr", addr)
	if err := engine.Run(addr); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}
