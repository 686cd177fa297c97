package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lokutor-ai/interview-coach/pkg/bot"
	"github.com/lokutor-ai/interview-coach/pkg/config"
	"github.com/lokutor-ai/interview-coach/pkg/logging"
	"github.com/lokutor-ai/interview-coach/pkg/manager"
)

const openAIRealtimeWSURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	defer zapLogger.Sync()
	logger := logging.NewZap(zapLogger)

	mgrOpts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithWebhookSecret(cfg.RecallWebhookSecret),
	}

	if cfg.RecallAPIKey != "" && cfg.WebhookBaseURL != "" {
		mgrOpts = append(mgrOpts, manager.WithBotClient(bot.New(cfg.RecallAPIKey, cfg.WebhookBaseURL)))
	} else {
		logger.Warn("server: RECALL_API_KEY or WEBHOOK_BASE_URL not set, meeting-bot requests are disabled")
	}

	if cfg.OpenAIAPIKey != "" {
		mgrOpts = append(mgrOpts, manager.WithRelayFactory(
			manager.RelayFactoryFor(openAIRealtimeWSURL, cfg.OpenAIAPIKey, cfg.RelayConnectDeadline, cfg.RelayMaxReconnect),
		))
	} else {
		logger.Warn("server: OPENAI_API_KEY not set, speech relay is disabled")
	}

	mgr := manager.New(manager.Config{
		HeartbeatInterval:     cfg.HeartbeatInterval,
		ClientTimeout:         cfg.ClientTimeout,
		RoomGrace:             cfg.RoomGrace,
		CoachingCooldown:      cfg.CoachingCooldown,
		MaxCoachingPerSession: cfg.MaxCoachingPerSession,
		CoachingConfidence:    cfg.CoachingConfidence,
	}, mgrOpts...)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", mgr.HandleWS)
	engine.POST("/api/webhooks/:bot", mgr.HandleWebhook)
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}

	go func() {
		logger.Info("server: listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server: listen failed", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("server: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server: graceful shutdown failed", "err", err)
	}
	mgr.Shutdown()
}
