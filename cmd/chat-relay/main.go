package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/database"
	"github.com/noah-isme/chatsync/internal/handler"
	"github.com/noah-isme/chatsync/internal/middleware"
	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
	"github.com/noah-isme/chatsync/internal/repository"
	"github.com/noah-isme/chatsync/internal/router"
	"github.com/noah-isme/chatsync/internal/service"
	"github.com/noah-isme/chatsync/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.ChatMessage{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	validate := utils.NewValidator()

	chatRepo := repository.NewChatRepository(db)
	chatService := service.NewChatService(chatRepo, redisClient, cfg.ChannelBase, natsConn, validate, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chatService.Start(ctx)
	logger.Info().Str("fan_out", chatService.FanOut()).Msg("chat relay fan-out configured")

	chatHandler := handler.NewChatHandler(chatService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:    &logger,
		AccessLog: cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:    chatHandler,
		MetricsHandler: observability.MetricsHandler(),
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("database", cfg.DatabaseDriver).Msg("chat relay listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger)
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
