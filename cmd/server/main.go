package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmetk3436/relay/internal/config"
	"github.com/ahmetk3436/relay/internal/database"
	"github.com/ahmetk3436/relay/internal/handlers"
	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/observability"
	"github.com/ahmetk3436/relay/internal/provider"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/realtime/bus"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/ahmetk3436/relay/internal/routes"
	"github.com/ahmetk3436/relay/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
)

const drainTimeout = 15 * time.Second

func main() {
	// ─── Config ──────────────────────────────────────────────────────────
	cfg := config.Load()

	// JSON structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting Relay", "version", handlers.Version)

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	// ─── Database ────────────────────────────────────────────────────────
	if err := database.Connect(cfg); err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	db := database.DB
	metrics := observability.InitMetrics()

	// Cancelled on shutdown; every generation and title task derives from it.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// ─── Providers ───────────────────────────────────────────────────────
	gateway, err := provider.NewGatewayFromConfig(cfg)
	if err != nil {
		slog.Error("Provider setup failed", "error", err)
		os.Exit(1)
	}

	// ─── Fan-out ─────────────────────────────────────────────────────────
	hub := realtime.NewHub(metrics)
	var eventBus realtime.Bus
	if cfg.RedisAddr != "" {
		eventBus, err = bus.NewRedisBus(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			slog.Error("Redis bus connection failed", "error", err)
			os.Exit(1)
		}
		if err := hub.AttachBus(baseCtx, eventBus); err != nil {
			slog.Error("Redis bus subscribe failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Cross-instance fan-out enabled", "channel", cfg.RedisChannel)
	}

	// ─── Streaming core ──────────────────────────────────────────────────
	userRepo := repositories.NewUserRepository(db)
	convRepo := repositories.NewConversationRepository(db)

	table := inflight.NewTable(baseCtx, convRepo, cfg.GenerationTimeout, cfg.InflightGrace)
	table.Start()

	supervisor := services.NewSupervisor(baseCtx, cfg.TitleConcurrency)
	titleService := services.NewTitleService(convRepo, gateway, hub, supervisor, metrics)
	chatService := services.NewChatService(convRepo, table, hub, gateway, titleService, supervisor, metrics, cfg.DefaultModel)
	authService := services.NewAuthService(userRepo)

	// Without a bus this is the only instance, so every flag at startup is stale.
	sweeper := services.NewSweeper(convRepo, table, cfg.GenerationTimeout+cfg.InflightGrace, eventBus == nil)
	sweeper.Start()

	// ─── Handlers ───────────────────────────────────────────────────────
	authHandler := handlers.NewAuthHandler(authService, cfg.JWTSecret)
	conversationHandler := handlers.NewConversationHandler(chatService)
	socketHandler := handlers.NewChatSocketHandler(chatService, hub)
	systemHandler := handlers.NewSystemHandler(db, gateway, func() fiber.Map {
		return fiber.Map{
			"clients":     hub.ClientCount(),
			"generations": table.Len(),
		}
	})

	// ─── Fiber App ──────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      "relay v" + handlers.Version,
		ServerHeader: "relay",
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal server error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": message,
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, PATCH, OPTIONS",
	}))

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	// Security headers
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	})

	// Request logger
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/api/health" || c.Path() == "/metrics" {
			return err
		}
		slog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	})

	// ─── Routes ─────────────────────────────────────────────────────────
	routes.Setup(app, cfg, prometheus.DefaultGatherer, authHandler, conversationHandler, socketHandler, systemHandler)

	// ─── Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down Relay...")

		// Cancelling the base context finalizes in-flight generations with
		// an error before the store goes away.
		cancelBase()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := supervisor.Wait(ctx); err != nil {
			slog.Warn("Background tasks still running at shutdown", "error", err)
		}
		cancel()

		sweeper.Stop()
		table.Stop()

		if err := app.Shutdown(); err != nil {
			slog.Error("Fiber shutdown error", "error", err)
		}

		if eventBus != nil {
			eventBus.Close()
		}

		if sqlDB, err := database.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	// ─── Start ──────────────────────────────────────────────────────────
	listenAddr := ":" + cfg.Port
	slog.Info("Relay listening", "addr", listenAddr)

	if err := app.Listen(listenAddr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
