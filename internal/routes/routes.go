package routes

import (
	"github.com/ahmetk3436/relay/internal/config"
	"github.com/ahmetk3436/relay/internal/handlers"
	"github.com/ahmetk3436/relay/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	gatherer prometheus.Gatherer,
	authHandler *handlers.AuthHandler,
	conversationHandler *handlers.ConversationHandler,
	socketHandler *handlers.ChatSocketHandler,
	systemHandler *handlers.SystemHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)
	app.Get("/metrics", handlers.Metrics(gatherer))

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/register", authHandler.Register)
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	api.Get("/auth/me", authHandler.Me)
	api.Get("/models", systemHandler.Models)

	// Conversations
	api.Get("/conversations", conversationHandler.List)
	api.Post("/conversations", conversationHandler.Create)
	api.Get("/conversations/:id", conversationHandler.Get)
	api.Delete("/conversations/:id", conversationHandler.Delete)
	api.Post("/conversations/:id/fork", conversationHandler.Fork)

	// Chat (WebSocket)
	api.Use("/ws", socketHandler.UpgradeCheck())
	api.Get("/ws", socketHandler.HandleSocket())
}
