package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmetk3436/relay/internal/database"
	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/middleware"
	"github.com/ahmetk3436/relay/internal/observability"
	"github.com/ahmetk3436/relay/internal/provider"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/ahmetk3436/relay/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "handler-test-secret"
	testTimeout = 2 * time.Second
)

type testEnv struct {
	app    *fiber.App
	hub    *realtime.Hub
	sup    *services.Supervisor
	socket *ChatSocketHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	ctx, cancel := context.WithCancel(context.Background())
	reg := prometheus.NewRegistry()
	metrics := observability.NewStreamingMetrics(reg)

	convs := repositories.NewConversationRepository(db)
	table := inflight.NewTable(ctx, convs, time.Minute, time.Minute)
	hub := realtime.NewHub(metrics)
	sup := services.NewSupervisor(ctx, 2)

	gw := provider.NewGateway("echo", "echo/title", []string{"echo/default"})
	gw.Register("echo", provider.NewEcho(0))

	titles := services.NewTitleService(convs, gw, hub, sup, metrics)
	chat := services.NewChatService(convs, table, hub, gw, titles, sup, metrics, "echo/default")
	auth := services.NewAuthService(repositories.NewUserRepository(db))

	authHandler := NewAuthHandler(auth, testSecret)
	convHandler := NewConversationHandler(chat)
	socket := NewChatSocketHandler(chat, hub)
	system := NewSystemHandler(db, gw, func() fiber.Map {
		return fiber.Map{"clients": hub.ClientCount()}
	})

	app := fiber.New()
	app.Get("/api/health", system.Health)
	app.Get("/metrics", Metrics(reg))
	app.Post("/api/auth/register", authHandler.Register)
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	api := app.Group("/api", middleware.JWTProtected(testSecret))
	api.Get("/auth/me", authHandler.Me)
	api.Get("/models", system.Models)
	api.Get("/conversations", convHandler.List)
	api.Post("/conversations", convHandler.Create)
	api.Get("/conversations/:id", convHandler.Get)
	api.Delete("/conversations/:id", convHandler.Delete)
	api.Post("/conversations/:id/fork", convHandler.Fork)

	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), testTimeout)
		defer wcancel()
		_ = sup.Wait(wctx)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &testEnv{app: app, hub: hub, sup: sup, socket: socket}
}

// call sends a JSON request and decodes the JSON response body, if any.
func (e *testEnv) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req, int(testTimeout.Milliseconds()))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

// register creates a user and returns its access token and id.
func (e *testEnv) register(t *testing.T, username string) (string, uuid.UUID) {
	t.Helper()
	status, body := e.call(t, "POST", "/api/auth/register", "", fiber.Map{
		"username": username,
		"password": "correct horse",
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	user := body["user"].(map[string]any)
	id, err := uuid.Parse(user["id"].(string))
	require.NoError(t, err)
	return body["access_token"].(string), id
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, e.sup.Wait(ctx))
}

func recvEvent(t *testing.T, c *realtime.Client) realtime.Event {
	t.Helper()
	select {
	case ev := <-c.Outbound:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

// recvConversationEvent skips user-room notifications.
func recvConversationEvent(t *testing.T, c *realtime.Client) realtime.Event {
	t.Helper()
	for {
		ev := recvEvent(t, c)
		switch ev.Event {
		case realtime.EventChatTitle, realtime.EventNewConversation, realtime.EventDeleteConversation:
			continue
		}
		return ev
	}
}
