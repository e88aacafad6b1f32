package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/services"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	commandTimeout = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Inbound actions.
const (
	ActionChooseChat        = "ChooseChat"
	ActionNewMessage        = "NewMessage"
	ActionRegenerateMessage = "RegenerateMessage"
)

var errUnknownAction = errors.New("unknown action")

// Command is one inbound websocket frame.
type Command struct {
	Action         string    `json:"action"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Model          string    `json:"model"`
	Text           string    `json:"text"`
}

type ChatSocketHandler struct {
	chat *services.ChatService
	hub  *realtime.Hub
}

func NewChatSocketHandler(chat *services.ChatService, hub *realtime.Hub) *ChatSocketHandler {
	return &ChatSocketHandler{chat: chat, hub: hub}
}

// UpgradeCheck is middleware that checks if the request is a websocket upgrade
func (h *ChatSocketHandler) UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleSocket serves one client: a writer goroutine drains the client queue
// while the read loop dispatches commands.
func (h *ChatSocketHandler) HandleSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals("user_id").(uuid.UUID)
		if !ok {
			conn.WriteJSON(realtime.ErrorEvent("unauthorized", "Unauthorized"))
			return
		}

		client := h.hub.Register(userID)
		log := slog.With("component", "ChatSocket", "client_id", client.ID, "user_id", userID)
		log.Info("Client connected")

		done := make(chan struct{})

		// queue → WebSocket. The queue also closes when the hub evicts a
		// lagging client; closing the socket then ends the read loop.
		go func() {
			defer close(done)
			defer conn.Close()
			for ev := range client.Outbound {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					log.Debug("Write failed", "error", err)
					return
				}
			}
		}()

		// WebSocket → commands
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cmd Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				h.hub.Send(client, realtime.ErrorEvent("bad_request", "Invalid command"))
				continue
			}
			h.Dispatch(client, cmd)
		}

		h.hub.Unregister(client)
		<-done
		log.Info("Client disconnected")
	})
}

// Dispatch runs a command for client. Failures go back to the caller only.
func (h *ChatSocketHandler) Dispatch(client *realtime.Client, cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Action {
	case ActionChooseChat:
		err = h.chat.ChooseChat(ctx, client, cmd.ConversationID)
	case ActionNewMessage:
		convID, ok := h.hub.Conversation(client)
		if !ok {
			err = services.ErrNoConversation
			break
		}
		err = h.chat.SendMessage(ctx, client.UserID, convID, cmd.Model, cmd.Text)
	case ActionRegenerateMessage:
		convID, ok := h.hub.Conversation(client)
		if !ok {
			err = services.ErrNoConversation
			break
		}
		err = h.chat.RegenerateMessage(ctx, client.UserID, convID, cmd.Model, cmd.MessageID)
	default:
		err = errUnknownAction
	}
	if err == nil {
		return
	}

	code := services.ErrorCode(err)
	message := err.Error()
	switch {
	case errors.Is(err, errUnknownAction):
		code = "unknown_action"
	case code == "internal":
		slog.Error("Command failed", "action", cmd.Action, "client_id", client.ID, "error", err)
		message = "Internal server error"
	}
	h.hub.Send(client, realtime.ErrorEvent(code, message))
}
