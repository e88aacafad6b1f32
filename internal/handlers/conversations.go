package handlers

import (
	"github.com/ahmetk3436/relay/internal/middleware"
	"github.com/ahmetk3436/relay/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type ConversationHandler struct {
	chat *services.ChatService
}

func NewConversationHandler(chat *services.ChatService) *ConversationHandler {
	return &ConversationHandler{chat: chat}
}

// scope returns the caller and, when the route has one, the :id parameter.
// On false the error response has already been written.
func scope(c *fiber.Ctx) (userID, id uuid.UUID, ok bool) {
	userID, ok = middleware.UserID(c)
	if !ok {
		errorJSON(c, fiber.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	raw := c.Params("id")
	if raw == "" {
		return userID, uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		errorJSON(c, fiber.StatusBadRequest, "Invalid conversation ID")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, id, true
}

func (h *ConversationHandler) List(c *fiber.Ctx) error {
	userID, _, ok := scope(c)
	if !ok {
		return nil
	}
	convs, err := h.chat.ListConversations(c.UserContext(), userID)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	userID, _, ok := scope(c)
	if !ok {
		return nil
	}
	conv, err := h.chat.CreateConversation(c.UserContext(), userID)
	if err != nil {
		return serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv.Summary())
}

func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	userID, id, ok := scope(c)
	if !ok {
		return nil
	}
	conv, msgs, err := h.chat.GetConversation(c.UserContext(), userID, id)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversation": conv.Summary(),
		"messages":     msgs,
	})
}

func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	userID, id, ok := scope(c)
	if !ok {
		return nil
	}
	if err := h.chat.DeleteConversation(c.UserContext(), userID, id); err != nil {
		return serviceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) Fork(c *fiber.Ctx) error {
	userID, id, ok := scope(c)
	if !ok {
		return nil
	}
	var req struct {
		MessageIndex *int `json:"message_index"`
	}
	if err := c.BodyParser(&req); err != nil || req.MessageIndex == nil {
		return errorJSON(c, fiber.StatusBadRequest, "message_index is required")
	}

	fork, err := h.chat.Fork(c.UserContext(), userID, id, *req.MessageIndex)
	if err != nil {
		return serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fork.Summary())
}
