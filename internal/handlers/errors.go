package handlers

import (
	"errors"
	"log/slog"

	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/ahmetk3436/relay/internal/services"
	"github.com/gofiber/fiber/v2"
)

func errorJSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}

// serviceError maps service sentinels onto HTTP statuses. Anything unknown
// is logged and reported as a 500 without detail.
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, services.ErrTargetMessageNotFound),
		errors.Is(err, repositories.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrNotOwner):
		return errorJSON(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrAlreadyGenerating),
		errors.Is(err, repositories.ErrUsernameTaken):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrNoConversation),
		errors.Is(err, services.ErrWeakPassword),
		errors.Is(err, services.ErrInvalidUsername):
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid credentials")
	}
	slog.Error("Request failed", "method", c.Method(), "path", c.Path(), "error", err)
	return errorJSON(c, fiber.StatusInternalServerError, "Internal server error")
}
