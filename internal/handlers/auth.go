package handlers

import (
	"log/slog"
	"strings"

	"github.com/ahmetk3436/relay/internal/middleware"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/services"
	"github.com/gofiber/fiber/v2"
)

type AuthHandler struct {
	auth   *services.AuthService
	secret string
}

func NewAuthHandler(auth *services.AuthService, secret string) *AuthHandler {
	return &AuthHandler{auth: auth, secret: secret}
}

type credentials struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	user, err := h.auth.Register(c.UserContext(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		return serviceError(c, err)
	}
	slog.Info("User registered", "user_id", user.ID, "username", user.Username)

	c.Status(fiber.StatusCreated)
	return h.issue(c, user)
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	user, err := h.auth.Authenticate(c.UserContext(), req.Username, req.Password)
	if err != nil {
		return serviceError(c, err)
	}
	return h.issue(c, user)
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	claims, err := middleware.ParseRefreshToken(req.RefreshToken, h.secret)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid or expired refresh token")
	}

	// The account may have been removed since the token was issued.
	user, err := h.auth.User(c.UserContext(), claims.UserID)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid or expired refresh token")
	}
	return h.issue(c, user)
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return errorJSON(c, fiber.StatusUnauthorized, "Unauthorized")
	}
	user, err := h.auth.User(c.UserContext(), userID)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(userJSON(user))
}

func (h *AuthHandler) issue(c *fiber.Ctx, user *models.User) error {
	access, refresh, err := middleware.GenerateTokens(user.ID, user.Username, user.DisplayName, h.secret)
	if err != nil {
		slog.Error("Failed to generate tokens", "error", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to generate tokens")
	}

	return c.JSON(fiber.Map{
		"access_token":  access,
		"refresh_token": refresh,
		"user":          userJSON(user),
	})
}

func userJSON(user *models.User) fiber.Map {
	return fiber.Map{
		"id":              user.ID,
		"username":        user.Username,
		"display_name":    user.DisplayName,
		"avatar_initials": buildInitials(user.DisplayName),
	}
}

// buildInitials extracts uppercase initials from a display name.
// e.g. "Ada Lovelace" -> "AL", "Ada" -> "A"
func buildInitials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "?"
	}
	var initials []rune
	for _, p := range parts {
		initials = append(initials, []rune(strings.ToUpper(p))[0])
		if len(initials) == 2 {
			break
		}
	}
	return string(initials)
}
