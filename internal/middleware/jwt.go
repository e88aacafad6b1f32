package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 7 * 24 * time.Hour

	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

var ErrWrongTokenType = errors.New("wrong token type")

type Claims struct {
	UserID      uuid.UUID `json:"uid"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	TokenType   string    `json:"typ"`
	jwt.RegisteredClaims
}

func GenerateTokens(userID uuid.UUID, username, displayName, secret string) (string, string, error) {
	access, err := sign(userID, username, displayName, tokenAccess, accessTTL, secret)
	if err != nil {
		return "", "", err
	}
	refresh, err := sign(userID, username, displayName, tokenRefresh, refreshTTL, secret)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func sign(userID uuid.UUID, username, displayName, typ string, ttl time.Duration, secret string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		TokenType:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseRefreshToken validates a refresh token and returns its claims.
func ParseRefreshToken(tokenStr, secret string) (*Claims, error) {
	return parse(tokenStr, secret, tokenRefresh)
}

func parse(tokenStr, secret, typ string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.TokenType != typ {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// JWTProtected accepts a bearer token, or an access_token query parameter
// for websocket upgrades where browsers cannot set headers.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := c.Query("access_token")
		if tokenStr == "" {
			auth := c.Get("Authorization")
			if auth == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error":   true,
					"message": "Missing authorization header",
				})
			}
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
			if tokenStr == auth {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error":   true,
					"message": "Invalid authorization format",
				})
			}
		}

		claims, err := parse(tokenStr, secret, tokenAccess)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   true,
				"message": "Invalid or expired token",
			})
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("username", claims.Username)
		c.Locals("display_name", claims.DisplayName)
		return c.Next()
	}
}

// UserID returns the authenticated user set by JWTProtected.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals("user_id").(uuid.UUID)
	return id, ok && id != uuid.Nil
}
