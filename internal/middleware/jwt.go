package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const userIDLocal = "user_id"

// TokenVerifier extracts the user id from an access token.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserChecker confirms the token subject still exists.
type UserChecker interface {
	Exists(ctx context.Context, userID string) error
}

// JWTAuth validates bearer tokens and stores the user id in c.Locals("user_id").
func JWTAuth(tokens TokenVerifier, users UserChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		sub, err := tokens.Verify(strings.TrimSpace(authz[len("bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if err := users.Exists(c.UserContext(), sub); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "token invalidated")
		}

		c.Locals(userIDLocal, sub)
		return c.Next()
	}
}
