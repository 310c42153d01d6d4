// Package middleware contains the gateway's HTTP middleware. Middleware sits between the
// HTTP server and route handlers, so it is where the operator's token is resolved once
// per request instead of in every handler.
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/trentd187/jms/internal/models"
)

// Keys of the request-scoped values set by Auth.
const (
	LocalUser  = "user"
	LocalToken = "token"
)

// Token returns the token the caller presented: the "Authorization: Bearer <token>"
// header, or the token query parameter for EventSource clients, which cannot set headers.
func Token(c *fiber.Ctx) models.MaybeToken {
	if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return models.MaybeToken(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
	}
	return models.MaybeToken(c.Query("token"))
}

// Auth returns a middleware that resolves the presented token to its user and stores
// both in c.Locals. A missing or bad token is not rejected here: many operations are
// public, and the rpc registry makes the final access decision per op. Routes that always
// need a user add RequirePermission after Auth.
func Auth(auth *models.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tok := Token(c)
		c.Locals(LocalToken, tok)
		if tok == "" {
			return c.Next()
		}
		// c.UserContext carries the request's cancellation into the store lookups.
		if u, err := tok.Auth(c.UserContext(), auth); err == nil {
			c.Locals(LocalUser, u)
		}
		return c.Next()
	}
}

// User returns the user Auth resolved for this request.
func User(c *fiber.Ctx) (models.User, bool) {
	u, ok := c.Locals(LocalUser).(models.User)
	return u, ok
}

// TokenOf returns the token Auth saw on this request.
func TokenOf(c *fiber.Ctx) models.MaybeToken {
	tok, _ := c.Locals(LocalToken).(models.MaybeToken)
	return tok
}
