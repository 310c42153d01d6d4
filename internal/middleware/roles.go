package middleware

// roles.go: permission checks for plain HTTP routes. RPC routes are checked by the
// registry instead; these guard the routes that bypass it, like the backup download.

import (
	"github.com/gofiber/fiber/v2"

	"github.com/trentd187/jms/internal/models"
)

// RequirePermission returns a middleware that allows only users holding at least one of
// perms (Admin holds all of them). With no perms any signed-in user passes.
//
//	app.Get("/api/v1/backup", middleware.RequirePermission(models.PermFTA), handlers.DownloadBackup(b))
//
// It must run after Auth, which is what puts the user in c.Locals.
func RequirePermission(perms ...models.Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		u, ok := User(c)
		if !ok {
			// No user: the token was missing, expired or revoked.
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "sign in required",
			})
		}
		if !u.HasAny(perms...) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "insufficient permissions",
			})
		}
		return c.Next()
	}
}
