// Package handlers contains the HTTP route handlers of the JMS gateway. The gateway is a
// thin layer: RPC calls go to the rpc registry, subscriptions are served from the hub, and
// everything else here is liveness, readiness and the backup download.
//
// Each exported function follows the handler factory pattern: it takes its dependencies
// and returns a fiber.Handler, so nothing is kept in package-level variables.
package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck handles GET /health. It touches nothing external, so a load balancer or
// container probe only learns that the process is up and serving HTTP.
func HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Pinger is anything Ready can probe. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ready handles GET /ready: 200 when the store answers, 503 otherwise.
func Ready(store Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := store.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}
