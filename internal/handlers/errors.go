package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/trentd187/jms/internal/jmserr"
)

// Status maps an error kind to the HTTP status the gateway answers with.
func Status(err error) int {
	switch jmserr.KindOf(err) {
	case jmserr.Malformed:
		return fiber.StatusBadRequest
	case jmserr.Unauthenticated:
		return fiber.StatusUnauthorized
	case jmserr.PermissionDenied:
		return fiber.StatusForbidden
	case jmserr.IllegalStateChange, jmserr.MatchNotLoaded, jmserr.PlayoffError, jmserr.CancellationRequested:
		return fiber.StatusConflict
	case jmserr.LockContention:
		return fiber.StatusLocked
	case jmserr.RpcTimeout:
		return fiber.StatusGatewayTimeout
	case jmserr.StoreUnavailable, jmserr.BusUnavailable:
		return fiber.StatusServiceUnavailable
	case jmserr.PublishRejected:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// reply is the HTTP body of every RPC answer. It has the same shape as the bus reply
// envelope, so a client decodes both the same way.
type reply struct {
	OK    bool         `json:"ok"`
	Error *jmserr.Wire `json:"error,omitempty"`
	Data  any          `json:"data,omitempty"`
}

func fail(c *fiber.Ctx, err error) error {
	w := jmserr.ToWire(err)
	return c.Status(Status(err)).JSON(reply{Error: &w})
}
