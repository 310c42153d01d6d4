package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/trentd187/jms/internal/hub"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/middleware"
	"github.com/trentd187/jms/internal/rpc"
)

// KeepAlive is how often an idle event stream gets a comment line, so proxies and the
// browser do not time it out.
const KeepAlive = 15 * time.Second

// Call handles POST /api/v1/rpc/:handler/:op. The request body is the op's JSON payload
// (empty for ops without one); the answer is {"ok":true,"data":...} or
// {"ok":false,"error":{"kind":...,"reason":...}} with a status from Status.
func Call(reg *rpc.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var payload json.RawMessage
		if body := c.Body(); len(body) > 0 {
			if !json.Valid(body) {
				return fail(c, jmserr.New(jmserr.Malformed, "request body is not JSON"))
			}
			payload = body
		}
		rep, err := reg.Dispatch(c.UserContext(), c.Params("handler"), c.Params("op"), middleware.TokenOf(c), payload)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(reply{OK: true, Data: rep})
	}
}

// Subscribe handles GET /api/v1/subscribe/:handler/:op for publish ops. The caller is
// checked against the op's access rules once, then receives the current value followed
// by every change as server-sent events until either side goes away.
//
// ctx bounds the lifetime of every stream; cancel it on shutdown.
func Subscribe(ctx context.Context, reg *rpc.Registry, h *hub.Hub, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		op, err := reg.Lookup(c.Params("handler"), c.Params("op"))
		if err != nil {
			return fail(c, err)
		}
		if op.Kind != rpc.KindPublish {
			return fail(c, jmserr.Newf(jmserr.Malformed, "%s.%s is not a publish op", op.Handler, op.Name))
		}
		caller, err := reg.Authorize(c.UserContext(), op, middleware.TokenOf(c))
		if err != nil {
			return fail(c, err)
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		topic := op.Topic()
		user := caller.User.Username
		// The writer runs after this handler returns, on fasthttp's goroutine.
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			client := hub.NewClient(topic)
			if !h.Register(ctx, client) {
				return
			}
			defer h.Unregister(ctx, client)
			logger.Debug("subscriber connected", "topic", topic, "user", user)

			keep := time.NewTicker(KeepAlive)
			defer keep.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case data, ok := <-client.Send:
					if !ok {
						logger.Debug("subscriber dropped", "topic", topic, "user", user)
						return
					}
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, data)
				case <-keep.C:
					fmt.Fprint(w, ": keep-alive\n\n")
				}
				// A failed flush means the client disconnected.
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
		return nil
	}
}

// BackupSource produces a full compressed store dump.
type BackupSource interface {
	BackupTo(ctx context.Context) ([]byte, error)
}

// DownloadBackup handles GET /api/v1/backup: the store dump as a file download.
func DownloadBackup(src BackupSource, now func() time.Time) fiber.Handler {
	return func(c *fiber.Ctx) error {
		data, err := src.BackupTo(c.UserContext())
		if err != nil {
			return fail(c, err)
		}
		name := fmt.Sprintf("jms-backup-%s.json.zst", now().UTC().Format("20060102-150405"))
		c.Set(fiber.HeaderContentType, "application/zstd")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+name+`"`)
		return c.Send(data)
	}
}
