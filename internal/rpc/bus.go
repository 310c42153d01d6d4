package rpc

import (
	"context"
	"strings"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// ServiceName is the bus service the façade answers on. Ops are routed as
// "core.<handler>.<op>".
const ServiceName = "core"

// Mux serves every registered op over the bus.
func (r *Registry) Mux() *bus.Mux {
	mux := bus.NewMux()
	mux.Fallback(func(ctx context.Context, op string, req bus.Request) (any, error) {
		handler, name, ok := strings.Cut(op, ".")
		if !ok {
			return nil, jmserr.Newf(jmserr.Malformed, "op %q is not <handler>.<op>", op)
		}
		return r.Dispatch(ctx, handler, name, models.MaybeToken(req.Token), req.Data)
	})
	return mux
}

// Client calls the façade over the bus.
type Client struct {
	Bus   *bus.Bus
	Token string
}

// Call invokes handler.op with req and decodes the reply into rep.
func (c Client) Call(ctx context.Context, handler, op string, req, rep any) error {
	return c.Bus.Call(ctx, ServiceName, handler+"."+op, req, rep, bus.WithToken(c.Token))
}
