// Package rpc is the operator-facing façade: every externally callable operation is
// registered here with its required permissions and payload types, and every call goes
// through Dispatch, which authenticates, checks permissions and validates before the
// operation runs.
//
// Operations are grouped into handlers. An endpoint op is request/reply. A publish op
// takes no request; the Publisher polls it on the handler's cadence and broadcasts the
// reply whenever it changes.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// Kind says how an op is exposed.
type Kind string

const (
	KindEndpoint Kind = "endpoint"
	KindPublish  Kind = "publish"
)

// DefaultInterval is the publish cadence of handlers that do not set one.
const DefaultInterval = 500 * time.Millisecond

// Access is who may call an op.
type Access struct {
	Public bool                // no token needed
	Perms  []models.Permission // any one suffices; empty means any signed-in user
}

// Anyone may call the op without a token.
var Anyone = Access{Public: true}

// SignedIn requires a valid token and no particular permission.
var SignedIn = Access{}

// Need requires a token whose user holds at least one of perms.
func Need(perms ...models.Permission) Access { return Access{Perms: perms} }

// Caller is the identity an op runs as. User is the zero value for public calls made
// without a token, and for publish polls.
type Caller struct {
	User  models.User
	Token models.MaybeToken
}

// Op is one registered operation.
type Op struct {
	Handler string
	Name    string
	Kind    Kind
	Access  Access
	Request reflect.Type // nil for publish ops
	Reply   reflect.Type

	run func(ctx context.Context, c Caller, raw json.RawMessage) (any, error)
}

// Topic is the bus topic and hub channel a publish op is broadcast on.
func (o *Op) Topic() string { return Topic(o.Handler, o.Name) }

// Topic names the broadcast channel of a publish op.
func Topic(handler, op string) string { return "publish." + handler + "." + op }

// Handler groups related ops under one name.
type Handler struct {
	Name     string
	Interval time.Duration

	reg *Registry
	ops []*Op
}

// Ops returns the handler's ops in registration order.
func (h *Handler) Ops() []*Op { return slices.Clone(h.ops) }

func (h *Handler) add(op *Op) {
	for _, o := range h.ops {
		if o.Name == op.Name {
			panic(fmt.Sprintf("rpc: duplicate op %s.%s", h.Name, op.Name))
		}
	}
	h.ops = append(h.ops, op)
}

func (h *Handler) op(name string) (*Op, bool) {
	for _, o := range h.ops {
		if o.Name == name {
			return o, true
		}
	}
	return nil, false
}

// Registry holds every handler and performs dispatch.
type Registry struct {
	auth     *models.Authenticator
	validate *validator.Validate
	handlers []*Handler
}

// NewRegistry returns an empty registry that authenticates with auth.
func NewRegistry(auth *models.Authenticator) *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Registry{auth: auth, validate: v}
}

// Handler returns the handler called name, creating it with the given publish cadence.
// An interval of zero uses DefaultInterval.
func (r *Registry) Handler(name string, interval time.Duration) *Handler {
	if h, ok := r.handler(name); ok {
		return h
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	h := &Handler{Name: name, Interval: interval, reg: r}
	r.handlers = append(r.handlers, h)
	return h
}

// Handlers returns every handler in registration order.
func (r *Registry) Handlers() []*Handler { return slices.Clone(r.handlers) }

func (r *Registry) handler(name string) (*Handler, bool) {
	for _, h := range r.handlers {
		if h.Name == name {
			return h, true
		}
	}
	return nil, false
}

// Lookup finds an op.
func (r *Registry) Lookup(handler, op string) (*Op, error) {
	h, ok := r.handler(handler)
	if !ok {
		return nil, jmserr.Newf(jmserr.Malformed, "unknown handler %q", handler)
	}
	o, ok := h.op(op)
	if !ok {
		return nil, jmserr.Newf(jmserr.Malformed, "unknown op %s.%s", handler, op)
	}
	return o, nil
}

// Endpoint registers a request/reply op on h.
func Endpoint[Req, Rep any](h *Handler, name string, access Access, fn func(ctx context.Context, c Caller, req Req) (Rep, error)) {
	validate := h.reg.validate
	h.add(&Op{
		Handler: h.Name,
		Name:    name,
		Kind:    KindEndpoint,
		Access:  access,
		Request: reflect.TypeFor[Req](),
		Reply:   reflect.TypeFor[Rep](),
		run: func(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
			var req Req
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &req); err != nil {
					return nil, jmserr.Wrap(jmserr.Malformed, err, "decoding "+h.Name+"."+name)
				}
			}
			if err := check(validate, req); err != nil {
				return nil, err
			}
			return fn(ctx, c, req)
		},
	})
}

// Publish registers a polled op on h.
func Publish[Rep any](h *Handler, name string, access Access, fn func(ctx context.Context) (Rep, error)) {
	h.add(&Op{
		Handler: h.Name,
		Name:    name,
		Kind:    KindPublish,
		Access:  access,
		Reply:   reflect.TypeFor[Rep](),
		run: func(ctx context.Context, _ Caller, _ json.RawMessage) (any, error) {
			return fn(ctx)
		},
	})
}

// check runs struct validation on struct payloads; other payload types pass.
func check(v *validator.Validate, req any) error {
	t := reflect.TypeOf(req)
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		if reflect.ValueOf(req).IsNil() {
			return nil
		}
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	err := v.Struct(req)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
		}
		return jmserr.New(jmserr.Malformed, strings.Join(msgs, "; "))
	}
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "validating request")
	}
	return nil
}

// Authorize resolves token and checks it against the op's access rules. A public op
// still resolves a presented token so the op can see who called.
func (r *Registry) Authorize(ctx context.Context, op *Op, token models.MaybeToken) (Caller, error) {
	c := Caller{Token: token}
	if op.Access.Public {
		if token != "" {
			if u, err := token.Auth(ctx, r.auth); err == nil {
				c.User = u
			}
		}
		return c, nil
	}
	u, err := token.Auth(ctx, r.auth)
	if err != nil {
		return c, err
	}
	if !u.HasAny(op.Access.Perms...) {
		return c, jmserr.Newf(jmserr.PermissionDenied, "%s.%s needs one of %v", op.Handler, op.Name, op.Access.Perms)
	}
	c.User = u
	return c, nil
}

// Dispatch runs handler.op for the holder of token with the JSON payload. Nothing runs
// until the caller is authenticated, authorised and the payload validated.
func (r *Registry) Dispatch(ctx context.Context, handler, op string, token models.MaybeToken, payload json.RawMessage) (any, error) {
	o, err := r.Lookup(handler, op)
	if err != nil {
		return nil, err
	}
	c, err := r.Authorize(ctx, o, token)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, c, payload)
}

// poll runs a publish op as the system.
func (o *Op) poll(ctx context.Context) (any, error) {
	return o.run(ctx, Caller{}, nil)
}
