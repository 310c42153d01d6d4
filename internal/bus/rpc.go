package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trentd187/jms/internal/jmserr"
)

var (
	rpcCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_rpc_calls_total",
		Help: "RPC calls issued, by service, op and result kind",
	}, []string{"service", "op", "result"})

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jms_rpc_call_duration_seconds",
		Help:    "Round-trip time of RPC calls",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"service", "op"})

	rpcHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_rpc_handled_total",
		Help: "RPC requests served, by service, op and result kind",
	}, []string{"service", "op", "result"})
)

var tracer = otel.Tracer("github.com/trentd187/jms/internal/bus")

// Request is the envelope of an RPC request.
type Request struct {
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the request payload into v. An empty payload leaves v untouched.
func (r Request) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "decoding request")
	}
	return nil
}

type replyEnvelope struct {
	OK    bool            `json:"ok"`
	Error *jmserr.Wire    `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoutingKey joins a service and op into the key requests are published with.
func RoutingKey(service, op string) string { return service + "." + op }

type callOptions struct {
	token   string
	timeout time.Duration
}

// CallOption adjusts a single Call.
type CallOption func(*callOptions)

// WithToken attaches an authentication token to the request.
func WithToken(token string) CallOption { return func(o *callOptions) { o.token = token } }

// WithTimeout overrides the call timeout.
func WithTimeout(d time.Duration) CallOption { return func(o *callOptions) { o.timeout = d } }

// Call invokes op on service and decodes the reply into reply (which may be nil).
// Domain errors raised by the remote handler come back as the same *jmserr.Error kind.
// A call that gets no reply within the timeout fails with RpcTimeout.
func (b *Bus) Call(ctx context.Context, service, op string, req, reply any, opts ...CallOption) (err error) {
	o := callOptions{timeout: b.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "rpc.call "+RoutingKey(service, op), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("rpc.service", service), attribute.String("rpc.method", op))
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(jmserr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		rpcCalls.WithLabelValues(service, op, result).Inc()
		rpcDuration.WithLabelValues(service, op).Observe(time.Since(start).Seconds())
		span.End()
	}()

	if err := b.ensureReplyQueue(); err != nil {
		return err
	}

	var data json.RawMessage
	if req != nil {
		if data, err = json.Marshal(req); err != nil {
			return jmserr.Wrap(jmserr.Malformed, err, "encoding request")
		}
	}
	body, err := json.Marshal(Request{Token: o.token, Data: data})
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "encoding request")
	}

	corr := uuid.NewString()
	ch := make(chan replyEnvelope, 1)
	b.mu.Lock()
	b.pending[corr] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, corr)
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	out := Outgoing{Body: body, CorrelationID: corr, ReplyTo: b.replyQueue}
	if err := b.broker.Publish(ctx, ExchangeRPC, RoutingKey(service, op), out); err != nil {
		return busError(err, "calling "+RoutingKey(service, op))
	}

	select {
	case rep := <-ch:
		if !rep.OK {
			if rep.Error == nil {
				return jmserr.Newf(jmserr.Malformed, "%s failed without an error", RoutingKey(service, op))
			}
			return jmserr.FromWire(*rep.Error)
		}
		if reply != nil && len(rep.Data) > 0 {
			if err := json.Unmarshal(rep.Data, reply); err != nil {
				return jmserr.Wrap(jmserr.Malformed, err, "decoding reply of "+RoutingKey(service, op))
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return jmserr.Newf(jmserr.RpcTimeout, "%s after %s", RoutingKey(service, op), o.timeout)
		}
		return jmserr.Wrap(jmserr.CancellationRequested, ctx.Err(), RoutingKey(service, op))
	}
}

// ensureReplyQueue lazily declares this process's reply queue and starts routing replies
// to waiting callers.
func (b *Bus) ensureReplyQueue() error {
	b.replyOnce.Do(func() {
		name := "rpc.reply." + b.name + "." + uuid.NewString()
		deliveries, err := b.broker.Consume(b.ctx, QueueSpec{
			Name:       name,
			Exclusive:  true,
			AutoDelete: true,
			Consumer:   b.name,
			Prefetch:   256,
		})
		if err != nil {
			b.replyErr = busError(err, "declaring reply queue")
			return
		}
		b.replyQueue = name
		go func() {
			for d := range deliveries {
				_ = d.Ack()
				var rep replyEnvelope
				if err := json.Unmarshal(d.Body, &rep); err != nil {
					b.logger.Error("malformed rpc reply", "error", err)
					continue
				}
				b.mu.Lock()
				ch, ok := b.pending[d.CorrelationID]
				b.mu.Unlock()
				if !ok {
					// Late reply for a call that already timed out.
					continue
				}
				ch <- rep
			}
		}()
	})
	return b.replyErr
}

// HandlerFunc serves one RPC op.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// FallbackFunc serves ops without a dedicated route; op is the routing key minus the
// service prefix.
type FallbackFunc func(ctx context.Context, op string, req Request) (any, error)

// Mux routes ops of one service to handlers.
type Mux struct {
	routes   map[string]HandlerFunc
	fallback FallbackFunc
}

// NewMux returns an empty Mux.
func NewMux() *Mux { return &Mux{routes: make(map[string]HandlerFunc)} }

// HandleFunc registers h for op. Registering an op twice panics.
func (m *Mux) HandleFunc(op string, h HandlerFunc) {
	if _, exists := m.routes[op]; exists {
		panic(fmt.Sprintf("bus.Mux: duplicate handler for op %q", op))
	}
	m.routes[op] = h
}

// Fallback registers the handler for unrouted ops.
func (m *Mux) Fallback(f FallbackFunc) { m.fallback = f }

// Handle registers a typed handler: the payload is decoded into Req and the result
// encoded as the reply.
func Handle[Req, Rep any](m *Mux, op string, fn func(ctx context.Context, req Req) (Rep, error)) {
	m.HandleFunc(op, func(ctx context.Context, r Request) (any, error) {
		var req Req
		if err := r.Decode(&req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

func (m *Mux) dispatch(ctx context.Context, op string, req Request) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = jmserr.Newf(jmserr.Malformed, "handler %s panicked: %v", op, p)
		}
	}()
	if h, ok := m.routes[op]; ok {
		return h(ctx, req)
	}
	if m.fallback != nil {
		return m.fallback(ctx, op, req)
	}
	return nil, jmserr.Newf(jmserr.Malformed, "unknown op %q", op)
}

// Serve answers requests for service until ctx is cancelled. Requests are handled one
// at a time in arrival order, so replies leave in call order.
func (b *Bus) Serve(ctx context.Context, service string, mux *Mux) error {
	wait, err := b.ServeAsync(ctx, service, mux)
	if err != nil {
		return err
	}
	return wait()
}

// ServeAsync declares the service queue synchronously, then serves in the background.
// The returned wait function blocks until serving stops.
func (b *Bus) ServeAsync(ctx context.Context, service string, mux *Mux) (wait func() error, err error) {
	deliveries, err := b.broker.Consume(ctx, QueueSpec{
		Name:     "rpc." + service,
		Exchange: ExchangeRPC,
		Keys:     []string{service + ".#"},
		Consumer: b.name,
		Prefetch: 1,
	})
	if err != nil {
		return nil, busError(err, "serving "+service)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deliveries {
			b.serveOne(ctx, service, mux, d)
		}
	}()
	b.logger.Info("rpc service listening", "rpc_service", service)

	return func() error {
		<-done
		return nil
	}, nil
}

func (b *Bus) serveOne(ctx context.Context, service string, mux *Mux, d Delivery) {
	op := strings.TrimPrefix(d.RoutingKey, service+".")
	ctx, span := tracer.Start(ctx, "rpc.serve "+d.RoutingKey, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req Request
	rep := replyEnvelope{OK: true}
	result := "ok"
	if err := json.Unmarshal(d.Body, &req); err != nil {
		w := jmserr.ToWire(jmserr.Wrap(jmserr.Malformed, err, "decoding request envelope"))
		rep = replyEnvelope{Error: &w}
	} else if res, err := mux.dispatch(ctx, op, req); err != nil {
		w := jmserr.ToWire(err)
		rep = replyEnvelope{Error: &w}
		if !jmserr.Domain(err) {
			b.logger.Warn("rpc handler failed", "op", d.RoutingKey, "error", err)
		}
	} else if res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			w := jmserr.ToWire(jmserr.Wrap(jmserr.Malformed, err, "encoding reply"))
			rep = replyEnvelope{Error: &w}
		} else {
			rep.Data = data
		}
	}
	if rep.Error != nil {
		result = string(rep.Error.Kind)
		span.SetStatus(codes.Error, rep.Error.Reason)
	}
	rpcHandled.WithLabelValues(service, op, result).Inc()

	if d.ReplyTo != "" {
		body, _ := json.Marshal(rep)
		if err := b.broker.Publish(ctx, DefaultExchange, d.ReplyTo, Outgoing{Body: body, CorrelationID: d.CorrelationID}); err != nil {
			b.logger.Warn("rpc reply failed", "op", d.RoutingKey, "error", err)
		}
	}
	_ = d.Ack()
}
