// Package bus is the message-queue layer JMS services use to call each other and to
// fan out events.
//
// Two exchanges carry all traffic:
//   - "jms.rpc"   request/reply calls, routing key "<service>.<op>"
//   - "jms.topic" pub/sub events such as "arena.match.tick" or "arena.scores.publish"
//
// Replies travel over the default exchange straight to the caller's private reply queue.
// The Broker interface hides the wire: AMQPBroker talks to RabbitMQ, and the bustest
// package provides an in-memory broker with the same routing rules for tests.
package bus

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trentd187/jms/internal/jmserr"
)

// Exchange names.
const (
	ExchangeRPC     = "jms.rpc"
	ExchangeTopic   = "jms.topic"
	DefaultExchange = ""
)

// Well-known topics.
const (
	TopicMatchTick     = "arena.match.tick"
	TopicMatchEvent    = "arena.match.event"
	TopicScoresPublish = "arena.scores.publish"
	TopicDSReport      = "arena.ds.report"
	TopicNetworking    = "networking.configure"
)

// DefaultCallTimeout applies to Call when the Bus was built without a timeout.
const DefaultCallTimeout = 10 * time.Second

// Outgoing is a message handed to a Broker for publishing.
type Outgoing struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
}

// Delivery is a message received from a queue. It must be acked or nacked.
type Delivery struct {
	RoutingKey    string
	CorrelationID string
	ReplyTo       string
	Body          []byte
	Redelivered   bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery is used by Broker implementations.
func NewDelivery(routingKey, correlationID, replyTo string, body []byte, redelivered bool,
	ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{
		RoutingKey:    routingKey,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		Body:          body,
		Redelivered:   redelivered,
		ack:           ack,
		nack:          nack,
	}
}

// Ack confirms processing.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message, optionally putting it back on the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// QueueSpec describes a queue to declare, bind and consume from.
type QueueSpec struct {
	Name       string
	Exchange   string
	Keys       []string // binding keys; AMQP topic syntax
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Consumer   string
	Prefetch   int
}

// Broker is the transport underneath a Bus.
type Broker interface {
	Publish(ctx context.Context, exchange, key string, msg Outgoing) error
	// Consume declares and binds q and streams its deliveries until ctx is done, at which
	// point the channel is closed and the consumer released.
	Consume(ctx context.Context, q QueueSpec) (<-chan Delivery, error)
	Close() error
}

// Bus provides RPC and pub/sub over a Broker.
type Bus struct {
	broker  Broker
	logger  *slog.Logger
	name    string
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	replyOnce  sync.Once
	replyErr   error
	replyQueue string

	mu      sync.Mutex
	pending map[string]chan replyEnvelope
}

// Option configures a Bus.
type Option func(*Bus)

// WithCallTimeout sets the default Call timeout.
func WithCallTimeout(d time.Duration) Option { return func(b *Bus) { b.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// New creates a Bus. name identifies this process in consumer tags and logs.
func New(broker Broker, name string, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		broker:  broker,
		logger:  slog.Default(),
		name:    name,
		timeout: DefaultCallTimeout,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan replyEnvelope),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close stops the reply listener and closes the broker.
func (b *Bus) Close() error {
	b.cancel()
	return b.broker.Close()
}

// Publish sends v as JSON on topic.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "encoding "+topic)
	}
	if err := b.broker.Publish(ctx, ExchangeTopic, topic, Outgoing{Body: body}); err != nil {
		return busError(err, "publishing "+topic)
	}
	return nil
}

// SubscribeOptions selects the delivery semantics of a subscription.
//
// With a Group, every subscriber sharing the group competes for messages on one named
// queue (at-least-once per group); Durable keeps that queue and its backlog alive while
// no consumer is attached. Without a Group the subscriber gets its own private queue and
// sees every message published while it is subscribed.
type SubscribeOptions struct {
	Group    string
	Consumer string
	Durable  bool
	Prefetch int
}

// Message is a decoded topic message.
type Message[T any] struct {
	Topic       string
	Value       T
	Redelivered bool
	delivery    Delivery
}

// Ack confirms the message to the group.
func (m Message[T]) Ack() error { return m.delivery.Ack() }

// Nack returns the message to the group queue when requeue is true.
func (m Message[T]) Nack(requeue bool) error { return m.delivery.Nack(requeue) }

// Subscribe consumes topic and decodes each message as T. The queue is declared before
// Subscribe returns, so nothing published afterwards is missed. Leaving the range loop or
// cancelling ctx releases the consumer. Undecodable messages are logged and dropped.
func Subscribe[T any](ctx context.Context, b *Bus, topic string, opts SubscribeOptions) (iter.Seq[Message[T]], error) {
	spec := QueueSpec{
		Exchange: ExchangeTopic,
		Keys:     []string{topic},
		Consumer: opts.Consumer,
		Prefetch: opts.Prefetch,
	}
	if spec.Consumer == "" {
		spec.Consumer = b.name
	}
	if spec.Prefetch == 0 {
		spec.Prefetch = 64
	}
	if opts.Group != "" {
		spec.Name = opts.Group
		spec.Durable = opts.Durable
		spec.AutoDelete = !opts.Durable
	} else {
		spec.Name = "sub." + topic + "." + uuid.NewString()
		spec.Exclusive = true
		spec.AutoDelete = true
	}

	ctx, cancel := context.WithCancel(ctx)
	deliveries, err := b.broker.Consume(ctx, spec)
	if err != nil {
		cancel()
		return nil, busError(err, "subscribing to "+topic)
	}

	return func(yield func(Message[T]) bool) {
		defer cancel()
		for d := range deliveries {
			var v T
			if err := json.Unmarshal(d.Body, &v); err != nil {
				b.logger.Error("dropping malformed message", "topic", d.RoutingKey, "error", err)
				_ = d.Nack(false)
				continue
			}
			if !yield(Message[T]{Topic: d.RoutingKey, Value: v, Redelivered: d.Redelivered, delivery: d}) {
				return
			}
		}
	}, nil
}

func busError(err error, reason string) error {
	if k := jmserr.KindOf(err); k != "" {
		return err
	}
	return jmserr.Wrap(jmserr.BusUnavailable, err, reason)
}
