package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	// backoff retries a failing operation with growing pauses: here, redialling the broker.
	"github.com/cenkalti/backoff/v5"
	// amqp091-go is the RabbitMQ client. A Connection is one TCP socket; Channels are
	// lightweight sessions multiplexed over it.
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trentd187/jms/internal/jmserr"
)

// reconnectWindow bounds how long a consumer keeps trying to come back after the broker
// connection drops. Cancelling the consumer's context ends it sooner.
const reconnectWindow = 24 * time.Hour

// AMQPBroker is a Broker backed by RabbitMQ. A single connection is shared; publishing
// uses one channel under a mutex and every consumer gets its own channel. Lost
// connections are re-established with exponential backoff.
type AMQPBroker struct {
	uri        string
	logger     *slog.Logger
	backoffCap time.Duration

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	closed bool
}

// DialAMQP connects to uri and declares the JMS exchanges.
func DialAMQP(ctx context.Context, uri string, logger *slog.Logger, backoffCap time.Duration) (*AMQPBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	b := &AMQPBroker{uri: uri, logger: logger, backoffCap: backoffCap}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, jmserr.Wrap(jmserr.BusUnavailable, err, "connecting to message queue")
	}
	return b, nil
}

func (b *AMQPBroker) connectLocked() error {
	conn, err := amqp.Dial(b.uri)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	for _, ex := range []string{ExchangeRPC, ExchangeTopic} {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return err
		}
	}
	b.conn, b.pub = conn, ch
	return nil
}

func (b *AMQPBroker) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = b.backoffCap
	return eb
}

// connection returns a live connection, redialling with backoff when the old one is gone.
func (b *AMQPBroker) connection(ctx context.Context) (*amqp.Connection, error) {
	return backoff.Retry(ctx, func() (*amqp.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return nil, backoff.Permanent(errors.New("broker closed"))
		}
		if b.conn != nil && !b.conn.IsClosed() {
			return b.conn, nil
		}
		if err := b.connectLocked(); err != nil {
			return nil, err
		}
		b.logger.Info("message queue connected")
		return b.conn, nil
	},
		backoff.WithBackOff(b.newBackoff()),
		backoff.WithMaxElapsedTime(reconnectWindow),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("message queue unreachable, retrying", "error", err, "retry_in", next)
		}),
	)
}

// Publish sends one message. A failure on a stale channel triggers one reconnect.
func (b *AMQPBroker) Publish(ctx context.Context, exchange, key string, msg Outgoing) error {
	pub := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Body:          msg.Body,
		Timestamp:     time.Now(),
	}
	if exchange == ExchangeTopic {
		pub.DeliveryMode = amqp.Persistent
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := b.connection(ctx); err != nil {
			return jmserr.Wrap(jmserr.BusUnavailable, err, "publishing "+key)
		}
		b.mu.Lock()
		ch := b.pub
		if ch == nil || ch.IsClosed() {
			var err error
			if ch, err = b.conn.Channel(); err != nil {
				b.mu.Unlock()
				lastErr = err
				continue
			}
			b.pub = ch
		}
		err := ch.PublishWithContext(ctx, exchange, key, false, false, pub)
		b.mu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return jmserr.Wrap(jmserr.BusUnavailable, lastErr, "publishing "+key)
}

type amqpConsumer struct {
	ch   *amqp.Channel
	msgs <-chan amqp.Delivery
}

func (b *AMQPBroker) open(ctx context.Context, q QueueSpec) (amqpConsumer, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return amqpConsumer{}, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return amqpConsumer{}, err
	}
	fail := func(err error) (amqpConsumer, error) {
		_ = ch.Close()
		return amqpConsumer{}, err
	}
	if q.Prefetch > 0 {
		if err := ch.Qos(q.Prefetch, 0, false); err != nil {
			return fail(err)
		}
	}
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, nil); err != nil {
		return fail(err)
	}
	if q.Exchange != DefaultExchange {
		for _, key := range q.Keys {
			if err := ch.QueueBind(q.Name, key, q.Exchange, false, nil); err != nil {
				return fail(err)
			}
		}
	}
	msgs, err := ch.Consume(q.Name, q.Consumer, false, q.Exclusive, false, false, nil)
	if err != nil {
		return fail(err)
	}
	return amqpConsumer{ch: ch, msgs: msgs}, nil
}

// Consume declares q and forwards its deliveries. When the channel dies the queue is
// redeclared on a fresh connection and forwarding resumes.
func (b *AMQPBroker) Consume(ctx context.Context, q QueueSpec) (<-chan Delivery, error) {
	c, err := b.open(ctx, q)
	if err != nil {
		return nil, jmserr.Wrap(jmserr.BusUnavailable, err, "consuming "+q.Name)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			b.forward(ctx, c.msgs, out)
			_ = c.ch.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("consumer channel lost, reopening", "queue", q.Name)
			c, err = backoff.Retry(ctx, func() (amqpConsumer, error) { return b.open(ctx, q) },
				backoff.WithBackOff(b.newBackoff()),
				backoff.WithMaxElapsedTime(reconnectWindow))
			if err != nil {
				b.logger.Error("consumer gave up", "queue", q.Name, "error", err)
				return
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) forward(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			d := NewDelivery(m.RoutingKey, m.CorrelationId, m.ReplyTo, m.Body, m.Redelivered,
				func() error { return m.Ack(false) },
				func(requeue bool) error { return m.Nack(false, requeue) })
			select {
			case out <- d:
			case <-ctx.Done():
				_ = m.Nack(false, true)
				return
			}
		}
	}
}

// Close shuts the connection; running consumers end.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
