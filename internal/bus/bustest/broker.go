// Package bustest provides an in-memory bus.Broker with RabbitMQ routing semantics:
// topic bindings, named queues shared by competing consumers, exclusive queues, and
// auto-delete when the last consumer leaves.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/jmserr"
)

const queueDepth = 1 << 14

type queue struct {
	spec      bus.QueueSpec
	ch        chan bus.Delivery
	consumers int
}

// Broker routes messages between queues in memory.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool

	published map[string]int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue), published: make(map[string]int)}
}

// NewBus returns a Bus over a fresh broker, closed with t.
func NewBus(t testing.TB, name string, opts ...bus.Option) (*bus.Bus, *Broker) {
	t.Helper()
	br := NewBroker()
	b := bus.New(br, name, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, br
}

// Attach returns another Bus sharing this broker, as a second process would.
func (br *Broker) Attach(t testing.TB, name string, opts ...bus.Option) *bus.Bus {
	t.Helper()
	b := bus.New(nopCloser{br}, name, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Published returns how many messages were published with routing key key.
func (br *Broker) Published(key string) int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.published[key]
}

// Publish routes msg to every matching queue. Unroutable messages are dropped.
func (br *Broker) Publish(ctx context.Context, exchange, key string, msg bus.Outgoing) error {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return jmserr.New(jmserr.BusUnavailable, "broker closed")
	}
	br.published[key]++
	var targets []*queue
	if exchange == bus.DefaultExchange {
		if q, ok := br.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		for _, q := range br.queues {
			if q.spec.Exchange != exchange {
				continue
			}
			for _, pattern := range q.spec.Keys {
				if bus.TopicMatches(pattern, key) {
					targets = append(targets, q)
					break
				}
			}
		}
	}
	br.mu.Unlock()

	for _, q := range targets {
		d := br.delivery(q, key, msg.CorrelationID, msg.ReplyTo, msg.Body, false)
		select {
		case q.ch <- d:
		case <-ctx.Done():
			return jmserr.Wrap(jmserr.BusUnavailable, ctx.Err(), "publishing "+key)
		}
	}
	return nil
}

func (br *Broker) delivery(q *queue, key, corr, replyTo string, body []byte, redelivered bool) bus.Delivery {
	var once sync.Once
	settle := func(fn func()) { once.Do(fn) }
	return bus.NewDelivery(key, corr, replyTo, body, redelivered,
		func() error { settle(func() {}); return nil },
		func(requeue bool) error {
			settle(func() {
				if requeue {
					again := br.delivery(q, key, corr, replyTo, body, true)
					select {
					case q.ch <- again:
					default:
					}
				}
			})
			return nil
		})
}

// Consume declares (or joins) a queue and streams from it until ctx ends.
func (br *Broker) Consume(ctx context.Context, spec bus.QueueSpec) (<-chan bus.Delivery, error) {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return nil, jmserr.New(jmserr.BusUnavailable, "broker closed")
	}
	q, ok := br.queues[spec.Name]
	if !ok {
		q = &queue{spec: spec, ch: make(chan bus.Delivery, queueDepth)}
		br.queues[spec.Name] = q
	} else {
		if q.spec.Exclusive || (spec.Exclusive && q.consumers > 0) {
			br.mu.Unlock()
			return nil, jmserr.New(jmserr.BusUnavailable, fmt.Sprintf("queue %s is exclusive", spec.Name))
		}
		q.spec.Keys = mergeKeys(q.spec.Keys, spec.Keys)
	}
	q.consumers++
	br.mu.Unlock()

	out := make(chan bus.Delivery)
	go func() {
		defer close(out)
		defer br.release(q)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q.ch:
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (br *Broker) release(q *queue) {
	br.mu.Lock()
	defer br.mu.Unlock()
	q.consumers--
	if q.consumers == 0 && q.spec.AutoDelete {
		delete(br.queues, q.spec.Name)
	}
}

// Close makes further publishes and consumes fail.
func (br *Broker) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.closed = true
	return nil
}

func mergeKeys(have, add []string) []string {
	for _, k := range add {
		found := false
		for _, h := range have {
			if h == k {
				found = true
				break
			}
		}
		if !found {
			have = append(have, k)
		}
	}
	return have
}

// nopCloser lets several Buses share one broker without the first Close tearing it down.
type nopCloser struct{ *Broker }

func (nopCloser) Close() error { return nil }
