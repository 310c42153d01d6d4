package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/jmserr"
)

var publishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jms_publish_broadcasts_total",
	Help: "Publish op values broadcast after a change, by topic",
}, []string{"topic"})

// Broadcaster receives changed publish values. *hub.Hub implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, data []byte)
}

// Publisher polls every publish op on its handler's cadence and broadcasts values that
// changed since the last poll.
type Publisher struct {
	reg    *Registry
	bus    *bus.Bus
	sinks  []Broadcaster
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.Mutex
	last map[string][32]byte
}

// NewPublisher returns a publisher over reg. b may be nil when nothing listens on the
// bus; sinks receive the same values locally.
func NewPublisher(reg *Registry, b *bus.Bus, clock clockwork.Clock, logger *slog.Logger, sinks ...Broadcaster) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{reg: reg, bus: b, sinks: sinks, clock: clock, logger: logger, last: map[string][32]byte{}}
}

// Run polls until ctx is cancelled. Each handler polls in its own goroutine.
func (p *Publisher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range p.reg.Handlers() {
		var ops []*Op
		for _, o := range h.Ops() {
			if o.Kind == KindPublish {
				ops = append(ops, o)
			}
		}
		if len(ops) == 0 {
			continue
		}
		g.Go(func() error { return p.poll(ctx, h.Interval, ops) })
	}
	return g.Wait()
}

func (p *Publisher) poll(ctx context.Context, every time.Duration, ops []*Op) error {
	t := p.clock.NewTicker(every)
	defer t.Stop()
	for {
		for _, o := range ops {
			if _, err := p.PollOnce(ctx, o); err != nil && ctx.Err() == nil {
				p.logger.Warn("publish poll failed", "topic", o.Topic(), "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
		}
	}
}

// PollOnce runs one publish op and broadcasts its value if it changed. It reports
// whether a broadcast happened.
func (p *Publisher) PollOnce(ctx context.Context, o *Op) (bool, error) {
	v, err := o.poll(ctx)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, jmserr.Wrap(jmserr.Malformed, err, "encoding "+o.Topic())
	}
	sum := blake3.Sum256(data)
	topic := o.Topic()

	p.mu.Lock()
	prev, seen := p.last[topic]
	p.last[topic] = sum
	p.mu.Unlock()
	if seen && prev == sum {
		return false, nil
	}

	if p.bus != nil {
		if err := p.bus.Publish(ctx, topic, json.RawMessage(data)); err != nil {
			// Forget the value so the next poll tries again.
			p.mu.Lock()
			delete(p.last, topic)
			p.mu.Unlock()
			return false, err
		}
	}
	for _, s := range p.sinks {
		s.Broadcast(ctx, topic, data)
	}
	publishes.WithLabelValues(topic).Inc()
	return true, nil
}
