package tba

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/jmserr"
)

// ServiceName is the bus service the publisher answers on.
const ServiceName = "tba"

// RPC op names.
const (
	OpIssue      = "issue"
	OpPublishAll = "publish_all"
	OpForget     = "forget"
)

// DefaultInterval is how often Run re-publishes everything.
const DefaultInterval = 30 * time.Second

// IssueRequest names one upload.
type IssueRequest struct {
	Noun string `json:"noun" validate:"required,oneof=team_list alliance_selections info rankings matches awards"`
}

type empty struct{}

// Mux exposes the publisher's operations for bus.Serve.
func (p *Publisher) Mux() *bus.Mux {
	mux := bus.NewMux()
	bus.Handle(mux, OpIssue, func(ctx context.Context, r IssueRequest) (empty, error) {
		return empty{}, p.Issue(ctx, r.Noun)
	})
	bus.Handle(mux, OpPublishAll, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, p.PublishAll(ctx)
	})
	bus.Handle(mux, OpForget, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, p.Forget(ctx)
	})
	return mux
}

// Run publishes everything every interval until ctx is cancelled. Rejections are logged
// and retried on the next round.
func (p *Publisher) Run(ctx context.Context, clock clockwork.Clock, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if err := p.PublishAll(ctx); err != nil && !jmserr.Has(err, jmserr.CancellationRequested) {
				p.logger.Warn("event database upload failed", "error", err)
			}
		}
	}
}

// Client calls a remote publisher.
type Client struct {
	Bus *bus.Bus
}

// Issue uploads one noun.
func (c Client) Issue(ctx context.Context, noun string) error {
	return c.Bus.Call(ctx, ServiceName, OpIssue, IssueRequest{Noun: noun}, nil)
}

// PublishAll uploads every noun.
func (c Client) PublishAll(ctx context.Context) error {
	return c.Bus.Call(ctx, ServiceName, OpPublishAll, nil, nil)
}

// Forget makes the next publish resend everything.
func (c Client) Forget(ctx context.Context) error {
	return c.Bus.Call(ctx, ServiceName, OpForget, nil, nil)
}
