package schedule

import (
	"context"

	"github.com/trentd187/jms/internal/bus"
)

// ServiceName is the bus service the generator answers on.
const ServiceName = "matches"

// RPC op names.
const (
	OpStartQualGen   = "start_qual_gen"
	OpCancelQualGen  = "cancel_qual_gen"
	OpResetPlayoffs  = "reset_playoffs"
	OpUpdatePlayoffs = "update_playoffs"
)

type empty struct{}

// Mux exposes the service's operations for bus.Serve.
func (s *Service) Mux() *bus.Mux {
	mux := bus.NewMux()
	bus.Handle(mux, OpStartQualGen, func(ctx context.Context, r QualGenRequest) (empty, error) {
		return empty{}, s.StartQualGen(ctx, r)
	})
	bus.Handle(mux, OpCancelQualGen, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, s.CancelQualGen(ctx)
	})
	bus.Handle(mux, OpResetPlayoffs, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, s.ResetPlayoffs(ctx)
	})
	bus.Handle(mux, OpUpdatePlayoffs, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, s.UpdatePlayoffs(ctx)
	})
	return mux
}

// Client calls a remote generator.
type Client struct {
	Bus *bus.Bus
}

// StartQualGen starts a qualification generation.
func (c Client) StartQualGen(ctx context.Context, r QualGenRequest) error {
	return c.Bus.Call(ctx, ServiceName, OpStartQualGen, r, nil)
}

// CancelQualGen stops a running generation.
func (c Client) CancelQualGen(ctx context.Context) error {
	return c.Bus.Call(ctx, ServiceName, OpCancelQualGen, nil, nil)
}

// ResetPlayoffs clears the playoff schedule.
func (c Client) ResetPlayoffs(ctx context.Context) error {
	return c.Bus.Call(ctx, ServiceName, OpResetPlayoffs, nil, nil)
}

// UpdatePlayoffs advances the playoff schedule.
func (c Client) UpdatePlayoffs(ctx context.Context) error {
	return c.Bus.Call(ctx, ServiceName, OpUpdatePlayoffs, nil, nil)
}
