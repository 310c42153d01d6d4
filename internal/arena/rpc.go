package arena

import (
	"context"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/models"
)

// ServiceName is the bus service the arena answers on.
const ServiceName = "arena"

// RPC op names.
const (
	OpSignal        = "signal"
	OpLoadMatch     = "load_match"
	OpLoadTestMatch = "load_test_match"
	OpUnloadMatch   = "unload_match"
	OpState         = "state"
	OpSetStation    = "set_station"
	OpElectronics   = "electronics_update"
	OpResetEstops   = "reset_estops"
)

// LoadMatchRequest names the match to load.
type LoadMatchRequest struct {
	MatchID string `json:"match_id" validate:"required"`
}

// SetStationRequest edits one station.
type SetStationRequest struct {
	Station models.AllianceStationID     `json:"station"`
	Update  models.AllianceStationUpdate `json:"update"`
}

type empty struct{}

// Mux exposes the service's operations for bus.Serve.
func (s *Service) Mux() *bus.Mux {
	mux := bus.NewMux()
	bus.Handle(mux, OpSignal, s.Signal)
	bus.Handle(mux, OpLoadMatch, func(ctx context.Context, r LoadMatchRequest) (models.Match, error) {
		return s.LoadMatch(ctx, r.MatchID)
	})
	bus.Handle(mux, OpLoadTestMatch, func(ctx context.Context, _ empty) (models.Match, error) {
		return s.LoadTestMatch(ctx)
	})
	bus.Handle(mux, OpUnloadMatch, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, s.UnloadMatch(ctx)
	})
	bus.Handle(mux, OpState, func(ctx context.Context, _ empty) (View, error) {
		return s.State(ctx)
	})
	bus.Handle(mux, OpSetStation, func(ctx context.Context, r SetStationRequest) (models.AllianceStation, error) {
		return s.SetStation(ctx, r.Station, r.Update)
	})
	bus.Handle(mux, OpElectronics, s.Electronics)
	bus.Handle(mux, OpResetEstops, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, s.ResetEstops(ctx)
	})
	return mux
}

// Client calls a remote arena service.
type Client struct {
	Bus *bus.Bus
}

func (c Client) call(ctx context.Context, op string, req, rep any, token string) error {
	return c.Bus.Call(ctx, ServiceName, op, req, rep, bus.WithToken(token))
}

// Signal sends an arena signal.
func (c Client) Signal(ctx context.Context, sig models.ArenaSignal) (models.ArenaState, error) {
	var st models.ArenaState
	return st, c.call(ctx, OpSignal, sig, &st, "")
}

// LoadMatch loads a scheduled match.
func (c Client) LoadMatch(ctx context.Context, matchID string) (models.Match, error) {
	var m models.Match
	return m, c.call(ctx, OpLoadMatch, LoadMatchRequest{MatchID: matchID}, &m, "")
}

// LoadTestMatch loads a test match.
func (c Client) LoadTestMatch(ctx context.Context) (models.Match, error) {
	var m models.Match
	return m, c.call(ctx, OpLoadTestMatch, nil, &m, "")
}

// UnloadMatch clears the loaded match.
func (c Client) UnloadMatch(ctx context.Context) error {
	return c.call(ctx, OpUnloadMatch, nil, nil, "")
}

// State fetches the arena view.
func (c Client) State(ctx context.Context) (View, error) {
	var v View
	return v, c.call(ctx, OpState, nil, &v, "")
}

// SetStation edits one station.
func (c Client) SetStation(ctx context.Context, r SetStationRequest) (models.AllianceStation, error) {
	var st models.AllianceStation
	return st, c.call(ctx, OpSetStation, r, &st, "")
}

// Electronics forwards a field hardware report.
func (c Client) Electronics(ctx context.Context, u ElectronicsUpdate) (models.ArenaState, error) {
	var st models.ArenaState
	return st, c.call(ctx, OpElectronics, u, &st, "")
}

// ResetEstops releases all station stops.
func (c Client) ResetEstops(ctx context.Context) error {
	return c.call(ctx, OpResetEstops, nil, nil, "")
}
