package scoring

import (
	"context"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/models"
)

// ServiceName is the bus service the scoring engine answers on.
const ServiceName = "scoring"

// RPC op names.
const (
	OpScoreUpdate = "score_update"
	OpRecompute   = "recompute"
)

type empty struct{}

// Mux exposes the service's operations for bus.Serve.
func (s *Service) Mux() *bus.Mux {
	mux := bus.NewMux()
	bus.Handle(mux, OpScoreUpdate, func(ctx context.Context, r ScoreUpdateRequest) (models.MatchScore, error) {
		return s.ScoreUpdate(ctx, r.Alliance, r.Update)
	})
	bus.Handle(mux, OpRecompute, func(ctx context.Context, _ empty) ([]models.TeamRanking, error) {
		return s.Recompute(ctx)
	})
	return mux
}

// Client calls a remote scoring engine.
type Client struct {
	Bus *bus.Bus
}

// ScoreUpdate changes the live score.
func (c Client) ScoreUpdate(ctx context.Context, alliance models.Alliance, u models.ScoreUpdate) (models.MatchScore, error) {
	var out models.MatchScore
	return out, c.Bus.Call(ctx, ServiceName, OpScoreUpdate, ScoreUpdateRequest{Alliance: alliance, Update: u}, &out)
}

// Recompute forces a ranking recompute.
func (c Client) Recompute(ctx context.Context) ([]models.TeamRanking, error) {
	var out []models.TeamRanking
	return out, c.Bus.Call(ctx, ServiceName, OpRecompute, nil, &out)
}
