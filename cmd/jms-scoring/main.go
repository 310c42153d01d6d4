// Command jms-scoring runs the live score board, score commits and ranking recomputation.
package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/schedule"
	"github.com/trentd187/jms/internal/scoring"
	"github.com/trentd187/jms/internal/service"
)

func main() {
	service.Execute(service.Spec{
		ID:     "jms-scoring",
		Name:   "JMS Scoring",
		Symbol: "S",
		Short:  "Score keeping and rankings",
		Messages: map[string]any{
			"ScoreUpdateRequest": scoring.ScoreUpdateRequest{},
			"ScoresPublished":    arena.ScoresPublished{},
			"MatchScore":         models.MatchScore{},
			"TeamRanking":        models.TeamRanking{},
		},
		Run: func(ctx context.Context, env *service.Env, g *errgroup.Group) error {
			s := scoring.New(env.DB, env.Bus,
				scoring.WithClock(env.Clock),
				scoring.WithLogger(env.Logger),
				scoring.WithPlayoffs(schedule.Client{Bus: env.Bus}),
			)
			if err := env.Serve(ctx, g, scoring.ServiceName, s.Mux()); err != nil {
				return err
			}
			g.Go(func() error { return s.Run(ctx) })
			return nil
		},
	})
}
