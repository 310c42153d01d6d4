// Command jms-arena runs the field state machine, the match timer and the driver station
// bookkeeping behind the "arena" bus service.
package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/service"
)

func main() {
	service.Execute(service.Spec{
		ID:     "jms-arena",
		Name:   "JMS Arena",
		Symbol: "A",
		Short:  "Arena state machine and match timer",
		Messages: map[string]any{
			"ArenaSignal":       models.ArenaSignal{},
			"ArenaState":        models.ArenaState{},
			"ArenaView":         arena.View{},
			"LoadMatchRequest":  arena.LoadMatchRequest{},
			"SetStationRequest": arena.SetStationRequest{},
			"ElectronicsUpdate": arena.ElectronicsUpdate{},
			"MatchTick":         arena.MatchTick{},
			"MatchEvent":        arena.MatchEvent{},
		},
		Run: func(ctx context.Context, env *service.Env, g *errgroup.Group) error {
			a := arena.New(env.DB, env.Bus, arena.WithClock(env.Clock), arena.WithLogger(env.Logger))
			if err := env.Serve(ctx, g, arena.ServiceName, a.Mux()); err != nil {
				return err
			}
			g.Go(func() error { return a.Run(ctx) })
			return nil
		},
	})
}
