// Command jms-matches generates qualification schedules and keeps the playoff bracket
// up to date.
package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/schedule"
	"github.com/trentd187/jms/internal/service"
)

func main() {
	service.Execute(service.Spec{
		ID:     "jms-matches",
		Name:   "JMS Match Generator",
		Symbol: "M",
		Short:  "Qualification and playoff match generation",
		Messages: map[string]any{
			"QualGenRequest": schedule.QualGenRequest{},
			"MatchGenJob":    models.MatchGenJob{},
			"Match":          models.Match{},
		},
		Run: func(ctx context.Context, env *service.Env, g *errgroup.Group) error {
			s := schedule.New(env.DB, schedule.WithLogger(env.Logger))
			if err := env.Serve(ctx, g, schedule.ServiceName, s.Mux()); err != nil {
				return err
			}
			g.Go(func() error { return s.Run(ctx) })
			return nil
		},
	})
}
