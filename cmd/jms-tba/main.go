// Command jms-tba pushes event data to the public event database.
package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/service"
	"github.com/trentd187/jms/internal/tba"
)

func main() {
	service.Execute(service.Spec{
		ID:     "jms-tba",
		Name:   "JMS TBA Publisher",
		Symbol: "T",
		Short:  "Event database publisher",
		Messages: map[string]any{
			"IssueRequest": tba.IssueRequest{},
		},
		Run: func(ctx context.Context, env *service.Env, g *errgroup.Group) error {
			p := tba.New(env.DB, tba.WithLogger(env.Logger))
			if err := env.Serve(ctx, g, tba.ServiceName, p.Mux()); err != nil {
				return err
			}
			g.Go(func() error { return p.Run(ctx, env.Clock, tba.DefaultInterval) })
			return nil
		},
	})
}
