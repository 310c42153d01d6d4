// Command jms-core runs the operator façade: every handler on the "core" bus service and
// behind the HTTP gateway, the publish pollers feeding the bus and the gateway's event
// streams, and the backup service.
package main

import (
	"context"
	"time"

	// errgroup runs goroutines as a group: the first one to fail cancels the shared
	// context and Wait returns its error.
	"golang.org/x/sync/errgroup"

	// Internal packages, imported by module path.
	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/backups"
	"github.com/trentd187/jms/internal/database"
	"github.com/trentd187/jms/internal/facade"
	"github.com/trentd187/jms/internal/handlers"
	"github.com/trentd187/jms/internal/hub"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
	"github.com/trentd187/jms/internal/schedule"
	"github.com/trentd187/jms/internal/scoring"
	"github.com/trentd187/jms/internal/service"
	"github.com/trentd187/jms/internal/tba"
)

// tokenTTL is how long a login stays valid.
const tokenTTL = 24 * time.Hour

func main() {
	service.Execute(service.Spec{
		ID:     "jms-core",
		Name:   "JMS Core",
		Symbol: "C",
		Short:  "Operator façade, HTTP gateway and backups",
		Messages: map[string]any{
			"RpcError": jmserr.Wire{},
			"Backup":   backups.Dump{},
		},
		Schema: schema,
		Run:    run,
	})
}

// schema adds the request and reply of every façade op. The handlers are registered
// against a store-less DB; nothing is called.
func schema(s service.Schemas) {
	reg := rpc.NewRegistry(nil)
	facade.Register(reg, facade.Deps{DB: models.NewDB(nil)})
	for _, h := range reg.Handlers() {
		for _, op := range h.Ops() {
			s.AddType(h.Name+"."+op.Name+".request", op.Request)
			s.AddType(h.Name+"."+op.Name+".reply", op.Reply)
		}
	}
}

func run(ctx context.Context, env *service.Env, g *errgroup.Group) error {
	cfg, logger := env.Config, env.Logger

	// Logins are signed with the configured secret. EnsureAdmin creates the "admin" user
	// on a fresh store so there is always someone who can sign in.
	auth := models.NewAuthenticator(env.DB, cfg.TokenSecret, tokenTTL)
	if err := auth.EnsureAdmin(ctx, cfg.AdminPassword); err != nil {
		return err
	}

	// The Postgres archive is optional: without it backups only trigger a store save and
	// the download and restore paths still work.
	opts := []backups.Option{backups.WithClock(env.Clock), backups.WithLogger(logger.With("component", "backups"))}
	if cfg.DatabaseURL != "" {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		gdb, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		opts = append(opts, backups.WithArchive(database.NewArchive(gdb)))
	} else {
		logger.Warn("DATABASE_URL is not set; backups will not be archived")
	}
	bk := backups.New(env.DB, opts...)

	// Every operator-facing op is registered once and reachable two ways: over the bus
	// as service "core" and over HTTP through the gateway below. The other services are
	// reached through their bus clients.
	reg := rpc.NewRegistry(auth)
	facade.Register(reg, facade.Deps{
		DB:      env.DB,
		Auth:    auth,
		Bus:     env.Bus,
		Arena:   arena.Client{Bus: env.Bus},
		Matches: schedule.Client{Bus: env.Bus},
		Scoring: scoring.Client{Bus: env.Bus},
		Backups: bk,
		TBA:     tba.Client{Bus: env.Bus},
		Clock:   env.Clock,
		Logger:  logger.With("component", "facade"),
	})

	if err := env.Serve(ctx, g, rpc.ServiceName, reg.Mux()); err != nil {
		return err
	}
	if err := env.Serve(ctx, g, backups.ServiceName, bk.Mux()); err != nil {
		return err
	}
	g.Go(func() error { return bk.Run(ctx) })

	// The hub fans publish values out to browser event streams. The publisher polls the
	// publish ops and feeds both the hub and the bus.
	h := hub.New()
	g.Go(func() error { return h.Run(ctx) })
	g.Go(func() error { return rpc.NewPublisher(reg, env.Bus, env.Clock, logger, h).Run(ctx) })

	app := handlers.NewApp(ctx, handlers.Gateway{
		Registry:  reg,
		Auth:      auth,
		Hub:       h,
		Store:     env.Store,
		Backups:   bk,
		Logger:    logger.With("component", "gateway"),
		Now:       env.Clock.Now,
		AccessLog: cfg.LogLevel == "debug",
	})
	// ":" + cfg.Port listens on all interfaces, e.g. ":8080". Listen blocks, so it runs
	// in the group and the second goroutine shuts it down when ctx ends.
	g.Go(func() error {
		logger.Info("gateway listening", "port", cfg.Port)
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.ShutdownWithTimeout(5 * time.Second)
	})
	return nil
}
