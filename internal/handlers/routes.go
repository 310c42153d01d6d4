package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trentd187/jms/internal/hub"
	"github.com/trentd187/jms/internal/middleware"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
)

// Gateway is what the HTTP app is built from.
type Gateway struct {
	Registry *rpc.Registry
	Auth     *models.Authenticator
	Hub      *hub.Hub
	Store    Pinger
	Backups  BackupSource
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
	// AccessLog turns on fiber's per-request log line.
	AccessLog bool
}

// NewApp builds the gateway's fiber app. ctx bounds the event streams.
func NewApp(ctx context.Context, g Gateway) *fiber.App {
	if g.Now == nil {
		g.Now = time.Now
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "JMS Gateway",
		DisableStartupMessage: true,
		// Backup restores travel as base64 inside the RPC body.
		BodyLimit: 256 << 20,
	})

	app.Use(recover.New())
	if g.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New())

	app.Get("/health", HealthCheck)
	if g.Store != nil {
		app.Get("/ready", Ready(g.Store))
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1", middleware.Auth(g.Auth))
	api.Post("/rpc/:handler/:op", Call(g.Registry))
	api.Get("/subscribe/:handler/:op", Subscribe(ctx, g.Registry, g.Hub, g.Logger))
	if g.Backups != nil {
		api.Get("/backup", middleware.RequirePermission(models.PermFTA), DownloadBackup(g.Backups, g.Now))
	}
	return app
}
