// Package service is the common runner behind every JMS binary: it loads configuration,
// sets up logging and tracing, connects the store and the bus, keeps the component's
// liveness record fresh and supervises the service body until a signal arrives.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/config"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/logging"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/registry"
	"github.com/trentd187/jms/internal/store"
)

// Spec describes one binary.
type Spec struct {
	// ID is the component id in the registry and the bus consumer name, e.g. "jms-arena".
	ID     string
	Name   string
	Symbol string
	Short  string

	// Messages are the public message types written by gen-schema, keyed by name.
	Messages map[string]any
	// Schema adds further definitions to gen-schema's output. Optional.
	Schema func(Schemas)

	// Run starts the service's tasks on g and returns. Returning an error aborts startup.
	Run func(ctx context.Context, env *Env, g *errgroup.Group) error
}

// Env is what a service body gets to work with.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *store.Store
	DB     *models.DB
	Bus    *bus.Bus
	Clock  clockwork.Clock
}

// Serve declares service on the bus and serves mux in g until ctx ends.
func (e *Env) Serve(ctx context.Context, g *errgroup.Group, service string, mux *bus.Mux) error {
	wait, err := e.Bus.ServeAsync(ctx, service, mux)
	if err != nil {
		return err
	}
	g.Go(wait)
	return nil
}

// Command returns the cobra root command for s. Running it starts the service.
func Command(s Spec) *cobra.Command {
	root := &cobra.Command{
		Use:           s.ID,
		Short:         s.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), s)
		},
	}
	root.AddCommand(schemaCommand(s))
	return root
}

// Execute runs s's command line and exits with the code for its outcome.
func Execute(s Spec) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Command(s).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", s.ID, err)
	}
	os.Exit(jmserr.ExitCode(err))
}

// Run starts the service and blocks until ctx is cancelled or a task fails.
func Run(ctx context.Context, s Spec) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, s.ID)
	if cfg.InsecureSecret() {
		logger.Warn("JMS_TOKEN_SECRET is not set; using the development secret")
	}

	shutdown, err := startTracing(ctx, cfg, s.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	st, err := store.Connect(ctx, cfg.RedisURI, store.WithTimeout(cfg.StoreTimeout), store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	broker, err := bus.DialAMQP(ctx, cfg.MQURI, logger, cfg.BackoffCap)
	if err != nil {
		return err
	}
	b := bus.New(broker, s.ID, bus.WithCallTimeout(cfg.RPCTimeout), bus.WithLogger(logger))
	defer b.Close()

	env := &Env{
		Config: cfg,
		Logger: logger,
		Store:  st,
		DB:     models.NewDB(st),
		Bus:    b,
		Clock:  clockwork.NewRealClock(),
	}
	comp := registry.Component{ID: s.ID, Name: s.Name, Symbol: s.Symbol}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.New(env.DB, comp, env.Clock, logger).Run(ctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	}
	if err := s.Run(ctx, env, g); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	logger.Info("service started", "component", s.ID)

	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("service stopped", "component", s.ID)
		return nil
	}
	logger.Error("service failed", "component", s.ID, "error", err, "kind", jmserr.KindOf(err))
	return err
}
