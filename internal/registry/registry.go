// Package registry keeps each JMS service's liveness record fresh and reports which
// services are alive.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trentd187/jms/internal/models"
)

// TickInterval is how often a running component refreshes its record.
const TickInterval = 500 * time.Millisecond

// DefaultTimeout is how stale a record may get before the component counts as down.
const DefaultTimeout = time.Second

var ticks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jms_component_ticks_total",
	Help: "Liveness ticks written, by component and result",
}, []string{"component", "result"})

// Component identifies a service in the registry.
type Component struct {
	ID      string
	Name    string
	Symbol  string
	Timeout time.Duration
}

// Registrar ticks one component.
type Registrar struct {
	db     *models.DB
	comp   Component
	clock  clockwork.Clock
	logger *slog.Logger
}

// New returns a registrar for comp. A zero Timeout means DefaultTimeout.
func New(db *models.DB, comp Component, clock clockwork.Clock, logger *slog.Logger) *Registrar {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{db: db, comp: comp, clock: clock, logger: logger}
}

// Tick writes the liveness record now.
func (r *Registrar) Tick(ctx context.Context) error {
	rec := models.JmsComponent{
		ID:        r.comp.ID,
		Name:      r.comp.Name,
		Symbol:    r.comp.Symbol,
		TimeoutMS: int(r.comp.Timeout / time.Millisecond),
		LastTick:  r.clock.Now(),
	}
	err := r.db.Components.Insert(ctx, rec.ID, rec)
	result := "ok"
	if err != nil {
		result = "error"
	}
	ticks.WithLabelValues(r.comp.ID, result).Inc()
	return err
}

// Run ticks every TickInterval until ctx is cancelled. Failed ticks are logged and the
// loop keeps going; a stale record is how operators see a service in trouble.
func (r *Registrar) Run(ctx context.Context) error {
	t := r.clock.NewTicker(TickInterval)
	defer t.Stop()
	if err := r.Tick(ctx); err != nil {
		r.logger.Warn("component tick failed", "component", r.comp.ID, "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("component tick failed", "component", r.comp.ID, "error", err)
			}
		}
	}
}

// Status is a component record with its computed liveness.
type Status struct {
	models.JmsComponent
	Alive bool `json:"alive"`
}

// List returns every known component ordered by id.
func List(ctx context.Context, db *models.DB, now time.Time) ([]Status, error) {
	comps, err := db.Components.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(comps))
	for _, c := range comps {
		out = append(out, Status{JmsComponent: c, Alive: c.Alive(now)})
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
