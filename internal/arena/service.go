package arena

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// Timing of the network readiness check.
const (
	NetReadyInterval = 500 * time.Millisecond
	ReportStaleAfter = 2 * time.Second
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_arena_transitions_total",
		Help: "Arena state transitions, by source and target state",
	}, []string{"from", "to"})

	refused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_arena_signals_refused_total",
		Help: "Arena signals refused, by signal",
	}, []string{"signal"})
)

// ScoresPublished is the body of bus.TopicScoresPublish.
type ScoresPublished struct {
	MatchID string `json:"match_id"`
}

type job struct {
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

type result struct {
	v   any
	err error
}

// Service owns the arena. Fields below mailbox are only touched by the mailbox goroutine.
type Service struct {
	db     *models.DB
	bus    *bus.Bus
	clock  clockwork.Clock
	logger *slog.Logger

	mailbox chan job

	rec       models.ArenaRecord
	stopTimer context.CancelFunc
	timerCtx  context.Context
	dsGroup   string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New returns an arena service. Nothing runs until Run.
func New(db *models.DB, b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		db:      db,
		bus:     b,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		mailbox: make(chan job),
		dsGroup: "arena-ds-report",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run boots the arena and processes operations until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.boot(ctx); err != nil {
		return err
	}
	reports, err := bus.Subscribe[models.DriverStationReport](ctx, s.bus, bus.TopicDSReport,
		bus.SubscribeOptions{Group: s.dsGroup})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx) })
	g.Go(func() error { return s.netReadyLoop(ctx) })
	g.Go(func() error {
		for m := range reports {
			if err := s.IngestReport(ctx, m.Value); err != nil {
				s.logger.Warn("driver station report rejected", "team", m.Value.Team, "error", err)
			}
			_ = m.Ack()
		}
		return nil
	})
	return g.Wait()
}

// boot seeds Init -> Reset -> Idle and resets the stations.
func (s *Service) boot(ctx context.Context) error {
	rec, err := s.db.Arena.Get(ctx)
	if err != nil {
		return err
	}
	s.rec = rec
	// A crashed arena comes back with its loaded match but never mid-match.
	s.rec.State = models.ArenaState{Kind: models.StateInit}
	s.rec.MatchStart = nil
	if err := s.ensureStations(ctx); err != nil {
		return err
	}
	return s.enter(ctx, Boot())
}

func (s *Service) ensureStations(ctx context.Context) error {
	for _, id := range models.AllStations {
		if _, err := s.db.Stations.InsertIfAbsent(ctx, id, models.AllianceStation{ID: id}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if s.stopTimer != nil {
				s.stopTimer()
			}
			return nil
		case j := <-s.mailbox:
			v, err := j.fn(ctx)
			j.reply <- result{v, err}
		}
	}
}

// do runs fn on the mailbox goroutine, in arrival order.
func (s *Service) do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	j := job{fn: fn, reply: make(chan result, 1)}
	select {
	case s.mailbox <- j:
	case <-ctx.Done():
		return nil, jmserr.Wrap(jmserr.CancellationRequested, ctx.Err(), "arena busy")
	}
	select {
	case r := <-j.reply:
		return r.v, r.err
	case <-ctx.Done():
		return nil, jmserr.Wrap(jmserr.CancellationRequested, ctx.Err(), "arena busy")
	}
}

// enter moves to next, runs its entry actions, then settles automatic steps.
func (s *Service) enter(ctx context.Context, next models.ArenaState) error {
	for {
		prev := s.rec.State
		s.rec.State = next
		s.rec.Updated = s.clock.Now()
		transitions.WithLabelValues(string(prev.Kind), string(next.Kind)).Inc()
		if prev.Kind != next.Kind {
			s.logger.Info("arena state", "from", prev.String(), "to", next.String())
		}
		if next.Kind == models.StateReset {
			if err := s.clearStops(ctx); err != nil {
				return err
			}
		}
		if err := s.persist(ctx); err != nil {
			return err
		}
		settled, ok := Settle(next)
		if !ok {
			return nil
		}
		next = settled
	}
}

func (s *Service) persist(ctx context.Context) error {
	return s.db.Arena.Set(ctx, s.rec)
}

func (s *Service) conditions(ctx context.Context) (Conditions, error) {
	ready, err := s.netReady(ctx)
	return Conditions{MatchLoaded: s.rec.Match != nil, NetReady: ready}, err
}

// Signal applies an operator signal and returns the resulting state.
func (s *Service) Signal(ctx context.Context, sig models.ArenaSignal) (models.ArenaState, error) {
	v, err := s.do(ctx, func(ctx context.Context) (any, error) { return s.signal(ctx, sig) })
	if err != nil {
		return models.ArenaState{}, err
	}
	return v.(models.ArenaState), nil
}

func (s *Service) signal(ctx context.Context, sig models.ArenaSignal) (models.ArenaState, error) {
	cond, err := s.conditions(ctx)
	if err != nil {
		return s.rec.State, err
	}
	from := s.rec.State
	next, err := Transition(from, sig, cond)
	if err != nil {
		refused.WithLabelValues(string(sig.Kind)).Inc()
		return from, err
	}

	switch {
	case sig.Kind == models.SignalPrestart:
		if err := s.assignStations(ctx); err != nil {
			return from, err
		}
	case sig.Kind == models.SignalMatchPlay:
		s.startTimer(ctx)
	case sig.Kind == models.SignalMatchCommit:
		if err := s.commit(ctx); err != nil {
			return from, err
		}
	case sig.Kind == models.SignalEstop && from.Kind == models.StateMatchPlay:
		s.abortTimer(ctx)
	}

	if err := s.enter(ctx, next); err != nil {
		return from, err
	}
	return s.rec.State, nil
}

// assignStations puts the loaded match's teams into the stations. Test matches keep
// whatever the operator configured.
func (s *Service) assignStations(ctx context.Context) error {
	m := s.rec.Match
	if m == nil || m.MatchType == models.MatchTest {
		return nil
	}
	for _, id := range models.AllStations {
		slots := m.RedTeams
		if id.Alliance == models.Blue {
			slots = m.BlueTeams
		}
		team := slots[id.Station-1]
		if _, err := s.db.Stations.Update(ctx, id, func(st *models.AllianceStation, _ bool) error {
			st.ID = id
			st.Team = team
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) startTimer(ctx context.Context) {
	now := s.clock.Now()
	s.rec.MatchStart = &now
	matchID := s.rec.Match.ID

	tctx, cancel := context.WithCancel(ctx)
	s.stopTimer = cancel
	s.timerCtx = tctx
	t := &matchTimer{
		bus:     s.bus,
		clock:   s.clock,
		ticker:  s.clock.NewTicker(TickInterval),
		matchID: matchID,
		t0:      now,
		onEnd: func(ctx context.Context) {
			_, err := s.do(ctx, func(ctx context.Context) (any, error) { return nil, s.matchEnd(ctx, tctx) })
			if err != nil && ctx.Err() == nil {
				s.logger.Error("match end failed", "match_id", matchID, "error", err)
			}
		},
		onError: func(err error) {
			s.logger.Warn("match timer publish failed", "match_id", matchID, "error", err)
		},
	}
	s.publishEvent(ctx, EventMatchStart, 0)
	go t.run(tctx)
}

// matchEnd completes the match unless the timer that raised it has since been stopped.
func (s *Service) matchEnd(ctx context.Context, timer context.Context) error {
	if timer != s.timerCtx || timer.Err() != nil {
		return nil
	}
	next, err := Transition(s.rec.State, models.ArenaSignal{Kind: signalMatchEnd}, Conditions{})
	if err != nil {
		return err
	}
	s.stopTimer()
	s.stopTimer, s.timerCtx = nil, nil
	return s.enter(ctx, next)
}

func (s *Service) abortTimer(ctx context.Context) {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer, s.timerCtx = nil, nil
	}
	var elapsed time.Duration
	if s.rec.MatchStart != nil {
		elapsed = s.clock.Since(*s.rec.MatchStart)
	}
	s.publishEvent(ctx, EventMatchAbort, elapsed)
}

func (s *Service) publishEvent(ctx context.Context, name string, elapsed time.Duration) {
	ev := MatchEvent{Event: name, Time: s.clock.Now(), ElapsedMS: elapsed.Milliseconds()}
	if s.rec.Match != nil {
		ev.MatchID = s.rec.Match.ID
	}
	if err := s.bus.Publish(ctx, bus.TopicMatchEvent, ev); err != nil {
		s.logger.Warn("match event publish failed", "event", name, "error", err)
	}
}

// commit hands the match to scoring and unloads it.
func (s *Service) commit(ctx context.Context) error {
	m := s.rec.Match
	if m == nil {
		return jmserr.New(jmserr.MatchNotLoaded, "no match to commit")
	}
	if err := s.bus.Publish(ctx, bus.TopicScoresPublish, ScoresPublished{MatchID: m.ID}); err != nil {
		return err
	}
	if m.MatchType != models.MatchTest {
		if _, err := s.db.Matches.Update(ctx, m.ID, func(stored *models.Match, exists bool) error {
			if !exists {
				*stored = *m
			}
			stored.Played = true
			return nil
		}); err != nil {
			return err
		}
	}
	s.logger.Info("match committed", "match_id", m.ID)
	s.rec.Match = nil
	s.rec.MatchStart = nil
	return nil
}

func (s *Service) clearStops(ctx context.Context) error {
	for _, id := range models.AllStations {
		if _, err := s.db.Stations.Update(ctx, id, func(st *models.AllianceStation, _ bool) error {
			st.ID = id
			st.Estop, st.Astop = false, false
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
