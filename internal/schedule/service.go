package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

var (
	genProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jms_matchgen_progress_ratio",
		Help: "Progress of the running qualification generation, by phase",
	}, []string{"phase"})

	genRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_matchgen_runs_total",
		Help: "Qualification generation runs, by result",
	}, []string{"result"})

	playoffMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jms_playoff_matches_created_total",
		Help: "Playoff matches created by update_playoffs",
	})
)

// Award names created when a double bracket with awards is decided.
const (
	AwardWinner   = "Playoff Winner"
	AwardFinalist = "Playoff Finalist"
)

// QualGenRequest starts a qualification generation. MatchesPerTeam of zero uses the
// event's configured value.
type QualGenRequest struct {
	TeamAnnealSteps    int `json:"team_anneal_steps" validate:"gte=0"`
	StationAnnealSteps int `json:"station_anneal_steps" validate:"gte=0"`
	MatchesPerTeam     int `json:"matches_per_team,omitempty" validate:"gte=0"`
}

// Service generates qualification schedules and keeps the playoff schedule up to date.
type Service struct {
	db     *models.DB
	logger *slog.Logger
	seed   uint64

	mu sync.Mutex // serialises UpdatePlayoffs and ResetPlayoffs

	// jobsMu guards jobsCtx and stopped, and orders jobs.Add before Run's jobs.Wait.
	jobsMu  sync.Mutex
	jobs    sync.WaitGroup
	jobsCtx context.Context
	stopped bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithSeed fixes the annealer's random seed.
func WithSeed(seed uint64) Option { return func(s *Service) { s.seed = seed } }

// New returns a schedule service.
func New(db *models.DB, opts ...Option) *Service {
	s := &Service{db: db, logger: slog.Default(), jobsCtx: context.Background()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run clears a job left behind by a crashed run, then keeps background jobs tied to ctx
// until it is cancelled.
func (s *Service) Run(ctx context.Context) error {
	job, ok, err := s.db.MatchGenJob.Peek(ctx)
	if err != nil {
		return err
	}
	if ok && job.Running {
		s.logger.Warn("clearing stale qualification generation job")
		if err := s.db.MatchGenJob.Delete(ctx); err != nil {
			return err
		}
	}
	s.jobsMu.Lock()
	s.jobsCtx = ctx
	s.jobsMu.Unlock()
	<-ctx.Done()

	s.jobsMu.Lock()
	s.stopped = true
	s.jobsMu.Unlock()
	s.jobs.Wait()
	return nil
}

// StartQualGen claims the job document and runs the generation in the background.
// Progress and the final cost are visible on the job document. Once Run is shutting
// down no new job is started.
func (s *Service) StartQualGen(ctx context.Context, req QualGenRequest) error {
	s.jobsMu.Lock()
	base := s.jobsCtx
	if s.stopped || base.Err() != nil {
		s.jobsMu.Unlock()
		return jmserr.New(jmserr.CancellationRequested, "match generator is shutting down")
	}
	s.jobs.Add(1)
	s.jobsMu.Unlock()

	if err := s.claim(ctx); err != nil {
		s.jobs.Done()
		return err
	}
	go func() {
		defer s.jobs.Done()
		if _, err := s.generate(base, req); err != nil && !jmserr.Has(err, jmserr.CancellationRequested) {
			s.logger.Error("qualification generation failed", "error", err)
		}
	}()
	return nil
}

// GenerateQuals runs a generation to completion and returns the new matches.
func (s *Service) GenerateQuals(ctx context.Context, req QualGenRequest) ([]models.Match, error) {
	if err := s.claim(ctx); err != nil {
		return nil, err
	}
	return s.generate(ctx, req)
}

// CancelQualGen deletes the job document, which stops a running generation.
func (s *Service) CancelQualGen(ctx context.Context) error {
	return s.db.MatchGenJob.Delete(ctx)
}

func (s *Service) claim(ctx context.Context) error {
	return s.db.Store.Update(ctx, models.KeyMatchGenJob, func(cur []byte, exists bool) ([]byte, error) {
		if exists {
			var job models.MatchGenJob
			if err := json.Unmarshal(cur, &job); err == nil && job.Running {
				return nil, jmserr.New(jmserr.IllegalStateChange, "qualification generation already running")
			}
		}
		return json.Marshal(models.MatchGenJob{Running: true, Phase: PhaseTeam})
	})
}

// errJobDeleted stops the annealer when the job document disappears.
var errJobDeleted = errors.New("job document deleted")

// report writes progress unless the job was deleted, which it reports as errJobDeleted.
func (s *Service) report(ctx context.Context, job models.MatchGenJob) error {
	return s.db.Store.Update(ctx, models.KeyMatchGenJob, func(_ []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, errJobDeleted
		}
		return json.Marshal(job)
	})
}

func (s *Service) generate(ctx context.Context, req QualGenRequest) (matches []models.Match, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		switch {
		case err == nil:
			genRuns.WithLabelValues("ok").Inc()
		case jmserr.Has(err, jmserr.CancellationRequested):
			genRuns.WithLabelValues("cancelled").Inc()
		default:
			genRuns.WithLabelValues("error").Inc()
			// Leave a finished document behind so another run can be started.
			_ = s.report(context.WithoutCancel(ctx), models.MatchGenJob{Running: false, Phase: "failed"})
		}
	}()

	if err := s.watchJob(ctx, cancel); err != nil {
		return nil, err
	}

	teams, err := s.db.SchedulableTeams(ctx)
	if err != nil {
		return nil, err
	}
	mpt := req.MatchesPerTeam
	if mpt == 0 {
		ev, err := s.db.Event.Get(ctx)
		if err != nil {
			return nil, err
		}
		mpt = ev.QualMatchesPerTeam
	}
	s.logger.Info("qualification generation started", "teams", len(teams), "matches_per_team", mpt,
		"team_steps", req.TeamAnnealSteps, "station_steps", req.StationAnnealSteps)

	total := float64(req.TeamAnnealSteps + req.StationAnnealSteps)
	sched, err := GenerateQuals(ctx, teams, QualOptions{
		MatchesPerTeam: mpt,
		TeamSteps:      req.TeamAnnealSteps,
		StationSteps:   req.StationAnnealSteps,
		Seed:           s.seed,
		OnProgress: func(p Progress) error {
			done := float64(p.Step)
			if p.Phase == PhaseStation {
				done += float64(req.TeamAnnealSteps)
			}
			frac := 0.0
			if total > 0 {
				frac = done / total
			}
			genProgress.WithLabelValues(p.Phase).Set(float64(p.Step) / float64(max(p.Steps, 1)))
			err := s.report(ctx, models.MatchGenJob{Running: true, Progress: frac, Phase: p.Phase, CurrentCost: p.Cost})
			if errors.Is(err, errJobDeleted) {
				return jmserr.New(jmserr.CancellationRequested, "qualification generation cancelled")
			}
			return err
		},
	})
	if err != nil {
		if ctx.Err() != nil && !jmserr.Has(err, jmserr.CancellationRequested) {
			err = jmserr.Wrap(jmserr.CancellationRequested, err, "qualification generation cancelled")
		}
		return nil, err
	}

	matches = ToMatches(sched)
	if err := s.db.DeleteMatchesOfType(ctx, models.MatchQualification); err != nil {
		return nil, err
	}
	for _, m := range matches {
		if err := s.db.Matches.Insert(ctx, m.ID, m); err != nil {
			return nil, err
		}
	}
	if err := s.report(ctx, models.MatchGenJob{Running: false, Progress: 1, Phase: "done", CurrentCost: sched.TeamCost + sched.StationCost}); err != nil {
		if errors.Is(err, errJobDeleted) {
			// Cancelled after the last step: the schedule stands.
			return matches, nil
		}
		return nil, err
	}
	s.logger.Info("qualification generation finished", "matches", len(matches),
		"team_cost", sched.TeamCost, "station_cost", sched.StationCost)
	return matches, nil
}

// watchJob cancels the run as soon as the job document is deleted.
func (s *Service) watchJob(ctx context.Context, cancel context.CancelFunc) error {
	changes, err := s.db.Watch(ctx, models.KeyMatchGenJob)
	if err != nil {
		return err
	}
	go func() {
		for range changes {
			ok, err := s.db.MatchGenJob.Exists(ctx)
			if err == nil && !ok {
				s.logger.Info("qualification generation cancelled by job deletion")
				cancel()
				return
			}
		}
	}()
	return nil
}

// ToMatches turns a schedule into qualification matches qm_1_1, qm_1_2, ...
func ToMatches(q QualSchedule) []models.Match {
	out := make([]models.Match, 0, len(q.Matrix))
	for r, row := range q.Matrix {
		m := models.NewMatch(models.MatchQualification, 1, r+1, row[:StationsPerAlliance], row[StationsPerAlliance:])
		for c, t := range row {
			if q.Surrogate[Cell{r, c}] {
				m.Surrogates = append(m.Surrogates, t)
			}
		}
		out = append(out, m)
	}
	return out
}

// ResetPlayoffs deletes every playoff match and the playoff result, and marks all
// alliances not ready.
func (s *Service) ResetPlayoffs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteMatchesOfType(ctx, models.MatchPlayoff); err != nil {
		return err
	}
	if err := s.db.PlayoffResult.Delete(ctx); err != nil {
		return err
	}
	alliances, err := s.db.Alliances.All(ctx)
	if err != nil {
		return err
	}
	for _, a := range alliances {
		if _, err := s.db.Alliances.Update(ctx, a.ID, func(a *models.PlayoffAlliance, _ bool) error {
			a.Ready = false
			return nil
		}); err != nil {
			return err
		}
	}
	s.logger.Info("playoffs reset")
	return nil
}

// UpdatePlayoffs creates whatever playoff matches the committed results make possible
// and records the result once the final is decided. Calling it again without new
// results changes nothing.
func (s *Service) UpdatePlayoffs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode, err := s.db.PlayoffMode.Get(ctx)
	if err != nil {
		return err
	}
	format, err := FormatFor(mode)
	if err != nil {
		return err
	}
	teams, err := s.allianceTeams(ctx, mode.NAlliances)
	if err != nil {
		return err
	}
	games, err := s.games(ctx)
	if err != nil {
		return err
	}
	out, err := format.Evaluate(mode.NAlliances, teams, games)
	if err != nil {
		return err
	}

	for _, m := range out.NewMatches {
		created, err := s.db.Matches.InsertIfAbsent(ctx, m.ID, m)
		if err != nil {
			return err
		}
		if created {
			playoffMatches.Inc()
			s.logger.Info("playoff match created", "match_id", m.ID, "name", m.Name,
				"red", *m.RedAlliance, "blue", *m.BlueAlliance)
		}
	}
	if out.Result != nil {
		if err := s.finish(ctx, mode, *out.Result, teams); err != nil {
			return err
		}
	}
	return s.missingResults(games)
}

func (s *Service) allianceTeams(ctx context.Context, n int) (map[int][]int, error) {
	alliances, err := s.db.SortedAlliances(ctx)
	if err != nil {
		return nil, err
	}
	teams := map[int][]int{}
	for _, a := range alliances {
		if a.ID >= 1 && a.ID <= n {
			teams[a.ID] = a.Teams
		}
	}
	for id := 1; id <= n; id++ {
		if len(teams[id]) < StationsPerAlliance {
			return nil, jmserr.Newf(jmserr.PlayoffError, "%s: alliance %d has %d teams", jmserr.ReasonAllianceIncomplete, id, len(teams[id]))
		}
	}
	return teams, nil
}

// games loads every playoff match with its committed result, keyed by set number.
func (s *Service) games(ctx context.Context) (map[int][]Game, error) {
	matches, err := s.db.MatchesOfType(ctx, models.MatchPlayoff)
	if err != nil {
		return nil, err
	}
	cfg, err := s.db.ScoreConfig.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := map[int][]Game{}
	for _, m := range matches {
		g := Game{Match: m}
		committed, ok, err := s.db.Committed.Get(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if latest, has := committed.Latest(); ok && has {
			red, blue := cfg.Derive(latest)
			g.Done = true
			g.Winner = cfg.Winner(latest)
			g.RedScore, g.BlueScore = red.TotalScore, blue.TotalScore
		}
		out[m.SetNumber] = append(out[m.SetNumber], g)
	}
	return out, nil
}

// missingResults reports playoff matches marked played that have no committed score.
func (s *Service) missingResults(games map[int][]Game) error {
	for _, gs := range games {
		for _, g := range gs {
			if g.Match.Played && !g.Done {
				return jmserr.Newf(jmserr.PlayoffError, "%s: %s played without committed scores", jmserr.ReasonResultMissing, g.Match.ID)
			}
		}
	}
	return nil
}

func (s *Service) finish(ctx context.Context, mode models.PlayoffMode, r models.PlayoffResult, teams map[int][]int) error {
	prev, ok, err := s.db.PlayoffResult.Peek(ctx)
	if err != nil {
		return err
	}
	if ok && prev == r {
		return nil
	}
	if err := s.db.PlayoffResult.Set(ctx, r); err != nil {
		return err
	}
	s.logger.Info("playoffs decided", "winner", r.Winner, "finalist", r.Finalist)
	if mode.Kind != models.ModeDoubleBracket || !mode.Awards {
		return nil
	}
	for _, aw := range []struct {
		id, name string
		alliance int
	}{
		{"playoff-winner", AwardWinner, r.Winner},
		{"playoff-finalist", AwardFinalist, r.Finalist},
	} {
		award := models.Award{ID: aw.id, Name: aw.name}
		for _, t := range teams[aw.alliance] {
			award.Recipients = append(award.Recipients, models.AwardRecipient{Team: &t})
		}
		if err := s.db.Awards.Insert(ctx, award.ID, award); err != nil {
			return fmt.Errorf("writing %s award: %w", aw.name, err)
		}
	}
	return nil
}
