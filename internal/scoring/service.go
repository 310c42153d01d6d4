// Package scoring owns the live score, commits finished matches and keeps the
// qualification rankings current.
package scoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	// blake3 is a fast hash; two boards with the same JSON hash the same.
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// CommitGroup is the consumer group shared by every scoring process, so each published
// match is committed once.
const CommitGroup = "core-scoring-publish"

// RecomputeEvery is the cadence of the safety-net ranking recompute.
const RecomputeEvery = 10 * time.Minute

// commitRetry is how long a failed commit waits before it is handed back to the queue.
const commitRetry = time.Second

var (
	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_score_commits_total",
		Help: "Score commits handled, by result",
	}, []string{"result"})

	recomputeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jms_ranking_recompute_seconds",
		Help:    "Time to recompute and store the rankings",
		Buckets: prometheus.DefBuckets,
	})
)

// PlayoffUpdater advances the playoff schedule after a commit. schedule.Client and
// schedule.Service both satisfy it.
type PlayoffUpdater interface {
	UpdatePlayoffs(ctx context.Context) error
}

// ScoreUpdateRequest changes one counter of one alliance.
type ScoreUpdateRequest struct {
	Alliance models.Alliance    `json:"alliance" validate:"required,oneof=red blue"`
	Update   models.ScoreUpdate `json:"update"`
}

// Service is the scoring engine. Several may run against the same store; the lock and
// the commit group keep them from stepping on each other.
type Service struct {
	db       *models.DB
	bus      *bus.Bus
	clock    clockwork.Clock
	logger   *slog.Logger
	lock     *Lock
	playoffs PlayoffUpdater

	rankMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithPlayoffs sets who is told to advance the playoffs after each commit.
func WithPlayoffs(p PlayoffUpdater) Option { return func(s *Service) { s.playoffs = p } }

// New returns a scoring service. b may be nil when Run is never called.
func New(db *models.DB, b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		db:     db,
		bus:    b,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		lock:   NewLock(db.Store, models.KeyScoreLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScoreUpdate applies one change to the live score under the score lock and returns the
// new board.
func (s *Service) ScoreUpdate(ctx context.Context, alliance models.Alliance, u models.ScoreUpdate) (models.MatchScore, error) {
	if !alliance.Valid() {
		return models.MatchScore{}, jmserr.Newf(jmserr.Malformed, "unknown alliance %q", alliance)
	}
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return models.MatchScore{}, err
	}
	defer release()
	return s.db.LiveScore.Update(ctx, func(m *models.MatchScore) error {
		return u.Apply(m.Side(alliance))
	})
}

func snapshotHash(m models.MatchScore) ([32]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(b), nil
}

// Commit appends the live score to the match's committed record, clears the live score
// and refreshes rankings and playoffs. It is safe to repeat: a snapshot identical to the
// last one committed is not appended again, and neither is an empty board once the
// match already has a snapshot, whether or not the broker marked the message as
// redelivered. Rankings and playoffs are refreshed on duplicates too, so a delivery
// that failed after clearing the board still completes when it comes back.
func (s *Service) Commit(ctx context.Context, matchID string, redelivered bool) error {
	typ, _, _, err := models.ParseMatchID(matchID)
	if err != nil {
		return err
	}
	appended, err := s.commit(ctx, matchID, typ)
	if err != nil {
		commits.WithLabelValues("error").Inc()
		return err
	}
	if appended {
		commits.WithLabelValues("committed").Inc()
		s.logger.Info("match scores committed", "match_id", matchID)
	} else {
		commits.WithLabelValues("duplicate").Inc()
		s.logger.Info("skipping duplicate commit", "match_id", matchID, "redelivered", redelivered)
	}

	if _, err := s.Recompute(ctx); err != nil {
		return err
	}
	s.advancePlayoffs(ctx)
	return nil
}

func (s *Service) commit(ctx context.Context, matchID string, typ models.MatchType) (bool, error) {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	// A missing board reads as the zero score.
	live, _, err := s.db.LiveScore.Peek(ctx)
	if err != nil {
		return false, err
	}
	hash, err := snapshotHash(live)
	if err != nil {
		return false, err
	}
	match, found, err := s.db.Matches.Get(ctx, matchID)
	if err != nil {
		return false, err
	}

	var appended bool
	_, err = s.db.Committed.Update(ctx, matchID, func(rec *models.CommittedMatchScores, exists bool) error {
		appended = false
		if last, ok := rec.Latest(); exists && ok {
			lastHash, err := snapshotHash(last)
			if err != nil {
				return err
			}
			if lastHash == hash || live == (models.MatchScore{}) {
				return nil
			}
		}
		rec.MatchID = matchID
		rec.MatchType = typ
		if found {
			rec.RedTeams = match.Teams(models.Red)
			rec.BlueTeams = match.Teams(models.Blue)
			rec.Surrogates = match.Surrogates
		}
		rec.Scores = append(rec.Scores, live)
		rec.LastUpdate = s.clock.Now()
		appended = true
		return nil
	})
	if err != nil || !appended {
		return false, err
	}
	return true, s.db.LiveScore.Delete(ctx)
}

// advancePlayoffs asks the playoff schedule to catch up. Outside the playoffs the
// schedule answers with a PlayoffError, which is expected and only logged at debug.
func (s *Service) advancePlayoffs(ctx context.Context) {
	if s.playoffs == nil {
		return
	}
	err := s.playoffs.UpdatePlayoffs(ctx)
	switch {
	case err == nil:
	case jmserr.Has(err, jmserr.PlayoffError):
		s.logger.Debug("playoffs not advanced", "error", err)
	default:
		s.logger.Warn("updating playoffs failed", "error", err)
	}
}

// Recompute rebuilds every team's ranking from the committed records and returns them
// best first. Teams that no longer appear in any counted match lose their row.
func (s *Service) Recompute(ctx context.Context) ([]models.TeamRanking, error) {
	s.rankMu.Lock()
	defer s.rankMu.Unlock()
	start := time.Now()

	cfg, err := s.db.ScoreConfig.Get(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.db.Committed.All(ctx)
	if err != nil {
		return nil, err
	}
	rows := Rankings(cfg, records)

	keep := make(map[int]bool, len(rows))
	for _, r := range rows {
		keep[r.Team] = true
		if err := s.db.Rankings.Insert(ctx, r.Team, r); err != nil {
			return nil, err
		}
	}
	existing, err := s.db.Rankings.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if !keep[r.Team] {
			if err := s.db.Rankings.Delete(ctx, r.Team); err != nil {
				return nil, err
			}
		}
	}
	recomputeSeconds.Observe(time.Since(start).Seconds())
	return rows, nil
}

// Run consumes committed matches and recomputes on a schedule until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	published, err := bus.Subscribe[arena.ScoresPublished](ctx, s.bus, bus.TopicScoresPublish,
		bus.SubscribeOptions{Group: CommitGroup, Durable: true})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for msg := range published {
			s.handle(ctx, msg)
		}
		return nil
	})
	g.Go(func() error {
		t := s.clock.NewTicker(RecomputeEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.Chan():
				if _, err := s.Recompute(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("scheduled ranking recompute failed", "error", err)
				}
				s.advancePlayoffs(ctx)
			}
		}
	})
	return g.Wait()
}

func (s *Service) handle(ctx context.Context, msg bus.Message[arena.ScoresPublished]) {
	err := s.Commit(ctx, msg.Value.MatchID, msg.Redelivered)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			s.logger.Warn("ack failed", "match_id", msg.Value.MatchID, "error", err)
		}
	case ctx.Err() != nil:
		_ = msg.Nack(true)
	case jmserr.Has(err, jmserr.Malformed):
		s.logger.Error("dropping commit", "match_id", msg.Value.MatchID, "error", err)
		_ = msg.Nack(false)
	default:
		s.logger.Error("commit failed, requeueing", "match_id", msg.Value.MatchID, "error", err)
		select {
		case <-ctx.Done():
		case <-s.clock.After(commitRetry):
		}
		_ = msg.Nack(true)
	}
}
