package facade

import (
	"context"
	"time"

	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/registry"
	"github.com/trentd187/jms/internal/rpc"
	"github.com/trentd187/jms/internal/schedule"
	"github.com/trentd187/jms/internal/scoring"
)

// Live views refresh faster than the rest.
const liveInterval = 100 * time.Millisecond

// MatchIDRequest names one match.
type MatchIDRequest struct {
	MatchID string `json:"match_id" validate:"required"`
}

// LiveView is the live board with the derived totals the displays show.
type LiveView struct {
	Score models.MatchScore   `json:"score"`
	Red   models.DerivedScore `json:"red"`
	Blue  models.DerivedScore `json:"blue"`
}

func registerScoring(reg *rpc.Registry, d Deps) {
	h := reg.Handler("scoring", liveInterval)

	rpc.Publish(h, "live", rpc.Anyone, func(ctx context.Context) (LiveView, error) {
		score, _, err := d.DB.LiveScore.Peek(ctx)
		if err != nil {
			return LiveView{}, err
		}
		cfg, err := d.DB.ScoreConfig.Get(ctx)
		if err != nil {
			return LiveView{}, err
		}
		red, blue := cfg.Derive(score)
		return LiveView{Score: score, Red: red, Blue: blue}, nil
	})
	rpc.Publish(h, "rankings", rpc.Anyone, func(ctx context.Context) ([]models.TeamRanking, error) {
		rows, err := d.DB.Rankings.All(ctx)
		models.SortRankings(rows)
		return rows, err
	})
	rpc.Publish(h, "config", rpc.Anyone, d.DB.ScoreConfig.Get)

	rpc.Endpoint(h, "score_update", rpc.Need(models.PermScoring), func(ctx context.Context, _ rpc.Caller, r scoring.ScoreUpdateRequest) (models.MatchScore, error) {
		return d.Scoring.ScoreUpdate(ctx, r.Alliance, r.Update)
	})
	rpc.Endpoint(h, "recompute", rpc.Need(models.PermFTA), func(ctx context.Context, _ rpc.Caller, _ empty) ([]models.TeamRanking, error) {
		return d.Scoring.Recompute(ctx)
	})
	rpc.Endpoint(h, "set_config", rpc.Need(models.PermFTA), func(ctx context.Context, _ rpc.Caller, cfg models.ScoreConfig) (models.ScoreConfig, error) {
		return cfg, d.DB.ScoreConfig.Set(ctx, cfg)
	})
	rpc.Endpoint(h, "committed", rpc.Anyone, func(ctx context.Context, _ rpc.Caller, r MatchIDRequest) (models.CommittedMatchScores, error) {
		rec, ok, err := d.DB.Committed.Get(ctx, r.MatchID)
		return models.RequireFound(rec, ok, err, "committed scores for "+r.MatchID)
	})
}

// Schedule is the upcoming and played matches of the current phase.
type Schedule struct {
	Next    *models.Match  `json:"next"`
	Matches []models.Match `json:"matches"`
}

func registerArena(reg *rpc.Registry, d Deps) {
	h := reg.Handler("arena", liveInterval)

	rpc.Publish(h, "state", rpc.Anyone, func(ctx context.Context) (arena.View, error) {
		return arenaView(ctx, d.DB)
	})
	rpc.Publish(h, "schedule", rpc.Anyone, func(ctx context.Context) (Schedule, error) {
		all, err := d.DB.Matches.All(ctx)
		if err != nil {
			return Schedule{}, err
		}
		var out Schedule
		for _, m := range all {
			if m.MatchType != models.MatchTest {
				out.Matches = append(out.Matches, m)
			}
		}
		models.SortMatches(out.Matches)
		next, ok, err := d.DB.NextMatch(ctx)
		if ok {
			out.Next = &next
		}
		return out, err
	})

	fta := rpc.Need(models.PermFTA)
	rpc.Endpoint(h, "signal", fta, func(ctx context.Context, c rpc.Caller, sig models.ArenaSignal) (models.ArenaState, error) {
		d.Logger.Info("arena signal", "signal", sig.String(), "user", c.User.Username)
		return d.Arena.Signal(ctx, sig)
	})
	rpc.Endpoint(h, "load_match", fta, func(ctx context.Context, _ rpc.Caller, r MatchIDRequest) (models.Match, error) {
		return d.Arena.LoadMatch(ctx, r.MatchID)
	})
	rpc.Endpoint(h, "load_test_match", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (models.Match, error) {
		return d.Arena.LoadTestMatch(ctx)
	})
	rpc.Endpoint(h, "unload_match", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.Arena.UnloadMatch(ctx)
	})
	rpc.Endpoint(h, "set_station", fta, func(ctx context.Context, _ rpc.Caller, r arena.SetStationRequest) (models.AllianceStation, error) {
		return d.Arena.SetStation(ctx, r)
	})
}

// arenaView reads the arena's persisted state. Peek keeps the façade from seeding the
// record, which only the arena service writes.
func arenaView(ctx context.Context, db *models.DB) (arena.View, error) {
	rec, ok, err := db.Arena.Peek(ctx)
	if err != nil {
		return arena.View{}, err
	}
	if !ok {
		rec.State = models.ArenaState{Kind: models.StateInit}
	}
	st, err := stations(ctx, db)
	return arena.View{State: rec.State, Match: rec.Match, Stations: st}, err
}

func stations(ctx context.Context, db *models.DB) ([]models.AllianceStation, error) {
	out := make([]models.AllianceStation, 0, len(models.AllStations))
	for _, id := range models.AllStations {
		st, ok, err := db.Stations.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			st = models.AllianceStation{ID: id}
		}
		out = append(out, st)
	}
	return out, nil
}

func registerMatchGen(reg *rpc.Registry, d Deps) {
	h := reg.Handler("matchgen", 0)
	fta := rpc.Need(models.PermFTA)

	rpc.Publish(h, "job", rpc.Need(models.PermFTA), func(ctx context.Context) (*models.MatchGenJob, error) {
		job, ok, err := d.DB.MatchGenJob.Peek(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return &job, nil
	})
	rpc.Publish(h, "quals", rpc.Anyone, func(ctx context.Context) ([]models.Match, error) {
		return d.DB.MatchesOfType(ctx, models.MatchQualification)
	})
	rpc.Publish(h, "playoffs", rpc.Anyone, func(ctx context.Context) ([]models.Match, error) {
		return d.DB.MatchesOfType(ctx, models.MatchPlayoff)
	})

	rpc.Endpoint(h, "start_qual_gen", fta, func(ctx context.Context, _ rpc.Caller, r schedule.QualGenRequest) (empty, error) {
		return empty{}, d.Matches.StartQualGen(ctx, r)
	})
	rpc.Endpoint(h, "cancel_qual_gen", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.Matches.CancelQualGen(ctx)
	})
	rpc.Endpoint(h, "reset_playoffs", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.Matches.ResetPlayoffs(ctx)
	})
	rpc.Endpoint(h, "update_playoffs", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.Matches.UpdatePlayoffs(ctx)
	})
}

func registerElectronics(reg *rpc.Registry, d Deps) {
	h := reg.Handler("electronics", liveInterval)
	manage := rpc.Need(models.PermManageElectronics, models.PermFTA)

	rpc.Publish(h, "stations", rpc.Anyone, func(ctx context.Context) ([]models.AllianceStation, error) {
		return stations(ctx, d.DB)
	})
	rpc.Endpoint(h, "update", manage, func(ctx context.Context, _ rpc.Caller, u arena.ElectronicsUpdate) (models.ArenaState, error) {
		return d.Arena.Electronics(ctx, u)
	})
	rpc.Endpoint(h, "reset_estops", manage, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.Arena.ResetEstops(ctx)
	})
}

func registerComponents(reg *rpc.Registry, d Deps) {
	h := reg.Handler("components", time.Second)
	rpc.Publish(h, "components", rpc.Anyone, func(ctx context.Context) ([]registry.Status, error) {
		return registry.List(ctx, d.DB, d.Clock.Now())
	})
}
