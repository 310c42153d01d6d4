// Package facade registers the operator-facing handlers (teams, scoring, arena and the
// rest) on an rpc.Registry. Handlers read and write the store directly and reach the
// arena, match generator, scoring engine, backup service and event-database publisher
// through their bus clients.
package facade

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/database"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
	"github.com/trentd187/jms/internal/schedule"
)

// Arena is the arena service as seen by the façade. arena.Client implements it.
type Arena interface {
	Signal(ctx context.Context, sig models.ArenaSignal) (models.ArenaState, error)
	LoadMatch(ctx context.Context, matchID string) (models.Match, error)
	LoadTestMatch(ctx context.Context) (models.Match, error)
	UnloadMatch(ctx context.Context) error
	SetStation(ctx context.Context, r arena.SetStationRequest) (models.AllianceStation, error)
	Electronics(ctx context.Context, u arena.ElectronicsUpdate) (models.ArenaState, error)
	ResetEstops(ctx context.Context) error
}

// Matches is the match generator. schedule.Client implements it.
type Matches interface {
	StartQualGen(ctx context.Context, r schedule.QualGenRequest) error
	CancelQualGen(ctx context.Context) error
	ResetPlayoffs(ctx context.Context) error
	UpdatePlayoffs(ctx context.Context) error
}

// Scoring is the scoring engine. scoring.Client implements it.
type Scoring interface {
	ScoreUpdate(ctx context.Context, alliance models.Alliance, u models.ScoreUpdate) (models.MatchScore, error)
	Recompute(ctx context.Context) ([]models.TeamRanking, error)
}

// Backups is the backup service. backups.Client and *backups.Service implement it.
type Backups interface {
	BackupNow(ctx context.Context, reason string) (database.BackupInfo, error)
	BackupTo(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, data []byte) error
	RestoreLatest(ctx context.Context) error
	List(ctx context.Context) ([]database.BackupInfo, error)
}

// TBA is the event-database publisher. tba.Client implements it.
type TBA interface {
	Issue(ctx context.Context, noun string) error
	PublishAll(ctx context.Context) error
	Forget(ctx context.Context) error
}

// Deps is everything the handlers need.
type Deps struct {
	DB      *models.DB
	Auth    *models.Authenticator
	Bus     *bus.Bus // networking pushes go out on it; may be nil in tests
	Arena   Arena
	Matches Matches
	Scoring Scoring
	Backups Backups
	TBA     TBA
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

type empty struct{}

// Register adds every handler to reg.
func Register(reg *rpc.Registry, d Deps) {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	registerAuth(reg, d)
	registerEvent(reg, d)
	registerTeams(reg, d)
	registerAwards(reg, d)
	registerAlliances(reg, d)
	registerAudience(reg, d)
	registerScoring(reg, d)
	registerArena(reg, d)
	registerMatchGen(reg, d)
	registerElectronics(reg, d)
	registerBackups(reg, d)
	registerNetworking(reg, d)
	registerTBA(reg, d)
	registerReports(reg, d)
	registerComponents(reg, d)
	registerTickets(reg, d)
	registerDebug(reg, d)
}
