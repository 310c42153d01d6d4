package facade

import (
	"context"
	"slices"
	"strings"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
)

func registerEvent(reg *rpc.Registry, d Deps) {
	h := reg.Handler("event", 0)
	rpc.Publish(h, "details", rpc.Anyone, d.DB.Event.Get)
	rpc.Endpoint(h, "update", rpc.Need(models.PermFTA), func(ctx context.Context, _ rpc.Caller, u models.EventDetailsUpdate) (models.EventDetails, error) {
		return d.DB.UpdateEvent(ctx, u)
	})
}

// --- Teams ---

// TeamRequest creates or edits one team.
type TeamRequest struct {
	Number int               `json:"number" validate:"gt=0"`
	Update models.TeamUpdate `json:"update"`
}

// TeamNumber names one team.
type TeamNumber struct {
	Number int `json:"number" validate:"gt=0"`
}

func sortedTeams(ctx context.Context, db *models.DB) ([]models.Team, error) {
	teams, err := db.Teams.All(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(teams, func(a, b models.Team) int { return a.Number - b.Number })
	return teams, nil
}

func registerTeams(reg *rpc.Registry, d Deps) {
	h := reg.Handler("teams", 0)

	// WPA keys are only handed out through the reports.
	rpc.Publish(h, "teams", rpc.Anyone, func(ctx context.Context) ([]models.Team, error) {
		teams, err := sortedTeams(ctx, d.DB)
		for i := range teams {
			teams[i].WPAKey = ""
		}
		return teams, err
	})
	rpc.Endpoint(h, "new_team", rpc.Need(models.PermManageTeams), func(ctx context.Context, _ rpc.Caller, r TeamRequest) (models.Team, error) {
		return d.DB.CreateTeam(ctx, r.Number, r.Update)
	})
	rpc.Endpoint(h, "update_team", rpc.Need(models.PermManageTeams), func(ctx context.Context, _ rpc.Caller, r TeamRequest) (models.Team, error) {
		return d.DB.UpdateTeam(ctx, r.Number, r.Update)
	})
	rpc.Endpoint(h, "delete_team", rpc.Need(models.PermManageTeams), func(ctx context.Context, _ rpc.Caller, r TeamNumber) (empty, error) {
		return empty{}, d.DB.Teams.Delete(ctx, r.Number)
	})
}

// --- Awards ---

// AwardID names one award.
type AwardID struct {
	ID string `json:"id" validate:"required"`
}

// SetAwardRequest creates an award (empty ID) or replaces one.
type SetAwardRequest struct {
	ID         string                  `json:"id,omitempty"`
	Name       string                  `json:"name" validate:"required"`
	Recipients []models.AwardRecipient `json:"recipients"`
}

func registerAwards(reg *rpc.Registry, d Deps) {
	h := reg.Handler("awards", 0)

	rpc.Publish(h, "awards", rpc.Anyone, func(ctx context.Context) ([]models.Award, error) {
		awards, err := d.DB.Awards.All(ctx)
		slices.SortFunc(awards, func(a, b models.Award) int { return strings.Compare(a.Name, b.Name) })
		return awards, err
	})
	rpc.Endpoint(h, "set_award", rpc.Need(models.PermManageAwards), func(ctx context.Context, _ rpc.Caller, r SetAwardRequest) (models.Award, error) {
		a := models.NewAward(r.Name)
		if r.ID != "" {
			a.ID = r.ID
		}
		for _, rec := range r.Recipients {
			if rec.Team == nil && (rec.Awardee == nil || *rec.Awardee == "") {
				return models.Award{}, jmserr.New(jmserr.Malformed, "award recipient needs a team or an awardee")
			}
			a.Recipients = append(a.Recipients, rec)
		}
		return a, d.DB.Awards.Insert(ctx, a.ID, a)
	})
	rpc.Endpoint(h, "delete_award", rpc.Need(models.PermManageAwards), func(ctx context.Context, _ rpc.Caller, r AwardID) (empty, error) {
		return empty{}, d.DB.Awards.Delete(ctx, r.ID)
	})
}

// --- Alliances ---

// SetAlliancesRequest lists the playoff alliances, captain first, in seed order.
type SetAlliancesRequest struct {
	Alliances [][]int `json:"alliances" validate:"max=8,dive,min=1,max=4,dive,gt=0"`
}

// AllianceReady marks one alliance ready or not.
type AllianceReady struct {
	ID    int  `json:"id" validate:"gt=0"`
	Ready bool `json:"ready"`
}

func registerAlliances(reg *rpc.Registry, d Deps) {
	h := reg.Handler("alliances", 0)

	rpc.Publish(h, "alliances", rpc.Anyone, d.DB.SortedAlliances)
	rpc.Publish(h, "playoff_mode", rpc.Anyone, d.DB.PlayoffMode.Get)
	rpc.Publish(h, "playoff_result", rpc.Anyone, func(ctx context.Context) (*models.PlayoffResult, error) {
		r, ok, err := d.DB.PlayoffResult.Peek(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return &r, nil
	})
	rpc.Endpoint(h, "set_alliances", rpc.Need(models.PermManageAlliances), func(ctx context.Context, _ rpc.Caller, r SetAlliancesRequest) ([]models.PlayoffAlliance, error) {
		for _, teams := range r.Alliances {
			for _, t := range teams {
				if _, ok, err := d.DB.Teams.Get(ctx, t); err != nil {
					return nil, err
				} else if !ok {
					return nil, jmserr.Newf(jmserr.Malformed, "no team %d", t)
				}
			}
		}
		return d.DB.SetAlliances(ctx, r.Alliances)
	})
	rpc.Endpoint(h, "set_ready", rpc.Need(models.PermManageAlliances), func(ctx context.Context, _ rpc.Caller, r AllianceReady) (models.PlayoffAlliance, error) {
		return d.DB.Alliances.Update(ctx, r.ID, func(a *models.PlayoffAlliance, exists bool) error {
			if !exists {
				return jmserr.Newf(jmserr.Malformed, "no alliance %d", r.ID)
			}
			a.Ready = r.Ready
			return nil
		})
	})
	rpc.Endpoint(h, "set_playoff_mode", rpc.Need(models.PermFTA), func(ctx context.Context, _ rpc.Caller, m models.PlayoffMode) (models.PlayoffMode, error) {
		if err := m.Validate(); err != nil {
			return models.PlayoffMode{}, err
		}
		return m, d.DB.PlayoffMode.Set(ctx, m)
	})
}

// --- Audience ---

// SoundRequest queues a sound on the audience display.
type SoundRequest struct {
	Sound string `json:"sound" validate:"required"`
}

// TakenSound is the queued sound, if there was one.
type TakenSound struct {
	Sound *string `json:"sound"`
}

func registerAudience(reg *rpc.Registry, d Deps) {
	h := reg.Handler("audience", 0)

	rpc.Publish(h, "display", rpc.Anyone, d.DB.Audience.Get)
	rpc.Endpoint(h, "set_scene", rpc.Need(models.PermManageAudience), func(ctx context.Context, _ rpc.Caller, s models.Scene) (empty, error) {
		return empty{}, d.DB.SetScene(ctx, s)
	})
	rpc.Endpoint(h, "play_sound", rpc.Need(models.PermManageAudience), func(ctx context.Context, _ rpc.Caller, r SoundRequest) (empty, error) {
		return empty{}, d.DB.SetSound(ctx, r.Sound)
	})
	// The display itself takes the sound; it runs without an operator signed in.
	rpc.Endpoint(h, "take_sound", rpc.Anyone, func(ctx context.Context, _ rpc.Caller, _ empty) (TakenSound, error) {
		s, ok, err := d.DB.TakeSound(ctx)
		if err != nil || !ok {
			return TakenSound{}, err
		}
		return TakenSound{Sound: &s}, nil
	})
}
