package tba

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/trentd187/jms/internal/models"
)

type builder func(ctx context.Context, db *models.DB) (any, error)

var builders = map[string]builder{
	NounTeamList:  teamList,
	NounAlliances: allianceSelections,
	NounInfo:      info,
	NounRankings:  rankings,
	NounMatches:   matches,
	NounAwards:    awards,
}

// TeamKey is the event database key of a team, e.g. "frc254".
func TeamKey(team int) string { return fmt.Sprintf("frc%d", team) }

func teamKeys(teams []int) []string {
	out := make([]string, len(teams))
	for i, t := range teams {
		out[i] = TeamKey(t)
	}
	return out
}

func teamList(ctx context.Context, db *models.DB) (any, error) {
	teams, err := db.Teams.All(ctx)
	if err != nil {
		return nil, err
	}
	nums := make([]int, len(teams))
	for i, t := range teams {
		nums[i] = t.Number
	}
	slices.Sort(nums)
	return teamKeys(nums), nil
}

func allianceSelections(ctx context.Context, db *models.DB) (any, error) {
	alliances, err := db.SortedAlliances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(alliances))
	for i, a := range alliances {
		out[i] = teamKeys(a.Teams)
	}
	return out, nil
}

type webcast struct {
	URL string `json:"url"`
}

type eventInfo struct {
	Webcasts []webcast `json:"webcasts"`
}

func info(ctx context.Context, db *models.DB) (any, error) {
	event, err := db.Event.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := eventInfo{Webcasts: make([]webcast, len(event.Webcasts))}
	for i, url := range event.Webcasts {
		out.Webcasts[i] = webcast{URL: url}
	}
	return out, nil
}

type rankingRow struct {
	TeamKey string `json:"team_key"`
	Rank    int    `json:"rank"`
	Played  int    `json:"played"`
	DQs     int    `json:"dqs"`
	Wins    int    `json:"wins"`
	Losses  int    `json:"losses"`
	Ties    int    `json:"ties"`
	RP      int    `json:"rp"`
	Auto    int    `json:"auto"`
	Endgame int    `json:"endgame"`
	Teleop  int    `json:"teleop"`
}

type rankingsPayload struct {
	Breakdowns []string     `json:"breakdowns"`
	Rankings   []rankingRow `json:"rankings"`
}

func rankings(ctx context.Context, db *models.DB) (any, error) {
	rows, err := db.Rankings.All(ctx)
	if err != nil {
		return nil, err
	}
	models.SortRankings(rows)
	out := rankingsPayload{
		Breakdowns: []string{"wins", "losses", "ties", "rp", "auto", "endgame", "teleop"},
		Rankings:   make([]rankingRow, len(rows)),
	}
	for i, r := range rows {
		out.Rankings[i] = rankingRow{
			TeamKey: TeamKey(r.Team), Rank: i + 1, Played: r.Played,
			Wins: r.Win, Losses: r.Loss, Ties: r.Tie, RP: r.RP,
			Auto: r.AutoPoints, Endgame: r.EndgamePoints, Teleop: r.TeleopPoints,
		}
	}
	return out, nil
}

type allianceResult struct {
	Teams      []string `json:"teams"`
	Score      int      `json:"score"`
	Surrogates []string `json:"surrogates"`
}

type matchPayload struct {
	CompLevel   string                    `json:"comp_level"`
	SetNumber   int                       `json:"set_number"`
	MatchNumber int                       `json:"match_number"`
	Alliances   map[string]allianceResult `json:"alliances"`
}

// compLevel maps a match onto the event database's competition levels. Playoff
// finals are recognised by name.
func compLevel(m models.Match) string {
	if m.MatchType == models.MatchQualification {
		return "qm"
	}
	if strings.HasPrefix(m.Name, "Final") {
		return "f"
	}
	return "sf"
}

func matches(ctx context.Context, db *models.DB) (any, error) {
	cfg, err := db.ScoreConfig.Get(ctx)
	if err != nil {
		return nil, err
	}
	var out []matchPayload
	for _, typ := range []models.MatchType{models.MatchQualification, models.MatchPlayoff} {
		ms, err := db.MatchesOfType(ctx, typ)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			rec, ok, err := db.Committed.Get(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			redScore, blueScore := -1, -1
			if score, played := rec.Latest(); ok && played {
				red, blue := cfg.Derive(score)
				redScore, blueScore = red.TotalScore, blue.TotalScore
			}
			side := func(a models.Alliance, score int) allianceResult {
				var surrogates []int
				for _, t := range m.Teams(a) {
					if m.IsSurrogate(t) {
						surrogates = append(surrogates, t)
					}
				}
				return allianceResult{Teams: teamKeys(m.Teams(a)), Score: score, Surrogates: teamKeys(surrogates)}
			}
			out = append(out, matchPayload{
				CompLevel:   compLevel(m),
				SetNumber:   m.SetNumber,
				MatchNumber: m.MatchNumber,
				Alliances: map[string]allianceResult{
					"red":  side(models.Red, redScore),
					"blue": side(models.Blue, blueScore),
				},
			})
		}
	}
	if out == nil {
		out = []matchPayload{}
	}
	return out, nil
}

type awardRow struct {
	NameStr string  `json:"name_str"`
	TeamKey *string `json:"team_key"`
	Awardee *string `json:"awardee"`
}

func awards(ctx context.Context, db *models.DB) (any, error) {
	list, err := db.Awards.All(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(list, func(a, b models.Award) int { return strings.Compare(a.Name, b.Name) })
	out := []awardRow{}
	for _, a := range list {
		for _, r := range a.Recipients {
			row := awardRow{NameStr: a.Name, Awardee: r.Awardee}
			if r.Team != nil {
				key := TeamKey(*r.Team)
				row.TeamKey = &key
			}
			out = append(out, row)
		}
	}
	return out, nil
}
