package scoring

import (
	"slices"

	"github.com/trentd187/jms/internal/models"
)

// Rankings aggregates the counted qualification records into one row per team, sorted
// best first. Only the last snapshot of a record counts and surrogate appearances are
// skipped.
func Rankings(cfg models.ScoreConfig, records []models.CommittedMatchScores) []models.TeamRanking {
	byTeam := map[int]*models.TeamRanking{}
	row := func(team int) *models.TeamRanking {
		r, ok := byTeam[team]
		if !ok {
			r = &models.TeamRanking{Team: team}
			byTeam[team] = r
		}
		return r
	}

	for _, rec := range records {
		if rec.MatchType != models.MatchQualification {
			continue
		}
		score, ok := rec.Latest()
		if !ok {
			continue
		}
		red, blue := cfg.Derive(score)
		winner := cfg.Winner(score)
		tally := func(teams []int, side models.Alliance, d models.DerivedScore) {
			for _, team := range teams {
				if slices.Contains(rec.Surrogates, team) {
					continue
				}
				r := row(team)
				r.Played++
				switch winner {
				case side:
					r.Win++
					r.RP += cfg.WinRP
				case "":
					r.Tie++
					r.RP += cfg.TieRP
				default:
					r.Loss++
				}
				r.RP += d.BonusRP
				r.AutoPoints += d.AutoPoints
				r.EndgamePoints += d.EndgamePoints
				r.TeleopPoints += d.TeleopPoints
			}
		}
		tally(rec.RedTeams, models.Red, red)
		tally(rec.BlueTeams, models.Blue, blue)
	}

	out := make([]models.TeamRanking, 0, len(byTeam))
	for _, r := range byTeam {
		out = append(out, *r)
	}
	models.SortRankings(out)
	return out
}
