package facade

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
)

// MimeCSV is the type of every generated report.
const MimeCSV = "text/csv"

// Report is a rendered document.
type Report struct {
	Data []byte `json:"data"`
	Mime string `json:"mime"`
}

// WPAReportRequest selects the WPA key report format. Only CSV is produced.
type WPAReportRequest struct {
	CSV bool `json:"csv"`
}

// MatchReportRequest selects matches of one type, optionally only those a team plays.
type MatchReportRequest struct {
	MatchType models.MatchType `json:"match_type" validate:"required,oneof=Test Practice Qualification Playoff"`
	PerTeam   *int             `json:"per_team,omitempty" validate:"omitempty,gt=0"`
}

func renderCSV(header []string, rows [][]string) (Report, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return Report{}, err
	}
	if err := w.WriteAll(rows); err != nil {
		return Report{}, jmserr.Wrap(jmserr.Malformed, err, "writing report")
	}
	return Report{Data: buf.Bytes(), Mime: MimeCSV}, nil
}

func opt(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func teamCell(t *int) string {
	if t == nil {
		return ""
	}
	return strconv.Itoa(*t)
}

func registerReports(reg *rpc.Registry, d Deps) {
	h := reg.Handler("reports", 0)
	view := rpc.Need(models.PermViewReports)

	rpc.Endpoint(h, "teams_report", view, func(ctx context.Context, _ rpc.Caller, _ empty) (Report, error) {
		teams, err := sortedTeams(ctx, d.DB)
		if err != nil {
			return Report{}, err
		}
		rows := make([][]string, len(teams))
		for i, t := range teams {
			rows[i] = []string{strconv.Itoa(t.Number), t.DisplayNumber, opt(t.Name), opt(t.Affiliation), opt(t.Location), strconv.FormatBool(t.Schedule)}
		}
		return renderCSV([]string{"Team", "Display", "Name", "Affiliation", "Location", "Scheduled"}, rows)
	})

	rpc.Endpoint(h, "wpa_report", view, func(ctx context.Context, _ rpc.Caller, r WPAReportRequest) (Report, error) {
		if !r.CSV {
			return Report{}, jmserr.New(jmserr.Malformed, "only the CSV WPA report is available")
		}
		teams, err := sortedTeams(ctx, d.DB)
		if err != nil {
			return Report{}, err
		}
		rows := make([][]string, len(teams))
		for i, t := range teams {
			rows[i] = []string{strconv.Itoa(t.Number), t.WPAKey}
		}
		return renderCSV([]string{"Team", "WPA Key"}, rows)
	})

	rpc.Endpoint(h, "awards_report", view, func(ctx context.Context, _ rpc.Caller, _ empty) (Report, error) {
		awards, err := d.DB.Awards.All(ctx)
		if err != nil {
			return Report{}, err
		}
		var rows [][]string
		for _, a := range awards {
			for _, rec := range a.Recipients {
				rows = append(rows, []string{a.Name, teamCell(rec.Team), opt(rec.Awardee)})
			}
		}
		return renderCSV([]string{"Award", "Team", "Awardee"}, rows)
	})

	rpc.Endpoint(h, "rankings_report", view, func(ctx context.Context, _ rpc.Caller, _ empty) (Report, error) {
		ranks, err := d.DB.Rankings.All(ctx)
		if err != nil {
			return Report{}, err
		}
		models.SortRankings(ranks)
		rows := make([][]string, len(ranks))
		for i, r := range ranks {
			rows[i] = []string{
				strconv.Itoa(i + 1), strconv.Itoa(r.Team), fmt.Sprintf("%.2f", r.RPPerMatch()),
				strconv.Itoa(r.RP), strconv.Itoa(r.Played),
				fmt.Sprintf("%d-%d-%d", r.Win, r.Loss, r.Tie),
				strconv.Itoa(r.AutoPoints), strconv.Itoa(r.EndgamePoints), strconv.Itoa(r.TeleopPoints),
			}
		}
		return renderCSV([]string{"Rank", "Team", "RP/Match", "RP", "Played", "W-L-T", "Auto", "Endgame", "Teleop"}, rows)
	})

	rpc.Endpoint(h, "match_report", view, func(ctx context.Context, _ rpc.Caller, r MatchReportRequest) (Report, error) {
		matches, err := d.DB.MatchesOfType(ctx, r.MatchType)
		if err != nil {
			return Report{}, err
		}
		cfg, err := d.DB.ScoreConfig.Get(ctx)
		if err != nil {
			return Report{}, err
		}
		var rows [][]string
		for _, m := range matches {
			if r.PerTeam != nil {
				if _, plays := m.AllianceOf(*r.PerTeam); !plays {
					continue
				}
			}
			row := []string{m.DisplayName()}
			for _, t := range m.RedTeams {
				row = append(row, teamCell(t))
			}
			for _, t := range m.BlueTeams {
				row = append(row, teamCell(t))
			}
			red, blue := "", ""
			rec, ok, err := d.DB.Committed.Get(ctx, m.ID)
			if err != nil {
				return Report{}, err
			}
			if score, played := rec.Latest(); ok && played {
				rs, bs := cfg.Derive(score)
				red, blue = strconv.Itoa(rs.TotalScore), strconv.Itoa(bs.TotalScore)
			}
			rows = append(rows, append(row, red, blue))
		}
		return renderCSV([]string{"Match", "Red 1", "Red 2", "Red 3", "Blue 1", "Blue 2", "Blue 3", "Red Score", "Blue Score"}, rows)
	})
}
