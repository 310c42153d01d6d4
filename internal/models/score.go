package models

import (
	"slices"
	"time"

	"github.com/trentd187/jms/internal/jmserr"
)

// LiveScore is one alliance's running tally for the match in progress.
type LiveScore struct {
	Auto      int `json:"auto"`
	Teleop    int `json:"teleop"`
	Endgame   int `json:"endgame"`
	Fouls     int `json:"fouls"`      // committed by this alliance, paid to the opponent
	TechFouls int `json:"tech_fouls"` // likewise
}

// MatchScore is the live board, stored at KeyLiveScore and cleared at commit.
type MatchScore struct {
	Red  LiveScore `json:"red"`
	Blue LiveScore `json:"blue"`
}

// Side returns a pointer to one alliance's score.
func (m *MatchScore) Side(a Alliance) *LiveScore {
	if a == Blue {
		return &m.Blue
	}
	return &m.Red
}

// --- Score updates ---

// ScoreElement names a scoring counter of LiveScore.
type ScoreElement string

const (
	ElementAuto      ScoreElement = "auto"
	ElementTeleop    ScoreElement = "teleop"
	ElementEndgame   ScoreElement = "endgame"
	ElementFouls     ScoreElement = "fouls"
	ElementTechFouls ScoreElement = "tech_fouls"
)

// ScoreOp is how an update changes its element.
type ScoreOp string

const (
	OpIncrement ScoreOp = "increment"
	OpDecrement ScoreOp = "decrement"
	OpSet       ScoreOp = "set"
)

// ScoreUpdate is a single incremental change to one counter. For increment and
// decrement a zero Value means 1. Counters never go below zero.
type ScoreUpdate struct {
	Element ScoreElement `json:"element" validate:"required,oneof=auto teleop endgame fouls tech_fouls"`
	Op      ScoreOp      `json:"op" validate:"required,oneof=increment decrement set"`
	Value   int          `json:"value,omitempty" validate:"gte=0"`
}

func (s *LiveScore) field(e ScoreElement) *int {
	switch e {
	case ElementAuto:
		return &s.Auto
	case ElementTeleop:
		return &s.Teleop
	case ElementEndgame:
		return &s.Endgame
	case ElementFouls:
		return &s.Fouls
	case ElementTechFouls:
		return &s.TechFouls
	}
	return nil
}

// Apply changes s according to u.
func (u ScoreUpdate) Apply(s *LiveScore) error {
	f := s.field(u.Element)
	if f == nil {
		return jmserr.Newf(jmserr.Malformed, "unknown score element %q", u.Element)
	}
	if u.Value < 0 {
		return jmserr.Newf(jmserr.Malformed, "negative score value %d", u.Value)
	}
	step := u.Value
	if step == 0 {
		step = 1
	}
	switch u.Op {
	case OpIncrement:
		*f += step
	case OpDecrement:
		*f = max(0, *f-step)
	case OpSet:
		*f = u.Value
	default:
		return jmserr.Newf(jmserr.Malformed, "unknown score op %q", u.Op)
	}
	return nil
}

// --- Scoring configuration ---

// BonusRP awards RP to an alliance whose element total reaches Threshold.
type BonusRP struct {
	Name      string       `json:"name"`
	Element   ScoreElement `json:"element"`
	Threshold int          `json:"threshold"`
	RP        int          `json:"rp"`
}

// ScoreConfig holds the season's point values and bonus ranking points.
type ScoreConfig struct {
	FoulPoints     int       `json:"foul_points"`
	TechFoulPoints int       `json:"tech_foul_points"`
	WinRP          int       `json:"win_rp"`
	TieRP          int       `json:"tie_rp"`
	Bonuses        []BonusRP `json:"bonuses"`
}

// DefaultScoreConfig is used until an operator stores another.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		FoulPoints:     5,
		TechFoulPoints: 12,
		WinRP:          2,
		TieRP:          1,
		Bonuses: []BonusRP{
			{Name: "Auto Bonus", Element: ElementAuto, Threshold: 10, RP: 2},
			{Name: "Endgame Bonus", Element: ElementEndgame, Threshold: 20, RP: 1},
		},
	}
}

// DerivedScore is the point breakdown of one alliance.
type DerivedScore struct {
	AutoPoints    int `json:"auto_points"`
	TeleopPoints  int `json:"teleop_points"`
	EndgamePoints int `json:"endgame_points"`
	PenaltyPoints int `json:"penalty_points"`
	TotalScore    int `json:"total_score"`
	BonusRP       int `json:"bonus_rp"`
}

// Derive computes both alliances' breakdowns. Penalty points come from the
// opponent's fouls.
func (c ScoreConfig) Derive(m MatchScore) (red, blue DerivedScore) {
	return c.derive(m.Red, m.Blue), c.derive(m.Blue, m.Red)
}

func (c ScoreConfig) derive(own, opp LiveScore) DerivedScore {
	d := DerivedScore{
		AutoPoints:    own.Auto,
		TeleopPoints:  own.Teleop,
		EndgamePoints: own.Endgame,
		PenaltyPoints: opp.Fouls*c.FoulPoints + opp.TechFouls*c.TechFoulPoints,
	}
	d.TotalScore = d.AutoPoints + d.TeleopPoints + d.EndgamePoints + d.PenaltyPoints
	for _, b := range c.Bonuses {
		if f := own.field(b.Element); f != nil && *f >= b.Threshold {
			d.BonusRP += b.RP
		}
	}
	return d
}

// Winner returns the winning alliance, or "" for a tie.
func (c ScoreConfig) Winner(m MatchScore) Alliance {
	red, blue := c.Derive(m)
	switch {
	case red.TotalScore > blue.TotalScore:
		return Red
	case blue.TotalScore > red.TotalScore:
		return Blue
	}
	return ""
}

// --- Committed scores and rankings ---

// CommittedMatchScores records the final score of a played match. Scores has more than
// one entry only when the match was replayed; the last entry counts.
type CommittedMatchScores struct {
	MatchID    string       `json:"match_id"`
	MatchType  MatchType    `json:"match_type"`
	RedTeams   []int        `json:"red_teams"`
	BlueTeams  []int        `json:"blue_teams"`
	Surrogates []int        `json:"surrogates,omitempty"`
	Scores     []MatchScore `json:"scores"`
	LastUpdate time.Time    `json:"last_update"`
}

// Latest returns the score that counts.
func (c CommittedMatchScores) Latest() (MatchScore, bool) {
	if len(c.Scores) == 0 {
		return MatchScore{}, false
	}
	return c.Scores[len(c.Scores)-1], true
}

// TeamRanking is a team's aggregate over its counted qualification matches. Only the
// scoring service writes it.
type TeamRanking struct {
	Team          int `json:"team"`
	Played        int `json:"played"`
	Win           int `json:"win"`
	Loss          int `json:"loss"`
	Tie           int `json:"tie"`
	RP            int `json:"rp"`
	AutoPoints    int `json:"auto_points"`
	EndgamePoints int `json:"endgame_points"`
	TeleopPoints  int `json:"teleop_points"`
}

// RPPerMatch is the primary sort key.
func (r TeamRanking) RPPerMatch() float64 {
	if r.Played == 0 {
		return 0
	}
	return float64(r.RP) / float64(r.Played)
}

// CompareRankings orders a ahead of b (negative result) by RP per match, auto points,
// endgame points, teleop points and finally the lower team number.
func CompareRankings(a, b TeamRanking) int {
	if x, y := a.RPPerMatch(), b.RPPerMatch(); x != y {
		if x > y {
			return -1
		}
		return 1
	}
	if c := b.AutoPoints - a.AutoPoints; c != 0 {
		return c
	}
	if c := b.EndgamePoints - a.EndgamePoints; c != 0 {
		return c
	}
	if c := b.TeleopPoints - a.TeleopPoints; c != 0 {
		return c
	}
	return a.Team - b.Team
}

// SortRankings sorts in place, best first.
func SortRankings(rs []TeamRanking) { slices.SortFunc(rs, CompareRankings) }
