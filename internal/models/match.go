package models

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/trentd187/jms/internal/jmserr"
)

// --- Match types ---

// MatchType is the phase of the event a match belongs to.
type MatchType string

const (
	MatchTest          MatchType = "Test"          // Field test, never ranked
	MatchPractice      MatchType = "Practice"      // Practice day, never ranked
	MatchQualification MatchType = "Qualification" // Counts towards rankings
	MatchPlayoff       MatchType = "Playoff"       // Elimination rounds
)

func (t MatchType) prefix() string {
	switch t {
	case MatchTest:
		return "t"
	case MatchPractice:
		return "p"
	case MatchQualification:
		return "qm"
	case MatchPlayoff:
		return "pm"
	}
	return string(t)
}

// Valid reports whether t is a known match type.
func (t MatchType) Valid() bool {
	switch t {
	case MatchTest, MatchPractice, MatchQualification, MatchPlayoff:
		return true
	}
	return false
}

// Alliance is one side of a match.
type Alliance string

const (
	Red  Alliance = "red"
	Blue Alliance = "blue"
)

// Valid reports whether a is red or blue.
func (a Alliance) Valid() bool { return a == Red || a == Blue }

// Opponent returns the other alliance.
func (a Alliance) Opponent() Alliance {
	if a == Red {
		return Blue
	}
	return Red
}

// MatchID builds the deterministic id "<type>_<set>_<match>", e.g. "qm_1_12".
func MatchID(t MatchType, set, match int) string {
	return fmt.Sprintf("%s_%d_%d", t.prefix(), set, match)
}

// ParseMatchID splits a match id back into its parts.
func ParseMatchID(id string) (MatchType, int, int, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return "", 0, 0, jmserr.Newf(jmserr.Malformed, "bad match id %q", id)
	}
	var t MatchType
	switch parts[0] {
	case "t":
		t = MatchTest
	case "p":
		t = MatchPractice
	case "qm":
		t = MatchQualification
	case "pm":
		t = MatchPlayoff
	default:
		return "", 0, 0, jmserr.Newf(jmserr.Malformed, "bad match type in id %q", id)
	}
	set, err1 := strconv.Atoi(parts[1])
	num, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return "", 0, 0, jmserr.Newf(jmserr.Malformed, "bad match numbers in id %q", id)
	}
	return t, set, num, nil
}

// Match is one scheduled match. Team slots may be empty (nil) for test matches and
// not-yet-decided playoff slots.
type Match struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	MatchType   MatchType `json:"match_type"`
	SetNumber   int       `json:"set_number"`
	MatchNumber int       `json:"match_number"`
	RedTeams    [3]*int   `json:"red_teams"`
	BlueTeams   [3]*int   `json:"blue_teams"`
	Played      bool      `json:"played"`

	// Playoff matches record which alliances fill each side.
	RedAlliance  *int `json:"red_alliance,omitempty"`
	BlueAlliance *int `json:"blue_alliance,omitempty"`
	// Surrogates lists teams whose appearance in a qualification match does not count.
	Surrogates []int `json:"surrogates,omitempty"`
}

// NewMatch builds a match with its id filled in.
func NewMatch(t MatchType, set, num int, red, blue []int) Match {
	m := Match{
		ID:          MatchID(t, set, num),
		MatchType:   t,
		SetNumber:   set,
		MatchNumber: num,
	}
	fill(&m.RedTeams, red)
	fill(&m.BlueTeams, blue)
	return m
}

func fill(dst *[3]*int, teams []int) {
	for i := 0; i < 3 && i < len(teams); i++ {
		if teams[i] > 0 {
			n := teams[i]
			dst[i] = &n
		}
	}
}

// Teams returns the present teams on an alliance in station order.
func (m Match) Teams(a Alliance) []int {
	slots := m.RedTeams
	if a == Blue {
		slots = m.BlueTeams
	}
	var out []int
	for _, t := range slots {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out
}

// AllianceOf reports which side team plays on.
func (m Match) AllianceOf(team int) (Alliance, bool) {
	if slices.Contains(m.Teams(Red), team) {
		return Red, true
	}
	if slices.Contains(m.Teams(Blue), team) {
		return Blue, true
	}
	return "", false
}

// IsSurrogate reports whether team's appearance in this match does not count.
func (m Match) IsSurrogate(team int) bool { return slices.Contains(m.Surrogates, team) }

// Validate checks that no team appears twice.
func (m Match) Validate() error {
	if !m.MatchType.Valid() {
		return jmserr.Newf(jmserr.Malformed, "match %s: unknown type %q", m.ID, m.MatchType)
	}
	seen := map[int]bool{}
	for _, t := range append(m.Teams(Red), m.Teams(Blue)...) {
		if seen[t] {
			return jmserr.Newf(jmserr.Malformed, "match %s: team %d appears twice", m.ID, t)
		}
		seen[t] = true
	}
	return nil
}

// DisplayName is the operator-facing name, e.g. "Qualification 12".
func (m Match) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	switch m.MatchType {
	case MatchQualification, MatchPractice:
		return fmt.Sprintf("%s %d", m.MatchType, m.MatchNumber)
	case MatchPlayoff:
		return fmt.Sprintf("Playoff %d-%d", m.SetNumber, m.MatchNumber)
	}
	return "Test Match"
}

// MatchesOfType returns every match of type t ordered by set then match number.
func (db *DB) MatchesOfType(ctx context.Context, t MatchType) ([]Match, error) {
	all, err := db.Matches.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, m := range all {
		if m.MatchType == t {
			out = append(out, m)
		}
	}
	SortMatches(out)
	return out, nil
}

// SortMatches orders by type, then set, then match number.
func SortMatches(ms []Match) {
	order := map[MatchType]int{MatchTest: 0, MatchPractice: 1, MatchQualification: 2, MatchPlayoff: 3}
	slices.SortFunc(ms, func(a, b Match) int {
		if c := order[a.MatchType] - order[b.MatchType]; c != 0 {
			return c
		}
		if c := a.SetNumber - b.SetNumber; c != 0 {
			return c
		}
		return a.MatchNumber - b.MatchNumber
	})
}

// DeleteMatchesOfType removes every match of type t.
func (db *DB) DeleteMatchesOfType(ctx context.Context, t MatchType) error {
	ms, err := db.MatchesOfType(ctx, t)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ms))
	for _, m := range ms {
		keys = append(keys, db.Matches.Key(m.ID))
	}
	return db.Store.Del(ctx, keys...)
}

// NextMatch returns the first unplayed match of the latest phase that has any, skipping
// test matches.
func (db *DB) NextMatch(ctx context.Context) (Match, bool, error) {
	for _, t := range []MatchType{MatchPlayoff, MatchQualification, MatchPractice} {
		ms, err := db.MatchesOfType(ctx, t)
		if err != nil {
			return Match{}, false, err
		}
		for _, m := range ms {
			if !m.Played {
				return m, true, nil
			}
		}
	}
	return Match{}, false, nil
}

func sortInts(s []int) { slices.Sort(s) }
