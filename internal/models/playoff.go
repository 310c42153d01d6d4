package models

import (
	"context"
	"slices"

	"github.com/trentd187/jms/internal/jmserr"
)

// PlayoffAlliance is a fixed playoff grouping. The captain is Teams[0].
type PlayoffAlliance struct {
	ID    int   `json:"id"`
	Teams []int `json:"teams"`
	Ready bool  `json:"ready"`
}

// Captain returns the alliance captain, or 0 for an empty alliance.
func (a PlayoffAlliance) Captain() int {
	if len(a.Teams) == 0 {
		return 0
	}
	return a.Teams[0]
}

// PlayoffModeKind discriminates PlayoffMode.
type PlayoffModeKind string

const (
	ModeBracket       PlayoffModeKind = "Bracket"
	ModeDoubleBracket PlayoffModeKind = "DoubleBracket"
	ModeRoundRobin    PlayoffModeKind = "RoundRobin"
)

// PlayoffMode selects the playoff format. Awards is only meaningful for DoubleBracket.
type PlayoffMode struct {
	Kind       PlayoffModeKind `json:"kind"`
	NAlliances int             `json:"n_alliances"`
	Awards     bool            `json:"awards,omitempty"`
}

// DefaultPlayoffMode is an eight-alliance double bracket.
func DefaultPlayoffMode() PlayoffMode {
	return PlayoffMode{Kind: ModeDoubleBracket, NAlliances: 8, Awards: true}
}

// Validate checks the kind and the 2..8 alliance range.
func (m PlayoffMode) Validate() error {
	switch m.Kind {
	case ModeBracket, ModeDoubleBracket, ModeRoundRobin:
	default:
		return jmserr.Playoff(jmserr.ReasonInvalidMode)
	}
	if m.NAlliances < 2 || m.NAlliances > 8 {
		return jmserr.Newf(jmserr.PlayoffError, "%s: n_alliances %d outside 2..8", jmserr.ReasonInvalidMode, m.NAlliances)
	}
	return nil
}

// PlayoffResult is written once the playoff final is decided.
type PlayoffResult struct {
	Winner   int `json:"winner"`   // alliance id
	Finalist int `json:"finalist"` // alliance id
}

// SetAlliances replaces the playoff alliances with teams[i] as alliance i+1 (not ready).
// A team may belong to at most one alliance.
func (db *DB) SetAlliances(ctx context.Context, teams [][]int) ([]PlayoffAlliance, error) {
	seen := map[int]int{}
	for i, ts := range teams {
		for _, t := range ts {
			if prev, dup := seen[t]; dup {
				return nil, jmserr.Newf(jmserr.Malformed, "team %d is in alliances %d and %d", t, prev, i+1)
			}
			seen[t] = i + 1
		}
	}
	if err := db.Alliances.DeleteAll(ctx); err != nil {
		return nil, err
	}
	out := make([]PlayoffAlliance, 0, len(teams))
	for i, ts := range teams {
		a := PlayoffAlliance{ID: i + 1, Teams: slices.Clone(ts)}
		if err := db.Alliances.Insert(ctx, a.ID, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SortedAlliances returns every alliance ordered by id.
func (db *DB) SortedAlliances(ctx context.Context) ([]PlayoffAlliance, error) {
	all, err := db.Alliances.All(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, func(a, b PlayoffAlliance) int { return a.ID - b.ID })
	return all, nil
}

// AllianceOfTeam returns the alliance team belongs to.
func (db *DB) AllianceOfTeam(ctx context.Context, team int) (PlayoffAlliance, bool, error) {
	all, err := db.Alliances.All(ctx)
	if err != nil {
		return PlayoffAlliance{}, false, err
	}
	for _, a := range all {
		if slices.Contains(a.Teams, team) {
			return a, true, nil
		}
	}
	return PlayoffAlliance{}, false, nil
}
