package models

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"

	"github.com/trentd187/jms/internal/jmserr"
)

// WPAKeyLength is the length of generated team radio keys.
const WPAKeyLength = 30

const wpaAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Team is a registered team. Number is the row id and never changes.
type Team struct {
	Number        int     `json:"number" validate:"gt=0"`
	DisplayNumber string  `json:"display_number"`
	Name          *string `json:"name,omitempty"`
	Affiliation   *string `json:"affiliation,omitempty"`
	Location      *string `json:"location,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	WPAKey        string  `json:"wpakey"`
	Schedule      bool    `json:"schedule"` // false keeps the team out of generated quals
}

// TeamUpdate carries the editable fields of a Team; nil fields are left alone.
type TeamUpdate struct {
	DisplayNumber *string `json:"display_number,omitempty"`
	Name          *string `json:"name,omitempty"`
	Affiliation   *string `json:"affiliation,omitempty"`
	Location      *string `json:"location,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	Schedule      *bool   `json:"schedule,omitempty"`
	RegenWPAKey   bool    `json:"regen_wpakey,omitempty"`
}

// Apply merges u into t.
func (u TeamUpdate) Apply(t *Team) error {
	if u.DisplayNumber != nil {
		t.DisplayNumber = *u.DisplayNumber
	}
	setOpt(&t.Name, u.Name)
	setOpt(&t.Affiliation, u.Affiliation)
	setOpt(&t.Location, u.Location)
	setOpt(&t.Notes, u.Notes)
	if u.Schedule != nil {
		t.Schedule = *u.Schedule
	}
	if u.RegenWPAKey || t.WPAKey == "" {
		key, err := GenerateWPAKey()
		if err != nil {
			return err
		}
		t.WPAKey = key
	}
	return nil
}

// setOpt overwrites an optional string; an empty string clears it.
func setOpt(dst **string, src *string) {
	if src == nil {
		return
	}
	if *src == "" {
		*dst = nil
		return
	}
	v := *src
	*dst = &v
}

// GenerateWPAKey returns a random alphanumeric key of WPAKeyLength characters.
func GenerateWPAKey() (string, error) {
	buf := make([]byte, WPAKeyLength)
	max := big.NewInt(int64(len(wpaAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", jmserr.Wrap(jmserr.Malformed, err, "generating wpa key")
		}
		buf[i] = wpaAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NewTeam builds a team with a fresh WPA key. The display number defaults to the number.
func NewTeam(number int) (Team, error) {
	if number <= 0 {
		return Team{}, jmserr.Newf(jmserr.Malformed, "team number %d must be positive", number)
	}
	key, err := GenerateWPAKey()
	if err != nil {
		return Team{}, err
	}
	return Team{
		Number:        number,
		DisplayNumber: strconv.Itoa(number),
		WPAKey:        key,
		Schedule:      true,
	}, nil
}

// CreateTeam inserts a new team, or applies u to the existing one with that number.
func (db *DB) CreateTeam(ctx context.Context, number int, u TeamUpdate) (Team, error) {
	if number <= 0 {
		return Team{}, jmserr.Newf(jmserr.Malformed, "team number %d must be positive", number)
	}
	return db.Teams.Update(ctx, number, func(t *Team, exists bool) error {
		if !exists {
			fresh, err := NewTeam(number)
			if err != nil {
				return err
			}
			*t = fresh
		}
		return u.Apply(t)
	})
}

// UpdateTeam applies u to an existing team.
func (db *DB) UpdateTeam(ctx context.Context, number int, u TeamUpdate) (Team, error) {
	return db.Teams.Update(ctx, number, func(t *Team, exists bool) error {
		if !exists {
			return jmserr.Newf(jmserr.Malformed, "no team %d", number)
		}
		return u.Apply(t)
	})
}

// SchedulableTeams returns the numbers of teams with Schedule set, ascending.
func (db *DB) SchedulableTeams(ctx context.Context) ([]int, error) {
	teams, err := db.Teams.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, t := range teams {
		if t.Schedule {
			out = append(out, t.Number)
		}
	}
	sortInts(out)
	return out, nil
}
