package models

import (
	"context"

	"github.com/trentd187/jms/internal/jmserr"
)

// SceneKind discriminates Scene.
type SceneKind string

const (
	SceneBlank             SceneKind = "Blank"
	SceneMatchPreview      SceneKind = "MatchPreview"
	SceneMatchPlay         SceneKind = "MatchPlay"
	SceneMatchResults      SceneKind = "MatchResults"
	SceneAllianceSelection SceneKind = "AllianceSelection"
	ScenePlayoffBracket    SceneKind = "PlayoffBracket"
	SceneAward             SceneKind = "Award"
	SceneCustomMessage     SceneKind = "CustomMessage"
)

// Scene is what the audience display shows. MatchID, AwardID and Message are used by
// MatchResults, Award and CustomMessage respectively.
type Scene struct {
	Kind    SceneKind `json:"kind"`
	MatchID string    `json:"match_id,omitempty"`
	AwardID string    `json:"award_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Validate checks that the payload matching Kind is present.
func (s Scene) Validate() error {
	switch s.Kind {
	case SceneBlank, SceneMatchPreview, SceneMatchPlay, SceneAllianceSelection, ScenePlayoffBracket:
		return nil
	case SceneMatchResults:
		if s.MatchID == "" {
			return jmserr.New(jmserr.Malformed, "MatchResults scene needs match_id")
		}
	case SceneAward:
		if s.AwardID == "" {
			return jmserr.New(jmserr.Malformed, "Award scene needs award_id")
		}
	case SceneCustomMessage:
		if s.Message == "" {
			return jmserr.New(jmserr.Malformed, "CustomMessage scene needs message")
		}
	default:
		return jmserr.Newf(jmserr.Malformed, "unknown scene %q", s.Kind)
	}
	return nil
}

// AudienceDisplay is the audience screen state.
type AudienceDisplay struct {
	Scene       Scene   `json:"scene"`
	QueuedSound *string `json:"queued_sound,omitempty"`
}

// SetScene switches the audience display.
func (db *DB) SetScene(ctx context.Context, s Scene) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := db.Audience.Update(ctx, func(a *AudienceDisplay) error {
		a.Scene = s
		return nil
	})
	return err
}

// SetSound queues a sound for the display, replacing any unplayed one.
func (db *DB) SetSound(ctx context.Context, sound string) error {
	_, err := db.Audience.Update(ctx, func(a *AudienceDisplay) error {
		a.QueuedSound = &sound
		return nil
	})
	return err
}

// TakeSound returns and clears the queued sound. The clear is a compare-and-clear on
// the value read, so a given queued sound is returned by at most one caller.
func (db *DB) TakeSound(ctx context.Context) (string, bool, error) {
	var taken *string
	_, err := db.Audience.Update(ctx, func(a *AudienceDisplay) error {
		taken = a.QueuedSound
		a.QueuedSound = nil
		return nil
	})
	if err != nil || taken == nil {
		return "", false, err
	}
	return *taken, true, nil
}
