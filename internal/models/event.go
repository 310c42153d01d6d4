package models

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trentd187/jms/internal/jmserr"
)

// --- Event details ---

// EventDetails describes the event being run.
type EventDetails struct {
	Code               *string  `json:"code,omitempty"` // third-party event key, e.g. "2026nzch"
	EventName          *string  `json:"event_name,omitempty"`
	Webcasts           []string `json:"webcasts"`
	AVChromaKey        string   `json:"av_chroma_key"`
	AVEventColour      string   `json:"av_event_colour"`
	QualMatchesPerTeam int      `json:"qual_matches_per_team"`
}

// DefaultEventDetails seeds a new event.
func DefaultEventDetails() EventDetails {
	return EventDetails{
		Webcasts:           []string{},
		AVChromaKey:        "#f0f",
		AVEventColour:      "#e9ab01",
		QualMatchesPerTeam: 6,
	}
}

// EventDetailsUpdate carries optional EventDetails fields. An empty Code or EventName
// clears it.
type EventDetailsUpdate struct {
	Code               *string   `json:"code,omitempty"`
	EventName          *string   `json:"event_name,omitempty"`
	Webcasts           *[]string `json:"webcasts,omitempty"`
	AVChromaKey        *string   `json:"av_chroma_key,omitempty"`
	AVEventColour      *string   `json:"av_event_colour,omitempty"`
	QualMatchesPerTeam *int      `json:"qual_matches_per_team,omitempty" validate:"omitempty,gte=1,lte=20"`
}

// Apply merges u into e.
func (u EventDetailsUpdate) Apply(e *EventDetails) {
	setOpt(&e.Code, u.Code)
	setOpt(&e.EventName, u.EventName)
	if u.Webcasts != nil {
		e.Webcasts = *u.Webcasts
	}
	if u.AVChromaKey != nil {
		e.AVChromaKey = *u.AVChromaKey
	}
	if u.AVEventColour != nil {
		e.AVEventColour = *u.AVEventColour
	}
	if u.QualMatchesPerTeam != nil {
		e.QualMatchesPerTeam = *u.QualMatchesPerTeam
	}
}

// UpdateEvent applies u atomically and returns the stored details.
func (db *DB) UpdateEvent(ctx context.Context, u EventDetailsUpdate) (EventDetails, error) {
	return db.Event.Update(ctx, func(e *EventDetails) error {
		u.Apply(e)
		return nil
	})
}

// --- Awards ---

// AwardRecipient is a team, a person, or both.
type AwardRecipient struct {
	Team    *int    `json:"team,omitempty"`
	Awardee *string `json:"awardee,omitempty"`
}

// Award is a named award and its recipients.
type Award struct {
	ID         string           `json:"id"`
	Name       string           `json:"name" validate:"required"`
	Recipients []AwardRecipient `json:"recipients"`
}

// NewAward creates an award with a fresh id.
func NewAward(name string) Award {
	return Award{ID: uuid.NewString(), Name: name, Recipients: []AwardRecipient{}}
}

// --- Support tickets ---

// TicketComment is one entry in a ticket's history.
type TicketComment struct {
	Author  string    `json:"author"`
	Time    time.Time `json:"time"`
	Comment string    `json:"comment"`
}

// SupportTicket is a field-support issue raised against a team.
type SupportTicket struct {
	ID        string          `json:"id"`
	Team      int             `json:"team" validate:"gt=0"`
	MatchID   *string         `json:"match_id,omitempty"`
	Author    string          `json:"author"`
	IssueType string          `json:"issue_type" validate:"required"`
	Notes     []TicketComment `json:"notes"`
	Resolved  bool            `json:"resolved"`
}

// SupportTicketUpdate carries optional ticket changes. Comment is appended.
type SupportTicketUpdate struct {
	Resolved *bool   `json:"resolved,omitempty"`
	Comment  *string `json:"comment,omitempty"`
}

// Apply merges u into t, attributing any comment to author at now.
func (u SupportTicketUpdate) Apply(t *SupportTicket, author string, now time.Time) {
	if u.Resolved != nil {
		t.Resolved = *u.Resolved
	}
	if u.Comment != nil && *u.Comment != "" {
		t.Notes = append(t.Notes, TicketComment{Author: author, Time: now, Comment: *u.Comment})
	}
}

// --- Settings ---

// NetworkingSettings holds the field network configuration pushed by configure_admin.
type NetworkingSettings struct {
	RouterUsername string  `json:"router_username"`
	RouterPassword string  `json:"router_password"`
	RouterIP       string  `json:"router_ip" validate:"omitempty,ip"`
	AdminIP        string  `json:"admin_ip" validate:"omitempty,cidr"`
	TeamChannel    *int    `json:"team_channel,omitempty"`
	AdminChannel   *int    `json:"admin_channel,omitempty"`
	AdminSSID      *string `json:"admin_ssid,omitempty"`
	AdminPassword  *string `json:"admin_password,omitempty"`
}

// DefaultNetworkingSettings matches the stock field router.
func DefaultNetworkingSettings() NetworkingSettings {
	return NetworkingSettings{
		RouterUsername: "admin",
		RouterPassword: "jmsR0cks",
		RouterIP:       "10.0.100.1",
		AdminIP:        "10.0.100.5/24",
	}
}

// NetworkingSettingsUpdate carries optional networking fields.
type NetworkingSettingsUpdate struct {
	RouterUsername *string `json:"router_username,omitempty"`
	RouterPassword *string `json:"router_password,omitempty"`
	RouterIP       *string `json:"router_ip,omitempty" validate:"omitempty,ip"`
	AdminIP        *string `json:"admin_ip,omitempty" validate:"omitempty,cidr"`
	TeamChannel    *int    `json:"team_channel,omitempty"`
	AdminChannel   *int    `json:"admin_channel,omitempty"`
	AdminSSID      *string `json:"admin_ssid,omitempty"`
	AdminPassword  *string `json:"admin_password,omitempty"`
}

// Apply merges u into s.
func (u NetworkingSettingsUpdate) Apply(s *NetworkingSettings) {
	if u.RouterUsername != nil {
		s.RouterUsername = *u.RouterUsername
	}
	if u.RouterPassword != nil {
		s.RouterPassword = *u.RouterPassword
	}
	if u.RouterIP != nil {
		s.RouterIP = *u.RouterIP
	}
	if u.AdminIP != nil {
		s.AdminIP = *u.AdminIP
	}
	if u.TeamChannel != nil {
		s.TeamChannel = u.TeamChannel
	}
	if u.AdminChannel != nil {
		s.AdminChannel = u.AdminChannel
	}
	setOpt(&s.AdminSSID, u.AdminSSID)
	setOpt(&s.AdminPassword, u.AdminPassword)
}

// BackupSettings controls scheduled backups.
type BackupSettings struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
	Retain          int  `json:"retain"` // archived backups kept; older ones are pruned
}

// DefaultBackupSettings backs up every 15 minutes and keeps 48.
func DefaultBackupSettings() BackupSettings {
	return BackupSettings{Enabled: false, IntervalMinutes: 15, Retain: 48}
}

// BackupSettingsUpdate carries optional backup fields.
type BackupSettingsUpdate struct {
	Enabled         *bool `json:"enabled,omitempty"`
	IntervalMinutes *int  `json:"interval_minutes,omitempty" validate:"omitempty,gte=1"`
	Retain          *int  `json:"retain,omitempty" validate:"omitempty,gte=1"`
}

// Apply merges u into s.
func (u BackupSettingsUpdate) Apply(s *BackupSettings) {
	if u.Enabled != nil {
		s.Enabled = *u.Enabled
	}
	if u.IntervalMinutes != nil {
		s.IntervalMinutes = *u.IntervalMinutes
	}
	if u.Retain != nil {
		s.Retain = *u.Retain
	}
}

// TBASettings holds the third-party event database credentials. BaseURL overrides the
// public host.
type TBASettings struct {
	AuthID     *string `json:"auth_id,omitempty"`
	AuthSecret *string `json:"auth_secret,omitempty"`
	BaseURL    *string `json:"base_url,omitempty"`
}

// Credentials returns the id and secret when both are set.
func (s TBASettings) Credentials() (id, secret string, ok bool) {
	if s.AuthID == nil || s.AuthSecret == nil || *s.AuthID == "" || *s.AuthSecret == "" {
		return "", "", false
	}
	return *s.AuthID, *s.AuthSecret, true
}

// TBASettingsUpdate carries optional TBA fields; empty strings clear.
type TBASettingsUpdate struct {
	AuthID     *string `json:"auth_id,omitempty"`
	AuthSecret *string `json:"auth_secret,omitempty"`
	BaseURL    *string `json:"base_url,omitempty" validate:"omitempty,url"`
}

// Apply merges u into s.
func (u TBASettingsUpdate) Apply(s *TBASettings) {
	setOpt(&s.AuthID, u.AuthID)
	setOpt(&s.AuthSecret, u.AuthSecret)
	setOpt(&s.BaseURL, u.BaseURL)
}

// --- Components and jobs ---

// JmsComponent is the liveness record a service refreshes while it runs.
type JmsComponent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	TimeoutMS int       `json:"timeout_ms"`
	LastTick  time.Time `json:"last_tick"`
}

// Alive reports whether the last tick is within the timeout.
func (c JmsComponent) Alive(now time.Time) bool {
	return now.Sub(c.LastTick) < time.Duration(c.TimeoutMS)*time.Millisecond
}

// MatchGenJob is the progress document of a running qualification generation.
// Deleting it cancels the job.
type MatchGenJob struct {
	Running     bool    `json:"running"`
	Progress    float64 `json:"progress"` // 0..1 over both phases
	Phase       string  `json:"phase"`    // "team" or "station"
	CurrentCost float64 `json:"current_cost"`
}

// RequireFound turns a missing row into a Malformed error naming what was looked up.
func RequireFound[V any](v V, ok bool, err error, what string) (V, error) {
	if err != nil {
		return v, err
	}
	if !ok {
		return v, jmserr.Newf(jmserr.Malformed, "%s not found", what)
	}
	return v, nil
}
