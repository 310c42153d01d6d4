package facade

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/database"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
	"github.com/trentd187/jms/internal/tba"
)

// BackupData is a compressed backup. It travels base64 encoded in JSON.
type BackupData struct {
	Data []byte `json:"data" validate:"required"`
}

// BackupReason says why a manual backup is taken.
type BackupReason struct {
	Reason string `json:"reason,omitempty"`
}

func registerBackups(reg *rpc.Registry, d Deps) {
	h := reg.Handler("backups", 0)
	fta := rpc.Need(models.PermFTA)

	rpc.Publish(h, "settings", fta, d.DB.Backup.Get)
	rpc.Endpoint(h, "configure", fta, func(ctx context.Context, _ rpc.Caller, u models.BackupSettingsUpdate) (models.BackupSettings, error) {
		return d.DB.Backup.Update(ctx, func(s *models.BackupSettings) error {
			u.Apply(s)
			return nil
		})
	})
	rpc.Endpoint(h, "backup_now", fta, func(ctx context.Context, c rpc.Caller, r BackupReason) (database.BackupInfo, error) {
		if r.Reason == "" {
			r.Reason = "manual (" + c.User.Username + ")"
		}
		return d.Backups.BackupNow(ctx, r.Reason)
	})
	rpc.Endpoint(h, "backup_to", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (BackupData, error) {
		data, err := d.Backups.BackupTo(ctx)
		return BackupData{Data: data}, err
	})
	rpc.Endpoint(h, "restore", rpc.Need(models.PermAdmin), func(ctx context.Context, c rpc.Caller, r BackupData) (empty, error) {
		d.Logger.Warn("restoring store from uploaded backup", "user", c.User.Username, "bytes", len(r.Data))
		return empty{}, d.Backups.Restore(ctx, r.Data)
	})
	rpc.Endpoint(h, "restore_latest", rpc.Need(models.PermAdmin), func(ctx context.Context, c rpc.Caller, _ empty) (empty, error) {
		d.Logger.Warn("restoring store from latest archived backup", "user", c.User.Username)
		return empty{}, d.Backups.RestoreLatest(ctx)
	})
	rpc.Endpoint(h, "list", fta, func(ctx context.Context, _ rpc.Caller, _ empty) ([]database.BackupInfo, error) {
		return d.Backups.List(ctx)
	})
}

func registerNetworking(reg *rpc.Registry, d Deps) {
	h := reg.Handler("networking", 0)
	fta := rpc.Need(models.PermFTA)

	rpc.Publish(h, "settings", fta, d.DB.Networking.Get)
	rpc.Endpoint(h, "update", fta, func(ctx context.Context, _ rpc.Caller, u models.NetworkingSettingsUpdate) (models.NetworkingSettings, error) {
		return d.DB.Networking.Update(ctx, func(s *models.NetworkingSettings) error {
			u.Apply(s)
			return nil
		})
	})
	// The router agent listening on the networking topic does the configuring.
	rpc.Endpoint(h, "configure_admin", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		s, err := d.DB.Networking.Get(ctx)
		if err != nil {
			return empty{}, err
		}
		if d.Bus == nil {
			return empty{}, jmserr.New(jmserr.BusUnavailable, "no bus to send the networking configuration on")
		}
		return empty{}, d.Bus.Publish(ctx, bus.TopicNetworking, s)
	})
}

// TBANoun names one event-database upload.
type TBANoun struct {
	Noun string `json:"noun" validate:"required,oneof=team_list alliance_selections info rankings matches awards"`
}

// TBAStatus is the event-database configuration with the secret withheld.
type TBAStatus struct {
	AuthID     *string `json:"auth_id,omitempty"`
	HasSecret  bool    `json:"has_secret"`
	BaseURL    *string `json:"base_url,omitempty"`
	Configured bool    `json:"configured"`
}

func registerTBA(reg *rpc.Registry, d Deps) {
	h := reg.Handler("tba", 0)
	fta := rpc.Need(models.PermFTA)

	rpc.Publish(h, "settings", fta, func(ctx context.Context) (TBAStatus, error) {
		s, err := d.DB.TBA.Get(ctx)
		_, _, ok := s.Credentials()
		return TBAStatus{
			AuthID:     s.AuthID,
			HasSecret:  s.AuthSecret != nil && *s.AuthSecret != "",
			BaseURL:    s.BaseURL,
			Configured: ok,
		}, err
	})
	rpc.Endpoint(h, "configure", fta, func(ctx context.Context, _ rpc.Caller, u models.TBASettingsUpdate) (empty, error) {
		_, err := d.DB.TBA.Update(ctx, func(s *models.TBASettings) error {
			u.Apply(s)
			return nil
		})
		if err != nil {
			return empty{}, err
		}
		// New credentials or host: everything has to go up again.
		return empty{}, d.TBA.Forget(ctx)
	})
	rpc.Endpoint(h, "issue", fta, func(ctx context.Context, _ rpc.Caller, r TBANoun) (empty, error) {
		return empty{}, d.TBA.Issue(ctx, r.Noun)
	})
	rpc.Endpoint(h, "publish_all", fta, func(ctx context.Context, _ rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.TBA.PublishAll(ctx)
	})
	rpc.Endpoint(h, "nouns", rpc.Anyone, func(context.Context, rpc.Caller, empty) ([]string, error) {
		return slices.Clone(tba.Nouns), nil
	})
}

// NewTicketRequest raises a support ticket.
type NewTicketRequest struct {
	Team      int     `json:"team" validate:"gt=0"`
	MatchID   *string `json:"match_id,omitempty"`
	IssueType string  `json:"issue_type" validate:"required"`
	Comment   string  `json:"comment,omitempty"`
}

// UpdateTicketRequest edits a ticket.
type UpdateTicketRequest struct {
	ID     string                     `json:"id" validate:"required"`
	Update models.SupportTicketUpdate `json:"update"`
}

func registerTickets(reg *rpc.Registry, d Deps) {
	h := reg.Handler("tickets", 0)
	fta := rpc.Need(models.PermFTA)

	rpc.Publish(h, "tickets", fta, func(ctx context.Context) ([]models.SupportTicket, error) {
		all, err := d.DB.Tickets.All(ctx)
		// Open tickets first, then by team.
		slices.SortFunc(all, func(a, b models.SupportTicket) int {
			if a.Resolved != b.Resolved {
				if a.Resolved {
					return 1
				}
				return -1
			}
			if c := a.Team - b.Team; c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		return all, err
	})
	rpc.Endpoint(h, "new_ticket", fta, func(ctx context.Context, c rpc.Caller, r NewTicketRequest) (models.SupportTicket, error) {
		t := models.SupportTicket{
			ID:        uuid.NewString(),
			Team:      r.Team,
			MatchID:   r.MatchID,
			Author:    c.User.Username,
			IssueType: r.IssueType,
			Notes:     []models.TicketComment{},
		}
		models.SupportTicketUpdate{Comment: &r.Comment}.Apply(&t, c.User.Username, d.Clock.Now())
		return t, d.DB.Tickets.Insert(ctx, t.ID, t)
	})
	rpc.Endpoint(h, "update_ticket", fta, func(ctx context.Context, c rpc.Caller, r UpdateTicketRequest) (models.SupportTicket, error) {
		return d.DB.Tickets.Update(ctx, r.ID, func(t *models.SupportTicket, exists bool) error {
			if !exists {
				return jmserr.Newf(jmserr.Malformed, "no ticket %s", r.ID)
			}
			r.Update.Apply(t, c.User.Username, d.Clock.Now())
			return nil
		})
	})
}

// Pong answers a ping.
type Pong struct {
	Time string `json:"time"`
	User string `json:"user,omitempty"`
}

// KeyRequest names a raw store key.
type KeyRequest struct {
	Key string `json:"key" validate:"required"`
	// Path selects a value inside a JSON document, in gjson syntax ("red.auto").
	Path string `json:"path,omitempty"`
}

// PathUpdate replaces the value at Path inside the document at Key.
type PathUpdate struct {
	Key   string          `json:"key" validate:"required"`
	Path  string          `json:"path" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required"`
}

// MatchTypeRequest names a match type.
type MatchTypeRequest struct {
	MatchType models.MatchType `json:"match_type" validate:"required,oneof=Test Practice Qualification Playoff"`
}

func registerDebug(reg *rpc.Registry, d Deps) {
	h := reg.Handler("debug", 0)
	admin := rpc.Need(models.PermAdmin)

	rpc.Endpoint(h, "ping", rpc.Anyone, func(_ context.Context, c rpc.Caller, _ empty) (Pong, error) {
		return Pong{Time: d.Clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"), User: c.User.Username}, nil
	})
	rpc.Endpoint(h, "keys", admin, func(ctx context.Context, _ rpc.Caller, r KeyRequest) ([]string, error) {
		return d.DB.Store.Keys(ctx, r.Key)
	})
	rpc.Endpoint(h, "get_key", admin, func(ctx context.Context, _ rpc.Caller, r KeyRequest) (string, error) {
		var (
			raw []byte
			ok  bool
			err error
		)
		if r.Path != "" {
			raw, ok, err = d.DB.Store.JSONGet(ctx, r.Key, r.Path)
		} else {
			raw, ok, err = d.DB.Store.Get(ctx, r.Key)
		}
		if err != nil {
			return "", err
		}
		if !ok {
			return "", jmserr.Newf(jmserr.Malformed, "no key %q", strings.TrimSpace(r.Key+" "+r.Path))
		}
		return string(raw), nil
	})
	rpc.Endpoint(h, "set_path", admin, func(ctx context.Context, c rpc.Caller, r PathUpdate) (empty, error) {
		d.Logger.Warn("editing store document", "key", r.Key, "path", r.Path, "user", c.User.Username)
		return empty{}, d.DB.Store.JSONSet(ctx, r.Key, r.Path, r.Value)
	})
	rpc.Endpoint(h, "delete_path", admin, func(ctx context.Context, c rpc.Caller, r KeyRequest) (empty, error) {
		if r.Path == "" {
			return empty{}, jmserr.New(jmserr.Malformed, "path is required")
		}
		d.Logger.Warn("editing store document", "key", r.Key, "path", r.Path, "user", c.User.Username)
		return empty{}, d.DB.Store.JSONDel(ctx, r.Key, r.Path)
	})
	rpc.Endpoint(h, "delete_matches", admin, func(ctx context.Context, c rpc.Caller, r MatchTypeRequest) (empty, error) {
		d.Logger.Warn("deleting matches", "match_type", r.MatchType, "user", c.User.Username)
		return empty{}, d.DB.DeleteMatchesOfType(ctx, r.MatchType)
	})
}
