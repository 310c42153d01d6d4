// Package tba uploads event data to The Blue Alliance's trusted write API.
//
// Every upload is signed with the event's auth secret. A publisher with no event code or
// no credentials does nothing, so a practice field without internet access runs the same
// code path as an official event.
package tba

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// DefaultBaseURL is the public host; TBASettings.BaseURL overrides it.
const DefaultBaseURL = "https://www.thebluealliance.com"

// Nouns accepted by the trusted API.
const (
	NounTeamList   = "team_list"
	NounAlliances  = "alliance_selections"
	NounInfo       = "info"
	NounRankings   = "rankings"
	NounMatches    = "matches"
	NounAwards     = "awards"
	verbUpdate     = "update"
	maxErrorBody   = 512
	requestTimeout = 15 * time.Second
)

// Nouns lists every upload in the order PublishAll sends them.
var Nouns = []string{NounInfo, NounTeamList, NounAlliances, NounMatches, NounRankings, NounAwards}

var publishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jms_tba_publishes_total",
	Help: "Uploads to the event database, by noun and result",
}, []string{"noun", "result"})

// Publisher builds and sends the uploads.
type Publisher struct {
	db      *models.DB
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(p *Publisher) { p.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Publisher) { p.logger = l } }

// WithRate limits uploads to r per second with the given burst.
func WithRate(r rate.Limit, burst int) Option {
	return func(p *Publisher) { p.limiter = rate.NewLimiter(r, burst) }
}

// New returns a publisher reading its settings from db.
func New(db *models.DB, opts ...Option) *Publisher {
	p := &Publisher{
		db:      db,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(2, 4),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sign returns the request signature: the lowercase hex MD5 of secret, path and body
// concatenated.
func Sign(secret, path string, body []byte) string {
	h := md5.New()
	h.Write([]byte(secret))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Issue builds and uploads one noun. It is a no-op without an event code or
// credentials, and when the payload matches the last one accepted for the same path.
func (p *Publisher) Issue(ctx context.Context, noun string) error {
	build, ok := builders[noun]
	if !ok {
		return jmserr.Newf(jmserr.Malformed, "unknown upload %q", noun)
	}
	event, err := p.db.Event.Get(ctx)
	if err != nil {
		return err
	}
	settings, err := p.db.TBA.Get(ctx)
	if err != nil {
		return err
	}
	id, secret, ok := settings.Credentials()
	if !ok || event.Code == nil || *event.Code == "" {
		p.logger.Debug("event database upload skipped, not configured", "noun", noun)
		publishes.WithLabelValues(noun, "unconfigured").Inc()
		return nil
	}

	payload, err := build(ctx, p.db)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "encoding "+noun)
	}
	path := fmt.Sprintf("/api/trusted/v1/event/%s/%s/%s", *event.Code, noun, verbUpdate)

	sum := blake3.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	sent, err := p.db.TBAPublished.Get(ctx)
	if err != nil {
		return err
	}
	if sent[path] == hash {
		publishes.WithLabelValues(noun, "unchanged").Inc()
		return nil
	}

	if err := p.post(ctx, settings, id, secret, path, body); err != nil {
		publishes.WithLabelValues(noun, "rejected").Inc()
		return err
	}
	publishes.WithLabelValues(noun, "ok").Inc()
	p.logger.Info("event database updated", "noun", noun, "bytes", len(body))

	_, err = p.db.TBAPublished.Update(ctx, func(m *map[string]string) error {
		if *m == nil {
			*m = map[string]string{}
		}
		(*m)[path] = hash
		return nil
	})
	return err
}

func (p *Publisher) post(ctx context.Context, settings models.TBASettings, id, secret, path string, body []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return jmserr.Wrap(jmserr.CancellationRequested, err, "waiting to upload")
	}
	base := DefaultBaseURL
	if settings.BaseURL != nil && *settings.BaseURL != "" {
		base = *settings.BaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TBA-Auth-Id", id)
	req.Header.Set("X-TBA-Auth-Sig", Sign(secret, path, body))

	resp, err := p.client.Do(req)
	if err != nil {
		return jmserr.Wrap(jmserr.PublishRejected, err, "posting "+path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return jmserr.Newf(jmserr.PublishRejected, "%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PublishAll uploads every noun and reports all failures together.
func (p *Publisher) PublishAll(ctx context.Context) error {
	var errs []error
	for _, noun := range Nouns {
		if err := p.Issue(ctx, noun); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget clears the record of accepted payloads so the next publish resends everything.
func (p *Publisher) Forget(ctx context.Context) error {
	return p.db.TBAPublished.Delete(ctx)
}
