// Package backups snapshots the whole store, archives the snapshots and restores them.
package backups

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trentd187/jms/internal/database"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// FormatVersion is written into every dump; Restore refuses other versions.
const FormatVersion = 1

// CheckEvery is how often Run looks at the backup schedule.
const CheckEvery = time.Minute

var (
	backupsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jms_backups_total",
		Help: "Backups taken, by reason and result",
	}, []string{"reason", "result"})

	backupBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jms_backup_size_bytes",
		Help: "Compressed size of the last backup",
	})
)

// Keys that are never dumped or overwritten: live coordination state that belongs to
// running processes.
var skipped = []string{models.KeyScoreLock, models.KeyMatchGenJob, models.KeyBackupLastTime}

// Archive is where snapshots are kept. *database.Archive implements it.
type Archive interface {
	Save(ctx context.Context, b *database.Backup) error
	Latest(ctx context.Context) (database.Backup, bool, error)
	List(ctx context.Context) ([]database.BackupInfo, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

type dump struct {
	Version int               `json:"version"`
	Created time.Time         `json:"created"`
	Keys    map[string][]byte `json:"keys"`
}

// Service takes and restores backups.
type Service struct {
	db      *models.DB
	archive Archive
	clock   clockwork.Clock
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithArchive keeps snapshots in a. Without one, BackupNow only asks the store to save.
func WithArchive(a Archive) Option { return func(s *Service) { s.archive = a } }

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New returns a backup service.
func New(db *models.DB, opts ...Option) *Service {
	s := &Service{db: db, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func skip(key string) bool {
	for _, k := range skipped {
		if key == k {
			return true
		}
	}
	return strings.HasPrefix(key, "__")
}

// BackupTo returns a compressed dump of every key in the store.
func (s *Service) BackupTo(ctx context.Context) ([]byte, error) {
	b, _, err := s.snapshot(ctx)
	return b, err
}

func (s *Service) snapshot(ctx context.Context) ([]byte, int, error) {
	keys, err := s.db.Store.Keys(ctx, "")
	if err != nil {
		return nil, 0, err
	}
	d := dump{Version: FormatVersion, Created: s.clock.Now().UTC(), Keys: make(map[string][]byte, len(keys))}
	for _, key := range keys {
		if skip(key) {
			continue
		}
		v, ok, err := s.db.Store.Get(ctx, key)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			d.Keys[key] = v
		}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, 0, jmserr.Wrap(jmserr.Malformed, err, "encoding backup")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, 0, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), len(d.Keys), nil
}

// Restore replaces the store's contents with a dump from BackupTo. Keys not in the dump
// are deleted, except the live coordination keys.
func (s *Service) Restore(ctx context.Context, data []byte) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "decompressing backup")
	}
	var d dump
	if err := json.Unmarshal(raw, &d); err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "decoding backup")
	}
	if d.Version != FormatVersion {
		return jmserr.Newf(jmserr.Malformed, "backup format %d, want %d", d.Version, FormatVersion)
	}

	existing, err := s.db.Store.Keys(ctx, "")
	if err != nil {
		return err
	}
	var stale []string
	for _, key := range existing {
		if _, keep := d.Keys[key]; !keep && !skip(key) {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := s.db.Store.Del(ctx, stale...); err != nil {
			return err
		}
	}
	for key, v := range d.Keys {
		if skip(key) {
			continue
		}
		if err := s.db.Store.Set(ctx, key, v); err != nil {
			return err
		}
	}
	s.logger.Info("store restored from backup", "keys", len(d.Keys), "taken", d.Created)
	return nil
}

// BackupNow asks the store for a snapshot of its own, then archives a dump and prunes
// the archive to the configured retention.
func (s *Service) BackupNow(ctx context.Context, reason string) (info database.BackupInfo, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		backupsTaken.WithLabelValues(reason, result).Inc()
	}()

	if err := s.db.Store.BGSave(ctx); err != nil {
		s.logger.Warn("store background save failed", "error", err)
	}
	now := s.clock.Now().UTC()
	if err := s.db.Store.Set(ctx, models.KeyBackupLastTime, []byte(now.Format(time.RFC3339Nano))); err != nil {
		return info, err
	}
	if s.archive == nil {
		return database.BackupInfo{CreatedAt: now, Reason: reason}, nil
	}

	data, n, err := s.snapshot(ctx)
	if err != nil {
		return info, err
	}
	b := &database.Backup{CreatedAt: now, Reason: reason, Keys: n, SizeBytes: len(data), Data: data}
	if err := s.archive.Save(ctx, b); err != nil {
		return info, err
	}
	backupBytes.Set(float64(len(data)))

	settings, err := s.db.Backup.Get(ctx)
	if err != nil {
		return info, err
	}
	pruned, err := s.archive.Prune(ctx, settings.Retain)
	if err != nil {
		return info, err
	}
	s.logger.Info("backup archived", "reason", reason, "keys", n, "bytes", len(data), "pruned", pruned)
	return database.BackupInfo{ID: b.ID, CreatedAt: now, Reason: reason, Keys: n, SizeBytes: len(data)}, nil
}

// List returns the archived backups, newest first.
func (s *Service) List(ctx context.Context) ([]database.BackupInfo, error) {
	if s.archive == nil {
		return []database.BackupInfo{}, nil
	}
	return s.archive.List(ctx)
}

// RestoreLatest restores the newest archived backup.
func (s *Service) RestoreLatest(ctx context.Context) error {
	if s.archive == nil {
		return jmserr.New(jmserr.StoreUnavailable, "no backup archive configured")
	}
	b, ok, err := s.archive.Latest(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return jmserr.New(jmserr.Malformed, "backup archive is empty")
	}
	return s.Restore(ctx, b.Data)
}

// Due reports whether a scheduled backup should run now.
func (s *Service) Due(ctx context.Context) (bool, error) {
	settings, err := s.db.Backup.Get(ctx)
	if err != nil || !settings.Enabled {
		return false, err
	}
	raw, ok, err := s.db.Store.Get(ctx, models.KeyBackupLastTime)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	last, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		// An unreadable marker is treated like a missing one.
		return true, nil
	}
	return s.clock.Since(last) >= time.Duration(settings.IntervalMinutes)*time.Minute, nil
}

// Run takes scheduled backups until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	t := s.clock.NewTicker(CheckEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			due, err := s.Due(ctx)
			if err != nil {
				s.logger.Warn("reading backup schedule failed", "error", err)
				continue
			}
			if !due {
				continue
			}
			if _, err := s.BackupNow(ctx, "scheduled"); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled backup failed", "error", err)
			}
		}
	}
}

var _ Archive = (*database.Archive)(nil)
