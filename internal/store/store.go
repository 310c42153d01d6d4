// Package store is the shared-state substrate every JMS service talks to.
//
// It wraps a Redis connection and exposes the handful of primitives the rest of the system
// is built on: opaque get/set/del, JSON sub-document get/set, set-if-absent, prefix scans,
// prefix watches and background snapshots. On top of those, typed Singleton and Table
// helpers (typed.go) give the model layer its entity accessors.
//
// Every write publishes a change notice on "__jms:changed:<key>" so Watch works against
// any Redis without keyspace notifications being enabled.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	// go-redis is the Redis client. Its *redis.Client is safe for concurrent use and
	// pools connections, so one per process is enough.
	"github.com/redis/go-redis/v9"

	"github.com/trentd187/jms/internal/jmserr"
)

const (
	// DefaultTimeout bounds each store operation.
	DefaultTimeout = 5 * time.Second

	changePrefix   = "__jms:changed:"
	maxTxRetries   = 64
	scanBatchCount = 256
)

// Store is a handle on the external key/value + JSON document store. It is safe for
// concurrent use and is passed by reference to every component that needs shared state.
type Store struct {
	rdb      *redis.Client
	timeout  time.Duration
	coalesce time.Duration
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout overrides the per-operation timeout.
func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

// WithLogger sets the logger used for background watch failures.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithCoalesce sets how long Watch gathers notices before emitting one Change.
func WithCoalesce(d time.Duration) Option { return func(s *Store) { s.coalesce = d } }

// New wraps an existing Redis client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:      rdb,
		timeout:  DefaultTimeout,
		coalesce: 25 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URI, dials and pings the server.
func Connect(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, jmserr.Wrap(jmserr.StoreUnavailable, err, "parsing store uri")
	}
	s := New(redis.NewClient(redisOpts), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.rdb.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err, "ping", "")
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(err error, op, key string) error {
	if errors.Is(err, context.Canceled) {
		return jmserr.Wrap(jmserr.CancellationRequested, err, op+" "+key)
	}
	return jmserr.Wrap(jmserr.StoreUnavailable, err, strings.TrimSpace(op+" "+key))
}

func changeChannel(key string) string { return changePrefix + key }

// Get returns the raw document at key. The boolean is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "get", key)
	}
	return b, true, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable(err, "exists", key)
	}
	return n > 0, nil
}

// Set stores value at key and announces the change.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, value, 0)
		p.Publish(ctx, changeChannel(key), "set")
		return nil
	})
	if err != nil {
		return unavailable(err, "set", key)
	}
	return nil
}

// Del removes keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		for _, k := range keys {
			p.Publish(ctx, changeChannel(k), "del")
		}
		return nil
	})
	if err != nil {
		return unavailable(err, "del", strings.Join(keys, ","))
	}
	return nil
}

// SetNX sets key to value only if it is absent. A positive ttl makes the key expire.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err, "setnx", key)
	}
	if ok {
		s.notify(ctx, key, "set")
	}
	return ok, nil
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// CompareAndDelete deletes key only while it still holds value.
func (s *Store) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, unavailable(err, "compare-and-delete", key)
	}
	if n == 1 {
		s.notify(ctx, key, "del")
	}
	return n == 1, nil
}

// Update runs fn against the current document at key inside an optimistic transaction
// and writes back what fn returns. fn sees exists=false for a missing key. Returning a
// nil slice leaves the key untouched. Conflicting writers cause fn to be re-run.
func (s *Store) Update(ctx context.Context, key string, fn func(cur []byte, exists bool) ([]byte, error)) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var wrote bool
	txf := func(tx *redis.Tx) error {
		wrote = false
		cur, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists, err = false, nil
		}
		if err != nil {
			return err
		}
		next, err := fn(cur, exists)
		if err != nil {
			return fnError{err}
		}
		if next == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, next, 0)
			return nil
		})
		wrote = err == nil
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			if wrote {
				s.notify(ctx, key, "set")
			}
			return nil
		}
		var fe fnError
		if errors.As(err, &fe) {
			return fe.err
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return unavailable(err, "update", key)
	}
	return jmserr.Newf(jmserr.LockContention, "update %s: too many conflicting writers", key)
}

type fnError struct{ err error }

func (e fnError) Error() string { return e.err.Error() }

// Scan lazily yields every key starting with prefix. Keys may repeat if the keyspace
// is rehashed while scanning; use Keys for a de-duplicated, sorted list.
func (s *Store) Scan(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := s.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatchCount).Iterator()
		for it.Next(ctx) {
			if !yield(it.Val(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", unavailable(err, "scan", prefix))
		}
	}
}

// Keys collects the distinct keys under prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for key, err := range s.Scan(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// BGSave asks the server for a background snapshot.
func (s *Store) BGSave(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.BgSave(ctx).Err(); err != nil {
		return unavailable(err, "bgsave", "")
	}
	return nil
}

// notify is best effort: a lost notice only delays a watcher until the next write.
func (s *Store) notify(ctx context.Context, key, op string) {
	if err := s.rdb.Publish(ctx, changeChannel(key), op).Err(); err != nil {
		s.logger.Warn("store change notice failed", "key", key, "error", err)
	}
}

// escapeGlob quotes the characters Redis treats specially in MATCH patterns.
func escapeGlob(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String identifies the store in logs.
func (s *Store) String() string {
	return fmt.Sprintf("store(%s)", s.rdb.Options().Addr)
}
