package scoring

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/store"
)

// Lock timing. The TTL frees the lock if its holder dies; LockWait bounds how long a
// caller queues before giving up.
const (
	LockTTL   = 2 * time.Second
	LockRetry = time.Millisecond
	LockWait  = 5 * time.Second
)

var lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "jms_score_lock_wait_seconds",
	Help:    "Time spent acquiring the live score lock",
	Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
})

// Lock is the single-writer lock over the live score, held in the store so every
// scoring process shares it.
type Lock struct {
	st  *store.Store
	key string
	ttl time.Duration
}

// NewLock returns a lock stored at key.
func NewLock(st *store.Store, key string) *Lock {
	return &Lock{st: st, key: key, ttl: LockTTL}
}

// Acquire blocks until the lock is held and returns the function that releases it.
// Each attempt sets the key to a fresh token if absent and reads it back; a caller that
// finds another token sleeps LockRetry and tries again.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()
	token := []byte(uuid.NewString())
	deadline := time.NewTimer(LockWait)
	defer deadline.Stop()
	for {
		if _, err := l.st.SetNX(ctx, l.key, token, l.ttl); err != nil {
			return nil, cancelled(ctx, err)
		}
		cur, ok, err := l.st.Get(ctx, l.key)
		if err != nil {
			return nil, cancelled(ctx, err)
		}
		if ok && bytes.Equal(cur, token) {
			lockWait.Observe(time.Since(start).Seconds())
			return func() {
				// The caller's context may be gone by now; the release must still happen.
				_, _ = l.st.CompareAndDelete(context.WithoutCancel(ctx), l.key, token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, cancelled(ctx, ctx.Err())
		case <-deadline.C:
			return nil, jmserr.Newf(jmserr.LockContention, "score lock busy for %s", LockWait)
		case <-time.After(LockRetry):
		}
	}
}

func cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return jmserr.Wrap(jmserr.CancellationRequested, ctx.Err(), "waiting for score lock")
	}
	return err
}
