// Package storetest starts an in-process Redis for tests and hands back a *store.Store.
package storetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trentd187/jms/internal/store"
)

// New returns a store backed by a fresh miniredis server that is torn down with t.
func New(t testing.TB) *store.Store {
	st, _ := NewWithServer(t)
	return st
}

// NewWithServer also returns the server so tests can inspect or fast-forward it.
func NewWithServer(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, store.WithTimeout(5*time.Second), store.WithCoalesce(10*time.Millisecond))
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}
