package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/store"
	"github.com/trentd187/jms/internal/store/storetest"
)

func TestGetSetDel(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "db:team:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Set(ctx, "db:team:1", []byte(`{"number":1}`)))
	got, ok, err := st.Get(ctx, "db:team:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"number":1}`, string(got))

	require.NoError(t, st.Del(ctx, "db:team:1"))
	_, ok, err = st.Get(ctx, "db:team:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNX_OnlyFirstWins(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	ok, err := st.SetNX(ctx, "__score_update_lock", []byte("a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SetNX(ctx, "__score_update_lock", []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, _ := st.Get(ctx, "__score_update_lock")
	assert.Equal(t, "a", string(v))
}

func TestSetNX_TTLExpires(t *testing.T) {
	st, mr := storetest.NewWithServer(t)
	ctx := context.Background()

	ok, err := st.SetNX(ctx, "lock", []byte("a"), 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Second)

	ok, err = st.SetNX(ctx, "lock", []byte("b"), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key should be claimable")
}

func TestCompareAndDelete(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "lock", []byte("mine")))

	deleted, err := st.CompareAndDelete(ctx, "lock", []byte("theirs"))
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = st.CompareAndDelete(ctx, "lock", []byte("mine"))
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := st.Exists(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestJSONPath(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	require.NoError(t, st.JSONSet(ctx, "live_score", "red.auto", 10))
	require.NoError(t, st.JSONSet(ctx, "live_score", "blue.teleop", 15))

	raw, ok, err := st.JSONGet(ctx, "live_score", "red.auto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10", string(raw))

	doc, _, _ := st.Get(ctx, "live_score")
	assert.JSONEq(t, `{"red":{"auto":10},"blue":{"teleop":15}}`, string(doc))

	_, ok, err = st.JSONGet(ctx, "live_score", "red.endgame")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.JSONDel(ctx, "live_score", "blue"))
	doc, _, _ = st.Get(ctx, "live_score")
	assert.JSONEq(t, `{"red":{"auto":10}}`, string(doc))
}

func TestJSONGet_NotJSON(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "junk", []byte("not json{")))

	_, _, err := st.JSONGet(ctx, "junk", "a")
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func TestUpdate_ConcurrentIncrementsAllLand(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	counter := store.NewSingleton(st, "counter", func() int { return 0 })

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, err := counter.Update(ctx, func(n *int) error { *n++; return nil })
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := counter.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestScanAndKeys(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	for _, k := range []string{"db:team:1", "db:team:2", "db:match:qm_1_1", "db:team*odd:3"} {
		require.NoError(t, st.Set(ctx, k, []byte("{}")))
	}

	keys, err := st.Keys(ctx, "db:team:")
	require.NoError(t, err)
	assert.Equal(t, []string{"db:team:1", "db:team:2"}, keys)

	keys, err = st.Keys(ctx, "db:team*")
	require.NoError(t, err)
	assert.Equal(t, []string{"db:team*odd:3"}, keys, "glob characters in the prefix are literal")
}

func TestWatch_CoalescesChanges(t *testing.T) {
	st := storetest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := st.Watch(ctx, "db:team:")
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, "db:team:1", []byte("{}")))
	require.NoError(t, st.Set(ctx, "db:team:2", []byte("{}")))
	require.NoError(t, st.Set(ctx, "db:team:1", []byte(`{"a":1}`)))
	require.NoError(t, st.Set(ctx, "db:match:x", []byte("{}")))

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case c := <-changes:
			for _, k := range c.Keys {
				seen[k] = true
			}
		case <-deadline:
			t.Fatalf("changes not delivered, saw %v", seen)
		}
	}
	assert.Equal(t, map[string]bool{"db:team:1": true, "db:team:2": true}, seen)

	cancel()
	for range changes {
	}
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSingleton_MaterialisesDefault(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	s := store.NewSingleton(st, "db:event", func() doc { return doc{Name: "default"} })

	_, ok, err := s.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "default", v.Name)

	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists, "Get must persist the default")
}

func TestSingleton_RoundTrip(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	s := store.NewSingleton[doc](st, "db:event", nil)

	require.NoError(t, s.Set(ctx, doc{Name: "x", Count: 3}))
	v, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc{Name: "x", Count: 3}, v)
}

func TestTable(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	tbl := store.NewTable[int, doc](st, "db:thing")

	require.NoError(t, tbl.Insert(ctx, 2, doc{Name: "two"}))
	require.NoError(t, tbl.Insert(ctx, 1, doc{Name: "one"}))

	inserted, err := tbl.InsertIfAbsent(ctx, 1, doc{Name: "uno"})
	require.NoError(t, err)
	assert.False(t, inserted)

	v, ok, err := tbl.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", v.Name)

	updated, err := tbl.Update(ctx, 3, func(d *doc, exists bool) error {
		assert.False(t, exists)
		d.Name = "three"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "three", updated.Name)

	all, err := tbl.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, tbl.DeleteAll(ctx))
	all, err = tbl.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTable_MalformedRow(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	tbl := store.NewTable[int, doc](st, "db:thing")
	require.NoError(t, st.Set(ctx, tbl.Key(1), []byte(`{"count":"nope"}`)))

	_, _, err := tbl.Get(ctx, 1)
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func TestUpdate_ErrorAbortsWrite(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	tbl := store.NewTable[int, doc](st, "db:thing")
	require.NoError(t, tbl.Insert(ctx, 1, doc{Name: "keep"}))

	_, err := tbl.Update(ctx, 1, func(d *doc, _ bool) error {
		d.Name = "lost"
		return jmserr.New(jmserr.IllegalStateChange, "nope")
	})
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(err))

	v, _, _ := tbl.Get(ctx, 1)
	assert.Equal(t, "keep", v.Name)

	raw, _, _ := st.Get(ctx, tbl.Key(1))
	var back doc
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "keep", back.Name)
}
