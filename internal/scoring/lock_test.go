package scoring_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/scoring"
	"github.com/trentd187/jms/internal/store/storetest"
)

func TestLock_OneHolderAtATime(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	var holders, peak atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := scoring.NewLock(st, models.KeyScoreLock)
			for range 50 {
				release, err := lock.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				n := holders.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(100 * time.Microsecond)
				holders.Add(-1)
				release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	ok, err := st.Exists(ctx, models.KeyScoreLock)
	require.NoError(t, err)
	assert.False(t, ok, "released lock leaves no key behind")
}

func TestLock_AbandonedLockExpires(t *testing.T) {
	st, mr := storetest.NewWithServer(t)
	ctx := context.Background()

	// A holder that died without releasing.
	ok, err := st.SetNX(ctx, models.KeyScoreLock, []byte("dead"), scoring.LockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	got := make(chan error, 1)
	go func() {
		release, err := scoring.NewLock(st, models.KeyScoreLock).Acquire(ctx)
		if err == nil {
			release()
		}
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("acquired a lock that was still held")
	case <-time.After(50 * time.Millisecond):
	}
	mr.FastForward(scoring.LockTTL + time.Millisecond)
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock never became free after its TTL")
	}
}

func TestLock_ReleaseKeepsSomeoneElsesLock(t *testing.T) {
	st, mr := storetest.NewWithServer(t)
	ctx := context.Background()
	lock := scoring.NewLock(st, models.KeyScoreLock)

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)
	mr.FastForward(scoring.LockTTL + time.Millisecond)
	release2, err := lock.Acquire(ctx)
	require.NoError(t, err)

	release() // expired holder
	ok, err := st.Exists(ctx, models.KeyScoreLock)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestLock_CancelledWhileWaiting(t *testing.T) {
	st := storetest.New(t)
	ok, err := st.SetNX(context.Background(), models.KeyScoreLock, []byte("other"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = scoring.NewLock(st, models.KeyScoreLock).Acquire(ctx)
	assert.Equal(t, jmserr.CancellationRequested, jmserr.KindOf(err))
}
