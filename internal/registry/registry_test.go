package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/logging"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/registry"
	"github.com/trentd187/jms/internal/store/storetest"
)

func TestTick_AliveUntilTimeout(t *testing.T) {
	db := models.NewDB(storetest.New(t))
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	r := registry.New(db, registry.Component{ID: "jms.arena", Name: "Arena", Symbol: "A"}, clock, logging.Discard())
	require.NoError(t, r.Tick(ctx))

	list, err := registry.List(ctx, db, clock.Now().Add(999*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Alive)
	assert.Equal(t, 1000, list[0].TimeoutMS)

	list, err = registry.List(ctx, db, clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, list[0].Alive, "alive only while now - last_tick < timeout")
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	db := models.NewDB(storetest.New(t))
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	r := registry.New(db, registry.Component{ID: "jms.scoring", Timeout: 2 * time.Second}, clock, logging.Discard())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	start := clock.Now()
	clock.Advance(registry.TickInterval)

	require.Eventually(t, func() bool {
		c, ok, err := db.Components.Get(ctx, "jms.scoring")
		return err == nil && ok && c.LastTick.Equal(start.Add(registry.TickInterval))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
