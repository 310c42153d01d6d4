package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/hub"
)

func running(t *testing.T) (*hub.Hub, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New()
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, ctx
}

func recv(t *testing.T, c *hub.Client) string {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "client was closed")
		return string(data)
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return ""
	}
}

func TestHub_FansOutByTopic(t *testing.T) {
	h, ctx := running(t)
	a1, a2, b := hub.NewClient("a"), hub.NewClient("a"), hub.NewClient("b")
	for _, c := range []*hub.Client{a1, a2, b} {
		require.True(t, h.Register(ctx, c))
	}

	h.Broadcast(ctx, "a", []byte("one"))
	h.Broadcast(ctx, "b", []byte("two"))

	assert.Equal(t, "one", recv(t, a1))
	assert.Equal(t, "one", recv(t, a2))
	assert.Equal(t, "two", recv(t, b))
}

func TestHub_LateSubscriberGetsLastValue(t *testing.T) {
	h, ctx := running(t)
	early := hub.NewClient("t")
	require.True(t, h.Register(ctx, early))
	h.Broadcast(ctx, "t", []byte("v1"))
	h.Broadcast(ctx, "t", []byte("v2"))
	assert.Equal(t, "v1", recv(t, early))
	assert.Equal(t, "v2", recv(t, early))

	late := hub.NewClient("t")
	require.True(t, h.Register(ctx, late))
	assert.Equal(t, "v2", recv(t, late))

	last, ok := h.Last("t")
	require.True(t, ok)
	assert.Equal(t, "v2", string(last))
	_, ok = h.Last("nothing")
	assert.False(t, ok)
}

func TestHub_UnregisterClosesOnce(t *testing.T) {
	h, ctx := running(t)
	c := hub.NewClient("t")
	require.True(t, h.Register(ctx, c))
	h.Unregister(ctx, c)
	h.Unregister(ctx, c)

	_, ok := <-c.Send
	assert.False(t, ok)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h, ctx := running(t)
	slow := hub.NewClient("t")
	require.True(t, h.Register(ctx, slow))

	for i := range hub.SendBuffer + 1 {
		h.Broadcast(ctx, "t", []byte{byte(i)})
	}

	n := 0
	for range slow.Send {
		n++
	}
	assert.Equal(t, hub.SendBuffer, n, "buffered values drain, then the channel is closed")
}

func TestHub_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New()
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	c := hub.NewClient("t")
	require.True(t, h.Register(ctx, c))
	cancel()
	require.NoError(t, <-done)

	_, ok := <-c.Send
	assert.False(t, ok)
	assert.False(t, h.Register(ctx, hub.NewClient("t")))
}
