package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ call.Presence = (*Bridge)(nil)

func TestIsOnline(t *testing.T) {
	store := signaling.NewMemory()
	clk := clock.NewMock()
	ctx := context.Background()

	alice := NewBridge(store, "alice", clk)
	bob := NewBridge(store, "bob", clk)

	online, err := alice.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, bob.SetOnline(ctx, true))

	online, err = alice.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, bob.SetOnline(ctx, false))

	online, err = alice.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online, "recently active users count as online")

	clk.Add(91 * time.Second)

	online, err = alice.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestHeartbeat(t *testing.T) {
	store := signaling.NewMemory()
	clk := clock.NewMock()
	bridge := NewBridge(store, "bob", clk)

	ctx, cancel := context.WithCancel(context.Background())
	started := clk.Now()

	done := make(chan error, 1)

	go func() {
		done <- bridge.Heartbeat(ctx)
	}()

	require.Eventually(t, func() bool {
		flag, err := bridge.Get(context.Background(), "bob")
		return err == nil && flag.Online
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Add(30 * time.Second)

		flag, err := bridge.Get(context.Background(), "bob")

		return err == nil && flag.LastActive.After(started)
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}

	flag, err := bridge.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, flag.Online)
}

func TestPublishCallActionAndHints(t *testing.T) {
	store := signaling.NewMemory()
	clk := clock.NewMock()
	ctx := context.Background()

	alice := NewBridge(store, "alice", clk)
	bob := NewBridge(store, "bob", clk)

	var (
		mu    sync.Mutex
		hints []string
	)

	cancel, err := alice.WatchCallHints(ctx, "bob", func(callID string) {
		mu.Lock()
		defer mu.Unlock()

		hints = append(hints, callID)
	})
	require.NoError(t, err)

	defer cancel()

	require.NoError(t, bob.SetOnline(ctx, true))
	require.NoError(t, bob.PublishCallAction(ctx, "call-1", call.PresenceRinging))
	require.NoError(t, bob.SetOnline(ctx, true))
	require.NoError(t, bob.PublishCallAction(ctx, "call-1", call.PresenceAccepted))

	received := func() []string {
		mu.Lock()
		defer mu.Unlock()

		return append([]string(nil), hints...)
	}

	require.Eventually(t, func() bool { return len(received()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"call-1", "call-1"}, received())

	flag, err := alice.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, call.PresenceAccepted, flag.CallStatus)
	assert.Equal(t, "call-1", flag.CallID)
	assert.True(t, flag.Online)
}

func TestWatchIgnoresMalformedPresence(t *testing.T) {
	store := signaling.NewMemory()
	ctx := context.Background()
	bridge := NewBridge(store, "alice", clock.NewMock())

	flags := make(chan Flag, 4)

	cancel, err := bridge.Watch(ctx, "bob", func(flag Flag) { flags <- flag })
	require.NoError(t, err)

	defer cancel()

	require.NoError(t, store.Write(ctx, Key("bob"), map[string]any{"online": "yes"}))
	require.NoError(t, store.Write(ctx, Key("bob"), map[string]any{"online": true}))

	select {
	case flag := <-flags:
		assert.True(t, flag.Online)
	case <-time.After(time.Second):
		t.Fatal("no presence delivered")
	}
}
