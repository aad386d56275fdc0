package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{Collection: "calls", ID: "call-1"}

func TestMemoryWriteMergesFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.Write(ctx, testKey, map[string]any{"status": "ringing", "callerId": "alice"}))
	require.NoError(t, store.Write(ctx, testKey, map[string]any{"status": "accepted"}))

	doc, err := store.Read(ctx, testKey)
	require.NoError(t, err)

	var status, caller string

	ok, err := doc.Field("status", &status)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "accepted", status)

	ok, err = doc.Field("callerId", &caller)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", caller)
}

func TestMemoryReadMissing(t *testing.T) {
	_, err := NewMemory().Read(context.Background(), testKey)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryWatchReplaysCurrentValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.Write(ctx, testKey, map[string]any{"status": "ringing"}))

	snapshots := make(chan Document, 4)

	cancel, err := store.Watch(ctx, testKey, func(doc Document) { snapshots <- doc })
	require.NoError(t, err)

	defer cancel()

	require.NoError(t, store.Write(ctx, testKey, map[string]any{"status": "ended"}))

	var status string

	first := <-snapshots
	_, _ = first.Field("status", &status)
	assert.Equal(t, "ringing", status)

	second := <-snapshots
	_, _ = second.Field("status", &status)
	assert.Equal(t, "ended", status)
}

func TestMemoryWatchCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	snapshots := make(chan Document, 4)

	cancel, err := store.Watch(ctx, testKey, func(doc Document) { snapshots <- doc })
	require.NoError(t, err)
	require.Equal(t, 1, store.Subscribers())

	cancel()
	cancel()

	require.Equal(t, 0, store.Subscribers())
	require.NoError(t, store.Write(ctx, testKey, map[string]any{"status": "ringing"}))

	select {
	case <-snapshots:
		t.Fatal("snapshot delivered after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryWatchContextEndDropsSubscription(t *testing.T) {
	store := NewMemory()

	docCtx, cancelDoc := context.WithCancel(context.Background())
	listCtx, cancelList := context.WithCancel(context.Background())

	_, err := store.Watch(docCtx, testKey, func(Document) {})
	require.NoError(t, err)

	_, err = store.WatchList(listCtx, testKey, "callerCandidates", func(Item) {})
	require.NoError(t, err)
	require.Equal(t, 2, store.Subscribers())

	cancelDoc()
	require.Eventually(t, func() bool { return store.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	cancelList()
	require.Eventually(t, func() bool { return store.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()

	assert.Empty(t, store.docWatchers)
	assert.Empty(t, store.listWatchers)
}

func TestMemoryWatchListDeliversEachItemOnceInOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := store.Append(ctx, testKey, "callerCandidates", map[string]any{"candidate": "c0"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []string
	)

	done := make(chan struct{})

	cancel, err := store.WatchList(ctx, testKey, "callerCandidates", func(item Item) {
		var payload struct {
			Candidate string `json:"candidate"`
		}

		assert.NoError(t, item.Decode(&payload))

		mu.Lock()
		seen = append(seen, payload.Candidate)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	defer cancel()

	_, err = store.Append(ctx, testKey, "callerCandidates", map[string]any{"candidate": "c1"})
	require.NoError(t, err)
	_, err = store.Append(ctx, testKey, "calleeCandidates", map[string]any{"candidate": "other"})
	require.NoError(t, err)
	_, err = store.Append(ctx, testKey, "callerCandidates", map[string]any{"candidate": "c2"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("list items not delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"c0", "c1", "c2"}, seen)
}

func TestMemoryClosedRejectsOperations(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Close())

	err := store.Write(context.Background(), testKey, map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestDocumentDecode(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, testKey, map[string]any{
		"status": "ringing",
		"offer":  map[string]string{"type": "offer", "sdp": "v=0"},
		"answer": nil,
	}))

	doc, err := store.Read(ctx, testKey)
	require.NoError(t, err)

	var record struct {
		Status string            `json:"status"`
		Offer  map[string]string `json:"offer"`
		Answer map[string]string `json:"answer"`
	}

	require.NoError(t, doc.Decode(&record))
	assert.Equal(t, "ringing", record.Status)
	assert.Equal(t, "v=0", record.Offer["sdp"])
	assert.Nil(t, record.Answer)
	assert.False(t, doc.Has("answer"))
}
