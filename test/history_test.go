package test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/deadletter"
	"github.com/hiapp/hicall/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRepositoryConvergesOutOfOrder(t *testing.T) {
	resources := newResources(t)
	db := resources.startPostgres(t)
	circuitbreak.Init()

	ctx := context.Background()
	repository := history.NewRepository(db)

	created := time.Now().UTC().Truncate(time.Millisecond)
	answered := created.Add(3 * time.Second)
	ended := created.Add(20 * time.Second)
	record := call.Record{ID: uniqueID(t), CallerID: "alice", CalleeID: "bob", Status: call.StatusRinging, CreatedAt: created}

	// Terminal first, then a late answered event, then the initial one.
	require.NoError(t, repository.Apply(ctx, history.TerminalEvent(record.ID, call.StatusEnded, call.ReasonHangup, ended)))
	require.NoError(t, repository.Apply(ctx, history.AnsweredEvent(record.ID, answered)))
	require.NoError(t, repository.Apply(ctx, history.InitiatedEvent(record)))

	row, err := repository.GetByID(ctx, record.ID)
	require.NoError(t, err)

	assert.Equal(t, string(call.StatusEnded), row.Status)
	assert.Equal(t, string(call.ReasonHangup), row.EndReason)
	assert.Equal(t, "alice", row.CallerID)
	assert.Equal(t, "bob", row.CalleeID)
	assert.True(t, row.CreatedAt.Equal(created))
	require.NotNil(t, row.EndedAt)
	assert.Nil(t, row.AnsweredAt)

	var participants []string
	require.NoError(t, json.Unmarshal(row.Participants, &participants))
	assert.Equal(t, []string{"alice", "bob"}, participants)
}

func TestHistoryRepositoryListsNewestFirst(t *testing.T) {
	resources := newResources(t)
	db := resources.startPostgres(t)
	circuitbreak.Init()

	ctx := context.Background()
	registry := history.NewRegistry(history.NewRepository(db))

	base := time.Now().UTC().Truncate(time.Millisecond)

	older := call.Record{ID: uniqueID(t) + "-a", CallerID: "carol", CalleeID: "dave", Status: call.StatusRinging, CreatedAt: base}
	newer := call.Record{ID: uniqueID(t) + "-b", CallerID: "dave", CalleeID: "carol", Status: call.StatusRinging, CreatedAt: base.Add(time.Minute)}
	other := call.Record{ID: uniqueID(t) + "-c", CallerID: "erin", CalleeID: "frank", Status: call.StatusRinging, CreatedAt: base}

	for _, record := range []call.Record{older, newer, other} {
		require.NoError(t, registry.RecordInitiated(ctx, record))
	}

	require.NoError(t, registry.RecordAnswered(ctx, newer.ID, base.Add(time.Minute+2*time.Second)))
	require.NoError(t, registry.RecordTerminal(ctx, newer.ID, call.StatusEnded, call.ReasonHangup, base.Add(2*time.Minute)))
	require.NoError(t, registry.RecordTerminal(ctx, older.ID, call.StatusMissed, call.ReasonTimeout, base.Add(30*time.Second)))

	rows, err := registry.ListForUser(ctx, "carol", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, newer.ID, rows[0].CallID)
	assert.Equal(t, "incoming", rows[0].Direction("carol"))
	assert.Equal(t, 58*time.Second, rows[0].Duration())

	assert.Equal(t, older.ID, rows[1].CallID)
	assert.Equal(t, string(call.StatusMissed), rows[1].Status)
	assert.Equal(t, time.Duration(0), rows[1].Duration())
}

type flakyStore struct {
	inner    history.Store
	failures int
}

func (s *flakyStore) Apply(ctx context.Context, event *history.CallEvent) error {
	if s.failures > 0 {
		s.failures--
		return assert.AnError
	}

	return s.inner.Apply(ctx, event)
}

func TestDeadLetterEventIsRecovered(t *testing.T) {
	resources := newResources(t)
	db := resources.startPostgres(t)
	circuitbreak.Init()

	ctx := context.Background()
	repository := history.NewRepository(db)
	store := &flakyStore{inner: repository, failures: 1}
	dlService := deadletter.NewService(db, store)

	record := call.Record{ID: uniqueID(t), CallerID: "gina", CalleeID: "hank", Status: call.StatusRinging, CreatedAt: time.Now().UTC()}
	event := history.InitiatedEvent(record)

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, dlService.MarkEvent(ctx, event.EventID, event.CallID, raw, "db down"))

	// Marking twice keeps one row.
	require.NoError(t, dlService.MarkEvent(ctx, event.EventID, event.CallID, raw, "db down again"))

	pending, err := dlService.DLRepository.GetPendingEvents(ctx)
	require.NoError(t, err)

	dlEvent := findDeadLetter(pending, event.EventID)
	require.NotNil(t, dlEvent)
	assert.Equal(t, "db down again", dlEvent.Error)

	// First retry fails and bumps the retry count.
	dlService.ProcessDeadLetterEvent(ctx, dlEvent)

	pending, err = dlService.DLRepository.GetPendingEvents(ctx)
	require.NoError(t, err)

	dlEvent = findDeadLetter(pending, event.EventID)
	require.NotNil(t, dlEvent)
	assert.Equal(t, 1, dlEvent.RetryCount)

	// Second retry succeeds and removes the event.
	dlService.ProcessDeadLetterEvent(ctx, dlEvent)

	pending, err = dlService.DLRepository.GetPendingEvents(ctx)
	require.NoError(t, err)
	assert.Nil(t, findDeadLetter(pending, event.EventID))

	row, err := repository.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "gina", row.CallerID)
}

func findDeadLetter(events []deadletter.CallEventDeadLetter, eventID string) *deadletter.CallEventDeadLetter {
	for i := range events {
		if events[i].EventID == eventID {
			return &events[i]
		}
	}

	return nil
}
