package history

import (
	"context"
	"errors"
	"time"

	"github.com/hiapp/hicall/internal/call"
)

var ErrListingUnavailable = errors.New("call log listing needs the database history store")

// Store persists call events.
type Store interface {
	Apply(ctx context.Context, event *CallEvent) error
}

type Lister interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]CallHistory, error)
}

// Registry records the lifecycle of every call a session takes part in.
// It never blocks a call: errors are returned to the session, which only
// logs them.
type Registry struct {
	store  Store
	lister Lister
}

func NewRegistry(store Store) *Registry {
	registry := &Registry{store: store}

	if lister, ok := store.(Lister); ok {
		registry.lister = lister
	}

	return registry
}

func (r *Registry) RecordInitiated(ctx context.Context, record call.Record) error {
	return r.store.Apply(ctx, InitiatedEvent(record))
}

func (r *Registry) RecordAnswered(ctx context.Context, callID string, at time.Time) error {
	return r.store.Apply(ctx, AnsweredEvent(callID, at))
}

func (r *Registry) RecordTerminal(
	ctx context.Context,
	callID string,
	status call.Status,
	reason call.EndReason,
	at time.Time,
) error {
	return r.store.Apply(ctx, TerminalEvent(callID, status, reason, at))
}

func (r *Registry) ListForUser(ctx context.Context, userID string, limit int) ([]CallHistory, error) {
	if r.lister == nil {
		return nil, ErrListingUnavailable
	}

	return r.lister.ListForUser(ctx, userID, limit)
}
