package call

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/signaling"
	"go.uber.org/zap"
)

// IncomingCall is handed to OnIncoming handlers while the call rings.
type IncomingCall struct {
	Session  *Session
	CallerID string
}

func (c *IncomingCall) Accept(ctx context.Context) error {
	return c.Session.Accept(ctx)
}

func (c *IncomingCall) Decline(ctx context.Context) error {
	return c.Session.Decline(ctx)
}

// CallService owns the sessions of one user. At most one session is active
// at a time; all state is keyed by call id.
type CallService struct {
	mu       sync.Mutex
	userID   string
	deps     Dependencies
	active   *Session
	handlers []func(*IncomingCall)

	inboxCancel signaling.CancelFunc
}

func NewService(userID string, deps Dependencies) *CallService {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	return &CallService{
		userID: userID,
		deps:   deps,
	}
}

func (c *CallService) UserID() string {
	return c.userID
}

// Active returns the session currently in progress, or nil.
func (c *CallService) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeLocked()
}

func (c *CallService) activeLocked() *Session {
	if c.active == nil || c.active.State().Terminal() {
		return nil
	}

	return c.active
}

// OnIncoming registers a handler for calls announced in the user's inbox.
func (c *CallService) OnIncoming(handler func(*IncomingCall)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, handler)
}

// Call starts an outgoing call. It fails with ErrBusy while another call is
// in progress.
func (c *CallService) Call(ctx context.Context, calleeID string) (*Session, error) {
	c.mu.Lock()

	if c.activeLocked() != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}

	session := NewCallerSession(c.userID, calleeID, c.deps)
	c.active = session
	c.mu.Unlock()

	err := session.Initiate(ctx)
	if err != nil {
		return session, err
	}

	c.track(session)

	return session, nil
}

// Listen watches the user's inbox until ctx is done or Close is called.
func (c *CallService) Listen(ctx context.Context) error {
	cancel, err := c.deps.Channel.WatchList(ctx, InboxKey(c.userID), ListIncoming, func(item signaling.Item) {
		c.handleInboxItem(ctx, item)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.inboxCancel = cancel
	c.mu.Unlock()

	logging.Logger.Info("[Listen] waiting for incoming calls", zap.String("user_id", c.userID))

	return nil
}

func (c *CallService) handleInboxItem(ctx context.Context, item signaling.Item) {
	var entry InboxEntry

	err := item.Decode(&entry)
	if err != nil || entry.CallID == "" {
		logging.Logger.Warn("[handleInboxItem] ignoring malformed inbox entry", zap.String("item_id", item.ID))
		return
	}

	doc, err := c.deps.Channel.Read(ctx, RecordKey(entry.CallID))
	if err != nil {
		if !errors.Is(err, signaling.ErrNotFound) {
			logging.Logger.Warn("[handleInboxItem] failed to read call record",
				zap.String("call_id", entry.CallID),
				zap.String("error", err.Error()),
			)
		}

		return
	}

	record, err := DecodeRecord(doc)
	if err != nil {
		logging.Logger.Warn("[handleInboxItem] ignoring call", zap.String("call_id", entry.CallID), zap.String("error", err.Error()))
		return
	}

	// Old entries are replayed on every Listen; only live calls ring.
	if record.Status != StatusRinging || record.CalleeID != c.userID || record.Offer == nil {
		return
	}

	if c.deps.RingTimeout > 0 && c.deps.Clock.Since(record.CreatedAt) > c.deps.RingTimeout {
		return
	}

	c.mu.Lock()

	if active := c.activeLocked(); active != nil {
		c.mu.Unlock()

		if active.ID() != record.ID {
			c.rejectBusy(ctx, record)
		}

		return
	}

	session := NewCalleeSession(c.userID, record, c.deps)
	c.active = session
	handlers := append([]func(*IncomingCall){}, c.handlers...)
	c.mu.Unlock()

	err = session.Ring(ctx)
	if err != nil {
		logging.Logger.Warn("[handleInboxItem] failed to ring", zap.String("call_id", record.ID), zap.String("error", err.Error()))
		return
	}

	c.track(session)

	incoming := &IncomingCall{Session: session, CallerID: record.CallerID}
	for _, handler := range handlers {
		handler(incoming)
	}
}

func (c *CallService) rejectBusy(ctx context.Context, record *Record) {
	logging.Logger.Info("[rejectBusy] declining call while another is active",
		zap.String("call_id", record.ID),
		zap.String("caller_id", record.CallerID),
	)

	err := c.deps.Channel.Write(ctx, RecordKey(record.ID), map[string]any{
		"status":    StatusEnded,
		"endReason": ReasonBusy,
		"endedAt":   c.deps.Clock.Now(),
	})
	if err != nil {
		logging.Logger.Warn("[rejectBusy] failed to decline call", zap.String("call_id", record.ID), zap.String("error", err.Error()))
	}
}

// track follows the peer's presence as a wake-up hint for session and
// forgets the session once it ends.
func (c *CallService) track(session *Session) {
	var hintCancel signaling.CancelFunc

	if c.deps.Presence != nil {
		cancel, err := c.deps.Presence.WatchCallHints(session.ctx, session.PeerID(), func(callID string) {
			if callID != session.ID() {
				return
			}

			err := session.Refresh(session.ctx)
			if err != nil && session.ctx.Err() == nil {
				logging.Logger.Debug("[track] refresh after presence hint failed",
					zap.String("call_id", callID),
					zap.String("error", err.Error()),
				)
			}
		})
		if err != nil {
			logging.Logger.Warn("[track] failed to watch peer presence", zap.String("error", err.Error()))
		}

		hintCancel = cancel
	}

	go func() {
		<-session.Done()

		if hintCancel != nil {
			hintCancel()
		}

		c.mu.Lock()
		if c.active == session {
			c.active = nil
		}
		c.mu.Unlock()
	}()
}

// Close ends the active call and stops listening.
func (c *CallService) Close(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	inboxCancel := c.inboxCancel
	c.inboxCancel = nil
	c.mu.Unlock()

	if inboxCancel != nil {
		inboxCancel()
	}

	if active != nil {
		return active.Hangup(ctx)
	}

	return nil
}
