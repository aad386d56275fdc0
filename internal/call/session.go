package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/prometheus"
	"github.com/hiapp/hicall/internal/signaling"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle     State = "idle"
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateDeclined State = "declined"
	StateMissed   State = "missed"
	StateEnded    State = "ended"
)

func (s State) Terminal() bool {
	return s == StateMissed || s == StateEnded
}

// ringing -> ended covers a remote hangup or a local failure before answer.
var stateTransitions = map[State][]State{
	StateIdle:     {StateRinging, StateEnded},
	StateRinging:  {StateAccepted, StateDeclined, StateMissed, StateEnded},
	StateAccepted: {StateEnded},
	StateDeclined: {StateEnded},
}

func (s State) CanTransition(to State) bool {
	for _, next := range stateTransitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// Recorder persists call history. Failures are logged and never affect the
// call.
type Recorder interface {
	RecordInitiated(ctx context.Context, record Record) error
	RecordAnswered(ctx context.Context, callID string, at time.Time) error
	RecordTerminal(ctx context.Context, callID string, status Status, reason EndReason, at time.Time) error
}

// PresenceAction values published to the presence record.
const (
	PresenceRinging  = "ringing"
	PresenceAccepted = "accepted"
	PresenceEnded    = "ended"
)

// Presence mirrors call progress to the user's presence record and relays
// the peer's presence changes as hints.
type Presence interface {
	PublishCallAction(ctx context.Context, callID, action string) error
	WatchCallHints(ctx context.Context, userID string, fn func(callID string)) (signaling.CancelFunc, error)
}

type Dependencies struct {
	Channel     signaling.Channel
	Transports  TransportFactory
	Recorder    Recorder
	Presence    Presence
	Clock       clock.Clock
	RingTimeout time.Duration
	Notifier    Notifier
}

// Session is one call from one participant's point of view. Every mutation
// runs under mu; watch callbacks, the watchdog, transport callbacks and UI
// actions all funnel into the same entry points.
type Session struct {
	mu sync.Mutex

	id      string
	role    Role
	localID string
	peerID  string

	state  State
	reason EndReason

	deps   Dependencies
	events *eventQueue
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	transport     Transport
	ice           *ICEExchange
	watchdog      *Watchdog
	watchCancel   signaling.CancelFunc
	recordWritten bool
	answerApplied bool
	accepting     bool
	connected     bool
	ringingSince  time.Time

	releaseOnce sync.Once
	done        chan struct{}
}

func newSession(callID string, role Role, localID, peerID string, deps Dependencies) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:      callID,
		role:    role,
		localID: localID,
		peerID:  peerID,
		state:   StateIdle,
		deps:    deps,
		events:  newEventQueue(deps.Notifier),
		logger:  logging.Logger.With(logging.CallFields(callID, string(role))...),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// NewCallerSession prepares an outgoing call to calleeID. Nothing is written
// until Initiate.
func NewCallerSession(callerID, calleeID string, deps Dependencies) *Session {
	return newSession(uuid.NewString(), RoleCaller, callerID, calleeID, deps)
}

// NewCalleeSession prepares the receiving side of record. Nothing is watched
// until Ring.
func NewCalleeSession(calleeID string, record *Record, deps Dependencies) *Session {
	session := newSession(record.ID, RoleCallee, calleeID, record.CallerID, deps)
	session.recordWritten = true

	return session
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Role() Role     { return s.role }
func (s *Session) PeerID() string { return s.peerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason
}

// Done is closed once the session reached a terminal state and released its
// resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Initiate runs the caller side up to ringing: it creates the call record,
// starts the ringing countdown, acquires the media transport, publishes the
// offer and announces the call in the callee's inbox.
func (s *Session) Initiate(ctx context.Context) error {
	s.mu.Lock()

	if s.role != RoleCaller || s.state != StateIdle {
		s.mu.Unlock()
		return ErrInvalidState
	}

	now := s.deps.Clock.Now()
	record := newRecord(s.id, s.localID, s.peerID, now)

	err := s.deps.Channel.Write(ctx, RecordKey(s.id), record.fields())
	if err != nil {
		s.logger.Error("[Initiate] failed to create call record", zap.String("error", err.Error()))
		s.terminateLocked(ctx, reasonFor(err), err)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return err
	}

	s.recordWritten = true
	s.startRingingLocked()
	s.mu.Unlock()

	s.recordInitiated(ctx, *record)

	transport, err := s.deps.Transports.NewTransport(ctx, s.id)
	if err != nil {
		s.logger.Error("[Initiate] failed to acquire media transport", zap.String("error", err.Error()))
		s.fail(ctx, err)

		return err
	}

	if !s.adoptTransport(transport) {
		return ErrSessionEnded
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		if s.State().Terminal() {
			return ErrSessionEnded
		}

		s.logger.Error("[Initiate] failed to create offer", zap.String("error", err.Error()))
		s.fail(ctx, err)

		return err
	}

	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrSessionEnded
	}

	err = s.deps.Channel.Write(ctx, RecordKey(s.id), map[string]any{"offer": offer})
	if err == nil {
		_, err = s.deps.Channel.Append(ctx, InboxKey(s.peerID), ListIncoming, InboxEntry{
			CallID:    s.id,
			CallerID:  s.localID,
			CreatedAt: now,
		})
	}

	if err == nil {
		err = s.watchRecordLocked()
	}

	if err != nil {
		s.logger.Error("[Initiate] failed to publish offer", zap.String("error", err.Error()))
		s.terminateLocked(ctx, reasonFor(err), err)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return err
	}

	s.mu.Unlock()

	s.publishPresence(ctx, PresenceRinging)

	s.logger.Info("[Initiate] call is ringing", zap.String("callee_id", s.peerID))

	return nil
}

// Ring puts a callee session into ringing and starts observing the record.
func (s *Session) Ring(ctx context.Context) error {
	s.mu.Lock()

	if s.role != RoleCallee || s.state != StateIdle {
		s.mu.Unlock()
		return ErrInvalidState
	}

	s.startRingingLocked()

	err := s.watchRecordLocked()
	if err != nil {
		s.logger.Error("[Ring] failed to watch call record", zap.String("error", err.Error()))
		s.terminateLocked(ctx, reasonFor(err), err)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return err
	}

	s.mu.Unlock()

	s.publishPresence(ctx, PresenceRinging)

	return nil
}

// Accept answers a ringing call. The record is re-read first: the offer
// must be present and no answer may have been written yet.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()

	if s.role != RoleCallee || s.state != StateRinging || s.accepting {
		s.mu.Unlock()
		return ErrInvalidState
	}

	s.accepting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.accepting = false
		s.mu.Unlock()
	}()

	doc, err := s.deps.Channel.Read(ctx, RecordKey(s.id))
	if err != nil {
		return fmt.Errorf("read call record: %w", err)
	}

	record, err := DecodeRecord(doc)
	if err != nil {
		return err
	}

	if record.Status.Terminal() {
		s.applyRecord(ctx, record)
		return ErrSessionEnded
	}

	if record.Offer == nil {
		return fmt.Errorf("%w: accept before offer", ErrProtocolViolation)
	}

	if record.Answer != nil {
		return fmt.Errorf("%w: call already answered", ErrProtocolViolation)
	}

	transport, err := s.deps.Transports.NewTransport(ctx, s.id)
	if err != nil {
		s.logger.Error("[Accept] failed to acquire media transport", zap.String("error", err.Error()))
		s.fail(ctx, err)

		return err
	}

	if !s.adoptTransport(transport) {
		return ErrSessionEnded
	}

	err = transport.SetRemoteDescription(ctx, *record.Offer)
	if err == nil {
		var answer SessionDescription

		answer, err = transport.CreateAnswer(ctx)
		if err == nil {
			err = s.commitAnswer(ctx, answer)
		}
	}

	if err != nil {
		if errors.Is(err, ErrSessionEnded) || s.State().Terminal() {
			return ErrSessionEnded
		}

		s.logger.Error("[Accept] failed to answer call", zap.String("error", err.Error()))
		s.fail(ctx, err)

		return err
	}

	s.publishPresence(ctx, PresenceAccepted)
	s.recordAnswered(ctx)

	s.logger.Info("[Accept] call accepted")

	return nil
}

func (s *Session) commitAnswer(ctx context.Context, answer SessionDescription) error {
	s.mu.Lock()

	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrSessionEnded
	}

	record, err := s.readRecordLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if !record.Status.CanTransition(StatusAnswered) || record.Answer != nil {
		if !record.Status.Terminal() {
			s.mu.Unlock()
			return fmt.Errorf("%w: call already %s", ErrProtocolViolation, record.Status)
		}

		s.observeTerminalLocked(ctx, record)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return ErrSessionEnded
	}

	now := s.deps.Clock.Now()

	err = s.deps.Channel.Write(ctx, RecordKey(s.id), map[string]any{
		"answer":     answer,
		"status":     StatusAnswered,
		"answeredAt": now,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}

	// The peer may have ended the call between the read and the write, in
	// which case the answer overwrote its terminal status.
	record, err = s.readRecordLocked(ctx)
	if err == nil && record.EndedAt != nil {
		s.restoreTerminalLocked(ctx, record)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return ErrSessionEnded
	}

	s.answerApplied = true
	s.acceptLocked()
	s.mu.Unlock()

	return nil
}

func (s *Session) readRecordLocked(ctx context.Context) (*Record, error) {
	doc, err := s.deps.Channel.Read(ctx, RecordKey(s.id))
	if err != nil {
		return nil, fmt.Errorf("read call record: %w", err)
	}

	return DecodeRecord(doc)
}

// restoreTerminalLocked puts back the terminal status of a call that ended
// while still unanswered and whose status was overwritten by our answer.
func (s *Session) restoreTerminalLocked(ctx context.Context, record *Record) {
	status := unansweredStatus(record.EndReason)

	err := s.deps.Channel.Write(context.WithoutCancel(ctx), RecordKey(s.id), map[string]any{"status": status})
	if err != nil {
		s.logger.Warn("[restoreTerminal] failed to restore terminal status",
			zap.String("status", string(status)),
			zap.String("error", err.Error()),
		)
	}

	restored := *record
	restored.Status = status
	s.observeTerminalLocked(ctx, &restored)
}

// Decline rejects a ringing call without answering it.
func (s *Session) Decline(ctx context.Context) error {
	s.mu.Lock()

	if s.role != RoleCallee || s.state != StateRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}

	now := s.deps.Clock.Now()

	err := s.deps.Channel.Write(ctx, RecordKey(s.id), map[string]any{
		"status":    StatusEnded,
		"endReason": ReasonDeclined,
		"endedAt":   now,
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write decline: %w", err)
	}

	s.transitionLocked(StateDeclined, ReasonDeclined, nil)
	s.transitionLocked(StateEnded, ReasonDeclined, nil)
	s.releaseLocked()
	s.mu.Unlock()

	s.afterTerminal(ctx)

	s.logger.Info("[Decline] call declined")

	return nil
}

// Terminate ends the call from any non-terminal state. A call that never got
// past ringing is recorded as missed. It is safe to call concurrently and
// repeatedly; only the first call has an effect.
func (s *Session) Terminate(ctx context.Context, reason EndReason) error {
	s.mu.Lock()

	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}

	s.terminateLocked(ctx, reason, nil)
	s.mu.Unlock()

	s.afterTerminal(ctx)

	return nil
}

// Hangup is Terminate with the user's own hangup as reason.
func (s *Session) Hangup(ctx context.Context) error {
	return s.Terminate(ctx, ReasonHangup)
}

// Refresh re-reads the call record and applies it. It is used when a hint
// (presence change, reconnect) suggests the record may have moved.
func (s *Session) Refresh(ctx context.Context) error {
	doc, err := s.deps.Channel.Read(ctx, RecordKey(s.id))
	if err != nil {
		return err
	}

	record, err := DecodeRecord(doc)
	if err != nil {
		return err
	}

	s.applyRecord(ctx, record)

	return nil
}

func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil && !s.state.Terminal() {
		s.transport.SetMuted(muted)
	}
}

func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()

	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	s.terminateLocked(ctx, reasonFor(err), err)
	s.mu.Unlock()

	s.afterTerminal(ctx)
}

func (s *Session) startRingingLocked() {
	s.transitionLocked(StateRinging, ReasonNone, nil)
	s.ringingSince = s.deps.Clock.Now()

	timeout := s.deps.RingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s.watchdog = StartWatchdog(s.deps.Clock, timeout, s.expire)
}

// expire ends a call that is still ringing when the watchdog fires. An
// acceptance that raced the timer wins.
func (s *Session) expire() {
	s.mu.Lock()

	if s.state != StateRinging {
		s.mu.Unlock()
		return
	}

	s.logger.Info("[Watchdog] ringing timed out")

	ctx := context.Background()
	s.terminateLocked(ctx, ReasonTimeout, nil)
	s.mu.Unlock()

	s.afterTerminal(ctx)
}

func (s *Session) acceptLocked() {
	s.watchdog.Cancel()
	s.observeRinging("accepted")
	s.transitionLocked(StateAccepted, ReasonNone, nil)

	ice, err := StartICEExchange(s.ctx, s.deps.Channel, s.id, s.role, s.transport)
	if err != nil {
		s.logger.Error("[acceptLocked] failed to start ice exchange", zap.String("error", err.Error()))
		return
	}

	s.ice = ice
}

// adoptTransport hands a freshly acquired transport to the session. It
// reports false, closing the transport, when the session ended meanwhile.
func (s *Session) adoptTransport(transport Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		_ = transport.Close()
		return false
	}

	s.transport = transport

	transport.OnConnectionState(s.onTransportState)

	return true
}

func (s *Session) watchRecordLocked() error {
	cancel, err := s.deps.Channel.Watch(s.ctx, RecordKey(s.id), func(doc signaling.Document) {
		record, err := DecodeRecord(doc)
		if err != nil {
			s.logger.Warn("[watchRecord] ignoring snapshot", zap.String("error", err.Error()))
			return
		}

		s.applyRecord(s.ctx, record)
	})
	if err != nil {
		return err
	}

	s.watchCancel = cancel

	return nil
}

// applyRecord reconciles the local state with one snapshot of the record.
// Snapshots may be stale, repeated or out of order; everything here is
// guarded so that replaying them is harmless.
func (s *Session) applyRecord(ctx context.Context, record *Record) {
	s.mu.Lock()

	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	if record.Status.Terminal() {
		s.observeTerminalLocked(ctx, record)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return
	}

	// A terminal write overtaken by a concurrent answer leaves endedAt
	// behind under a live status. Finish the call so the record converges.
	if record.EndedAt != nil {
		reason := record.EndReason
		if reason == ReasonNone {
			reason = ReasonRemoteEnded
		}

		s.terminateLocked(ctx, reason, nil)
		s.mu.Unlock()
		s.afterTerminal(ctx)

		return
	}

	if s.role == RoleCaller && record.Answer != nil {
		s.applyAnswerLocked(ctx, *record.Answer)
	}

	s.mu.Unlock()
}

func (s *Session) applyAnswerLocked(ctx context.Context, answer SessionDescription) {
	if s.answerApplied || s.state != StateRinging || s.transport == nil || s.transport.HasRemoteDescription() {
		return
	}

	s.answerApplied = true

	err := s.transport.SetRemoteDescription(ctx, answer)
	if err != nil {
		s.logger.Warn("[applyAnswer] rejected remote answer",
			zap.String("error", fmt.Errorf("%w: %w", ErrProtocolViolation, err).Error()),
		)

		return
	}

	err = s.deps.Channel.Write(ctx, RecordKey(s.id), map[string]any{"status": StatusAccepted})
	if err != nil {
		s.logger.Warn("[applyAnswer] failed to mark call accepted", zap.String("error", err.Error()))
	}

	s.acceptLocked()

	s.logger.Info("[applyAnswer] call accepted by peer")
}

func (s *Session) observeTerminalLocked(ctx context.Context, record *Record) {
	reason := record.EndReason
	if reason == ReasonNone {
		reason = ReasonRemoteEnded
	}

	// Our own accepted/answered write may have landed after the peer's
	// terminal one; writing the terminal status again makes it final.
	if s.state == StateAccepted {
		err := s.deps.Channel.Write(ctx, RecordKey(s.id), map[string]any{"status": record.Status})
		if err != nil {
			s.logger.Warn("[observeTerminal] failed to confirm terminal status", zap.String("error", err.Error()))
		}
	}

	switch {
	case record.Status == StatusMissed && s.state == StateRinging:
		s.observeRinging("missed")
		s.transitionLocked(StateMissed, reason, nil)
	case s.state == StateRinging && reason == ReasonDeclined:
		s.observeRinging("declined")
		s.transitionLocked(StateDeclined, reason, nil)
		s.transitionLocked(StateEnded, reason, nil)
	default:
		s.observeRinging("ended")
		s.transitionLocked(StateEnded, reason, nil)
	}

	s.releaseLocked()
}

// terminateLocked moves the session to its terminal state, writes the
// terminal status and releases every resource. An unanswered call ends as
// missed unless a failure caused the end.
func (s *Session) terminateLocked(ctx context.Context, reason EndReason, cause error) {
	target, status := StateEnded, StatusEnded
	if s.state == StateRinging && cause == nil {
		target, status = StateMissed, StatusMissed
		s.observeRinging("missed")
	}

	if s.recordWritten {
		err := s.deps.Channel.Write(context.WithoutCancel(ctx), RecordKey(s.id), map[string]any{
			"status":    status,
			"endReason": reason,
			"endedAt":   s.deps.Clock.Now(),
		})
		if err != nil {
			s.logger.Warn("[terminate] failed to write terminal status",
				zap.String("status", string(status)),
				zap.String("error", err.Error()),
			)
		}
	}

	s.transitionLocked(target, reason, cause)
	s.releaseLocked()
}

func (s *Session) transitionLocked(to State, reason EndReason, cause error) {
	if !s.state.CanTransition(to) {
		s.logger.Warn("[transition] ignoring invalid transition",
			zap.String("from", string(s.state)),
			zap.String("to", string(to)),
		)

		return
	}

	s.logger.Debug("[transition] state changed",
		zap.String("from", string(s.state)),
		zap.String("to", string(to)),
		zap.String("reason", string(reason)),
	)

	s.state = to
	if reason != ReasonNone {
		s.reason = reason
	}

	s.events.push(Event{
		CallID: s.id,
		Role:   s.role,
		PeerID: s.peerID,
		State:  to,
		Reason: reason,
		Err:    cause,
	})

	if to.Terminal() {
		s.events.close()
	}
}

// releaseLocked frees the transport, subscriptions and the countdown. It
// runs exactly once however the session ended.
func (s *Session) releaseLocked() {
	s.releaseOnce.Do(func() {
		s.watchdog.Cancel()
		s.ice.Stop()

		if s.watchCancel != nil {
			s.watchCancel()
		}

		if s.transport != nil {
			err := s.transport.Close()
			if err != nil {
				s.logger.Warn("[release] failed to close transport", zap.String("error", err.Error()))
			}
		}

		s.cancel()
		close(s.done)
	})
}

func (s *Session) observeRinging(outcome string) {
	if s.state != StateRinging || s.ringingSince.IsZero() {
		return
	}

	prometheus.RingingDuration.
		WithLabelValues(string(s.role), outcome).
		Observe(s.deps.Clock.Since(s.ringingSince).Seconds())
}

func (s *Session) onTransportState(state ConnectionState) {
	s.mu.Lock()

	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	switch state {
	case TransportConnected:
		if s.state == StateAccepted && !s.connected {
			s.connected = true
			s.events.push(Event{CallID: s.id, Role: s.role, PeerID: s.peerID, State: s.state, Connected: true})
			s.logger.Info("[onTransportState] media connected")
		}

		s.mu.Unlock()
	case TransportFailed, TransportClosed:
		s.logger.Warn("[onTransportState] media transport lost", zap.String("state", state.String()))
		s.terminateLocked(context.Background(), ReasonPeerUnreachable, ErrPeerUnreachable)
		s.mu.Unlock()
		s.afterTerminal(context.Background())
	default:
		s.mu.Unlock()
	}
}

// afterTerminal runs the side effects of a terminal transition outside the
// session lock.
func (s *Session) afterTerminal(ctx context.Context) {
	s.mu.Lock()
	state, reason := s.state, s.reason
	s.mu.Unlock()

	if !state.Terminal() {
		return
	}

	status := StatusEnded
	if state == StateMissed {
		status = StatusMissed
	}

	prometheus.CallsTotal.WithLabelValues(string(s.role), string(status), string(reason)).Inc()

	if ctx.Err() != nil {
		ctx = context.Background()
	}

	s.publishPresence(ctx, PresenceEnded)

	if s.deps.Recorder != nil {
		err := s.deps.Recorder.RecordTerminal(ctx, s.id, status, reason, s.deps.Clock.Now())
		if err != nil {
			s.logger.Warn("[afterTerminal] failed to record call history", zap.String("error", err.Error()))
		}
	}

	s.logger.Info("[afterTerminal] call finished",
		zap.String("status", string(status)),
		zap.String("reason", string(reason)),
	)
}

func (s *Session) recordInitiated(ctx context.Context, record Record) {
	if s.deps.Recorder == nil {
		return
	}

	err := s.deps.Recorder.RecordInitiated(ctx, record)
	if err != nil {
		s.logger.Warn("[recordInitiated] failed to record call history", zap.String("error", err.Error()))
	}
}

func (s *Session) recordAnswered(ctx context.Context) {
	if s.deps.Recorder == nil {
		return
	}

	err := s.deps.Recorder.RecordAnswered(ctx, s.id, s.deps.Clock.Now())
	if err != nil {
		s.logger.Warn("[recordAnswered] failed to record call history", zap.String("error", err.Error()))
	}
}

func (s *Session) publishPresence(ctx context.Context, action string) {
	if s.deps.Presence == nil {
		return
	}

	err := s.deps.Presence.PublishCallAction(ctx, s.id, action)
	if err != nil {
		s.logger.Warn("[publishPresence] failed to publish call presence",
			zap.String("action", action),
			zap.String("error", err.Error()),
		)
	}
}
