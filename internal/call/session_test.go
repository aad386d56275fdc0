package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hiapp/hicall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	store         *signaling.Memory
	clock         *clock.Mock
	callerFactory *fakeFactory
	calleeFactory *fakeFactory
	callerEvents  *eventLog
	calleeEvents  *eventLog
}

func newPair() *pair {
	return &pair{
		store:         signaling.NewMemory(),
		clock:         clock.NewMock(),
		callerFactory: &fakeFactory{role: "caller"},
		calleeFactory: &fakeFactory{role: "callee"},
		callerEvents:  &eventLog{},
		calleeEvents:  &eventLog{},
	}
}

func (p *pair) deps(factory *fakeFactory, events *eventLog) Dependencies {
	return Dependencies{
		Channel:     p.store,
		Transports:  factory,
		Clock:       p.clock,
		RingTimeout: 30 * time.Second,
		Notifier:    events.notify,
	}
}

// ring starts a call from alice to bob and returns both sessions ringing.
func (p *pair) ring(t *testing.T) (*Session, *Session) {
	t.Helper()

	ctx := context.Background()

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))
	require.NoError(t, caller.Initiate(ctx))
	require.Equal(t, StateRinging, caller.State())

	callee := NewCalleeSession("bob", readRecord(t, p.store, caller.ID()), p.deps(p.calleeFactory, p.calleeEvents))
	require.NoError(t, callee.Ring(ctx))

	return caller, callee
}

func TestSessionHappyPath(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	caller, callee := p.ring(t)

	record := readRecord(t, p.store, caller.ID())
	require.NotNil(t, record.Offer)
	assert.Equal(t, "offer", record.Offer.Type)
	assert.Nil(t, record.Answer)
	assert.Equal(t, StatusRinging, record.Status)
	assert.Equal(t, []string{"alice", "bob"}, record.Participants)

	require.NoError(t, callee.Accept(ctx))
	assert.Equal(t, StateAccepted, callee.State())

	waitState(t, caller, StateAccepted)

	require.Eventually(t, func() bool {
		return readRecord(t, p.store, caller.ID()).Status == StatusAccepted
	}, time.Second, 5*time.Millisecond)

	record = readRecord(t, p.store, caller.ID())
	require.NotNil(t, record.Answer)
	assert.Equal(t, "answer", record.Answer.Type)
	require.NotNil(t, record.AnsweredAt)

	callerTransport := p.callerFactory.last()
	calleeTransport := p.calleeFactory.last()
	assert.Equal(t, 1, callerTransport.remoteSets)

	offer := calleeTransport.remoteDescription()
	require.NotNil(t, offer)
	assert.Equal(t, *record.Offer, *offer)

	mid := "0"
	index := uint16(0)
	callerTransport.emitLocal(Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &index})
	calleeTransport.emitLocal(Candidate{Candidate: "candidate:2 1 udp 1 10.0.0.2 5002 typ host", SDPMid: &mid, SDPMLineIndex: &index})

	require.Eventually(t, func() bool {
		return len(calleeTransport.appliedCandidates()) == 1 && len(callerTransport.appliedCandidates()) == 1
	}, time.Second, 5*time.Millisecond)

	callerTransport.emitState(TransportConnected)
	require.Eventually(t, p.callerEvents.connected, time.Second, 5*time.Millisecond)

	require.NoError(t, caller.Hangup(ctx))
	waitDone(t, caller)
	waitState(t, callee, StateEnded)
	waitDone(t, callee)

	record = readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusEnded, record.Status)
	assert.Equal(t, ReasonHangup, record.EndReason)
	require.NotNil(t, record.EndedAt)

	assert.Equal(t, 1, callerTransport.closes())
	assert.Equal(t, 1, calleeTransport.closes())
	assert.Equal(t, ReasonHangup, callee.Reason())

	require.Eventually(t, func() bool { return p.store.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	waitEvents(t, p.callerEvents, StateRinging, StateAccepted, StateEnded)
}

func TestSessionRingingTimeoutMarksMissed(t *testing.T) {
	p := newPair()

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))
	require.NoError(t, caller.Initiate(context.Background()))

	p.clock.Add(29 * time.Second)
	assert.Equal(t, StateRinging, caller.State())

	p.clock.Add(time.Second)

	waitState(t, caller, StateMissed)
	waitDone(t, caller)

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusMissed, record.Status)
	assert.Equal(t, ReasonTimeout, record.EndReason)
	require.NotNil(t, record.EndedAt)
	assert.Nil(t, record.Answer)

	assert.Equal(t, 1, p.callerFactory.last().closes())
	assert.Equal(t, 0, p.store.Subscribers())
}

func TestSessionAcceptCancelsWatchdog(t *testing.T) {
	p := newPair()

	caller, callee := p.ring(t)
	require.NoError(t, callee.Accept(context.Background()))
	waitState(t, caller, StateAccepted)

	p.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateAccepted, caller.State())
	assert.Equal(t, StateAccepted, callee.State())
}

func TestSessionWatchdogDoesNotEndAnsweredCall(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	callerDeps := p.deps(p.callerFactory, p.callerEvents)
	callerDeps.RingTimeout = time.Minute

	caller := NewCallerSession("alice", "bob", callerDeps)
	require.NoError(t, caller.Initiate(ctx))

	gate := newGatedChannel(p.store)
	calleeDeps := p.deps(p.calleeFactory, p.calleeEvents)
	calleeDeps.Channel = gate

	callee := NewCalleeSession("bob", readRecord(t, p.store, caller.ID()), calleeDeps)
	require.NoError(t, callee.Ring(ctx))

	accepted := make(chan error, 1)
	go func() { accepted <- callee.Accept(ctx) }()

	<-gate.held

	// The callee's ring timer fires while its answer write is in flight.
	p.clock.Add(30 * time.Second)
	close(gate.release)

	require.NoError(t, <-accepted)
	waitState(t, caller, StateAccepted)

	assert.Never(t, func() bool {
		return callee.State() != StateAccepted
	}, 100*time.Millisecond, 5*time.Millisecond)

	record := readRecord(t, p.store, caller.ID())
	assert.NotEqual(t, ReasonTimeout, record.EndReason)
	assert.Nil(t, record.EndedAt)
	assert.Equal(t, 0, p.calleeFactory.last().closes())
}

func TestSessionAnswerRacingTimeoutEndsCall(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))
	require.NoError(t, caller.Initiate(ctx))

	gate := newGatedChannel(p.store)
	calleeDeps := p.deps(p.calleeFactory, p.calleeEvents)
	calleeDeps.Channel = gate

	callee := NewCalleeSession("bob", readRecord(t, p.store, caller.ID()), calleeDeps)
	require.NoError(t, callee.Ring(ctx))

	accepted := make(chan error, 1)
	go func() { accepted <- callee.Accept(ctx) }()

	<-gate.held

	// The caller gives up and writes missed before the answer lands.
	p.clock.Add(30 * time.Second)
	waitState(t, caller, StateMissed)
	require.Eventually(t, func() bool {
		return readRecord(t, p.store, caller.ID()).Status == StatusMissed
	}, time.Second, 5*time.Millisecond)

	close(gate.release)

	require.ErrorIs(t, <-accepted, ErrSessionEnded)
	waitState(t, callee, StateMissed)
	waitDone(t, callee)

	require.Eventually(t, func() bool {
		return readRecord(t, p.store, caller.ID()).Status == StatusMissed
	}, time.Second, 5*time.Millisecond)

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, ReasonTimeout, record.EndReason)
	assert.Equal(t, 1, p.calleeFactory.last().closes())
	assert.Equal(t, ReasonTimeout, callee.Reason())

	waitEvents(t, p.calleeEvents, StateRinging, StateMissed)
}

func TestSessionAnswerOnEndedRecordIsNotWritten(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	caller, callee := p.ring(t)

	calleeTransport, err := p.calleeFactory.NewTransport(ctx, callee.ID())
	require.NoError(t, err)
	require.True(t, callee.adoptTransport(calleeTransport))

	// The terminal write lands before the callee commits its answer.
	require.NoError(t, p.store.Write(ctx, RecordKey(caller.ID()), map[string]any{
		"status":    StatusMissed,
		"endReason": ReasonHangup,
		"endedAt":   p.clock.Now(),
	}))

	err = callee.commitAnswer(ctx, SessionDescription{Type: "answer", SDP: "v=0 callee"})
	require.ErrorIs(t, err, ErrSessionEnded)

	waitDone(t, callee)
	assert.True(t, callee.State().Terminal())

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusMissed, record.Status)
	assert.Nil(t, record.Answer)
}

func TestSessionDecline(t *testing.T) {
	p := newPair()

	caller, callee := p.ring(t)

	require.NoError(t, callee.Decline(context.Background()))
	assert.Equal(t, StateEnded, callee.State())
	assert.Equal(t, ReasonDeclined, callee.Reason())

	waitState(t, caller, StateEnded)
	waitDone(t, caller)

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusEnded, record.Status)
	assert.Equal(t, ReasonDeclined, record.EndReason)
	assert.Nil(t, record.Answer)

	waitEvents(t, p.callerEvents, StateRinging, StateDeclined, StateEnded)
	waitEvents(t, p.calleeEvents, StateRinging, StateDeclined, StateEnded)
	assert.Nil(t, p.calleeFactory.last())
}

func TestSessionCallerHangupWhileRinging(t *testing.T) {
	p := newPair()

	caller, callee := p.ring(t)

	require.NoError(t, caller.Hangup(context.Background()))
	assert.Equal(t, StateMissed, caller.State())

	waitState(t, callee, StateMissed)

	err := callee.Accept(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusMissed, record.Status)
	assert.Nil(t, record.Answer)
}

func TestSessionConcurrentTerminateReleasesOnce(t *testing.T) {
	p := newPair()

	caller, callee := p.ring(t)
	require.NoError(t, callee.Accept(context.Background()))
	waitState(t, caller, StateAccepted)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, caller.Terminate(context.Background(), ReasonHangup))
		}()
	}

	wg.Wait()
	waitDone(t, caller)

	assert.Equal(t, 1, p.callerFactory.last().closes())
	assert.Equal(t, StateEnded, caller.State())

	waitEvents(t, p.callerEvents, StateRinging, StateAccepted, StateEnded)

	terminal := 0
	for _, state := range p.callerEvents.states() {
		if state.Terminal() {
			terminal++
		}
	}

	assert.Equal(t, 1, terminal)
}

func TestSessionHangupAndTimeoutRace(t *testing.T) {
	p := newPair()

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))
	require.NoError(t, caller.Initiate(context.Background()))

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = caller.Hangup(context.Background())
	}()

	p.clock.Add(30 * time.Second)
	<-done

	waitDone(t, caller)
	assert.Equal(t, StateMissed, caller.State())
	assert.Equal(t, 1, p.callerFactory.last().closes())
	assert.Equal(t, StatusMissed, readRecord(t, p.store, caller.ID()).Status)
}

func TestSessionPermissionDenied(t *testing.T) {
	p := newPair()
	p.callerFactory.err = ErrPermissionDenied

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))

	err := caller.Initiate(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)

	assert.Equal(t, StateEnded, caller.State())
	assert.Equal(t, ReasonPermissionDenied, caller.Reason())
	waitDone(t, caller)

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusEnded, record.Status)
	assert.Equal(t, ReasonPermissionDenied, record.EndReason)

	p.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateEnded, caller.State())
}

func TestSessionHangupDuringOfferCreation(t *testing.T) {
	p := newPair()
	p.callerFactory.offerGate = make(chan struct{})

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))

	result := make(chan error, 1)

	go func() {
		result <- caller.Initiate(context.Background())
	}()

	require.Eventually(t, func() bool { return p.callerFactory.last() != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, caller.Hangup(context.Background()))

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(time.Second):
		t.Fatal("Initiate did not return after hangup")
	}

	assert.Equal(t, 1, p.callerFactory.last().closes())

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusMissed, record.Status)
	assert.Nil(t, record.Offer)

	_, err := p.store.Read(context.Background(), InboxKey("bob"))
	require.ErrorIs(t, err, signaling.ErrNotFound)
}

func TestSessionIgnoresRepeatedAnswerSnapshots(t *testing.T) {
	p := newPair()

	caller := NewCallerSession("alice", "bob", p.deps(p.callerFactory, p.callerEvents))
	require.NoError(t, caller.Initiate(context.Background()))

	record := readRecord(t, p.store, caller.ID())
	record.Answer = &SessionDescription{Type: "answer", SDP: "v=0 remote"}
	record.Status = StatusAnswered

	for range 5 {
		caller.applyRecord(context.Background(), record)
	}

	assert.Equal(t, StateAccepted, caller.State())
	assert.Equal(t, 1, p.callerFactory.last().remoteSets)
}

func TestSessionAcceptRequiresOffer(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	record := newRecord("call-without-offer", "alice", "bob", p.clock.Now())
	require.NoError(t, p.store.Write(ctx, RecordKey(record.ID), record.fields()))

	callee := NewCalleeSession("bob", record, p.deps(p.calleeFactory, p.calleeEvents))
	require.NoError(t, callee.Ring(ctx))

	err := callee.Accept(ctx)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateRinging, callee.State())
	assert.Nil(t, p.calleeFactory.last())
}

func TestSessionAcceptRejectsSecondAnswer(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	_, callee := p.ring(t)

	require.NoError(t, p.store.Write(ctx, RecordKey(callee.ID()), map[string]any{
		"answer": SessionDescription{Type: "answer", SDP: "v=0 elsewhere"},
	}))

	err := callee.Accept(ctx)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, "v=0 elsewhere", readRecord(t, p.store, callee.ID()).Answer.SDP)
}

func TestSessionTransportFailureEndsCall(t *testing.T) {
	p := newPair()

	caller, callee := p.ring(t)
	require.NoError(t, callee.Accept(context.Background()))
	waitState(t, caller, StateAccepted)

	p.calleeFactory.last().emitState(TransportFailed)

	waitState(t, callee, StateEnded)
	assert.Equal(t, ReasonPeerUnreachable, callee.Reason())

	waitState(t, caller, StateEnded)
	assert.Equal(t, ReasonPeerUnreachable, caller.Reason())
}

func TestSessionStaleTerminalSnapshotIsReasserted(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	caller, callee := p.ring(t)
	require.NoError(t, callee.Accept(ctx))
	waitState(t, caller, StateAccepted)

	require.Eventually(t, func() bool {
		return readRecord(t, p.store, caller.ID()).Status == StatusAccepted
	}, time.Second, 5*time.Millisecond)

	// A terminal snapshot older than the callee's own answered write.
	stale := readRecord(t, p.store, caller.ID())
	stale.Status = StatusMissed
	stale.EndReason = ReasonHangup

	callee.applyRecord(ctx, stale)

	assert.Equal(t, StateEnded, callee.State())
	waitDone(t, callee)
	waitDone(t, caller)

	record := readRecord(t, p.store, caller.ID())
	assert.Equal(t, StatusMissed, record.Status)
}

func TestSessionEndedAtUnderLiveStatusEndsCall(t *testing.T) {
	p := newPair()
	ctx := context.Background()

	caller, callee := p.ring(t)
	require.NoError(t, callee.Accept(ctx))
	waitState(t, caller, StateAccepted)

	// Only the terminal write's endedAt survived; status was overwritten.
	require.NoError(t, p.store.Write(ctx, RecordKey(caller.ID()), map[string]any{
		"endReason": ReasonHangup,
		"endedAt":   p.clock.Now(),
	}))

	waitDone(t, caller)
	waitDone(t, callee)

	require.Eventually(t, func() bool {
		return readRecord(t, p.store, caller.ID()).Status == StatusEnded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonHangup, caller.Reason())
}

func TestSessionMute(t *testing.T) {
	p := newPair()

	caller, callee := p.ring(t)
	require.NoError(t, callee.Accept(context.Background()))

	callee.SetMuted(true)
	assert.True(t, p.calleeFactory.last().muted)

	_ = caller
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateIdle.CanTransition(StateRinging))
	assert.True(t, StateRinging.CanTransition(StateMissed))
	assert.True(t, StateDeclined.CanTransition(StateEnded))
	assert.False(t, StateEnded.CanTransition(StateRinging))
	assert.False(t, StateMissed.CanTransition(StateEnded))
	assert.False(t, StateAccepted.CanTransition(StateMissed))
	assert.False(t, StateIdle.CanTransition(StateAccepted))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusRinging.CanTransition(StatusAnswered))
	assert.True(t, StatusAnswered.CanTransition(StatusAccepted))
	assert.True(t, StatusMissed.CanTransition(StatusMissed))
	assert.False(t, StatusMissed.CanTransition(StatusRinging))
	assert.False(t, StatusEnded.CanTransition(StatusAccepted))
	assert.False(t, StatusAccepted.CanTransition(StatusMissed))
}
