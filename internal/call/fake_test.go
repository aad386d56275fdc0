package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hiapp/hicall/internal/signaling"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	mu         sync.Mutex
	role       string
	remote     *SessionDescription
	remoteSets int
	applied    []Candidate
	onLocal    func(Candidate)
	pending    []Candidate
	onState    func(ConnectionState)
	closeCount int
	muted      bool
	offerGate  chan struct{}
	closed     chan struct{}
}

func newFakeTransport(role string) *fakeTransport {
	return &fakeTransport{role: role, closed: make(chan struct{})}
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if f.offerGate != nil {
		select {
		case <-f.offerGate:
		case <-f.closed:
			return SessionDescription{}, errTransportClosed
		}
	}

	return SessionDescription{Type: "offer", SDP: "v=0 " + f.role}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if !f.HasRemoteDescription() {
		return SessionDescription{}, errors.New("answer before offer")
	}

	return SessionDescription{Type: "answer", SDP: "v=0 " + f.role}, nil
}

func (f *fakeTransport) SetRemoteDescription(ctx context.Context, desc SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remote != nil {
		return errors.New("remote description already set")
	}

	f.remote = &desc
	f.remoteSets++

	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.remote != nil
}

func (f *fakeTransport) AddRemoteCandidate(candidate Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remote == nil {
		return errors.New("candidate before remote description")
	}

	f.applied = append(f.applied, candidate)

	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(Candidate)) {
	f.mu.Lock()
	f.onLocal = fn
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, candidate := range pending {
		fn(candidate)
	}
}

func (f *fakeTransport) OnConnectionState(fn func(ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onState = fn
}

func (f *fakeTransport) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.muted = muted
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCount++
	if f.closeCount == 1 {
		close(f.closed)
	}

	return nil
}

func (f *fakeTransport) emitLocal(candidate Candidate) {
	f.mu.Lock()
	fn := f.onLocal
	if fn == nil {
		f.pending = append(f.pending, candidate)
	}
	f.mu.Unlock()

	if fn != nil {
		fn(candidate)
	}
}

func (f *fakeTransport) emitState(state ConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()

	if fn != nil {
		go fn(state)
	}
}

func (f *fakeTransport) appliedCandidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Candidate(nil), f.applied...)
}

func (f *fakeTransport) remoteDescription() *SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.remote
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closeCount
}

type fakeFactory struct {
	mu         sync.Mutex
	role       string
	err        error
	offerGate  chan struct{}
	transports []*fakeTransport
}

func (f *fakeFactory) NewTransport(ctx context.Context, callID string) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	transport := newFakeTransport(f.role)
	transport.offerGate = f.offerGate
	f.transports = append(f.transports, transport)

	return transport, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.transports) == 0 {
		return nil
	}

	return f.transports[len(f.transports)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) notify(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()

	states := make([]State, 0, len(l.events))
	for _, event := range l.events {
		if !event.Connected {
			states = append(states, event.State)
		}
	}

	return states
}

func (l *eventLog) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range l.events {
		if event.Connected {
			return true
		}
	}

	return false
}

type harness struct {
	store   *signaling.Memory
	clock   *clock.Mock
	factory *fakeFactory
	events  *eventLog
}

func newHarness(role string) *harness {
	return &harness{
		store:   signaling.NewMemory(),
		clock:   clock.NewMock(),
		factory: &fakeFactory{role: role},
		events:  &eventLog{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Channel:     h.store,
		Transports:  h.factory,
		Clock:       h.clock,
		RingTimeout: 30 * time.Second,
		Notifier:    h.events.notify,
	}
}

func readRecord(t *testing.T, store signaling.Channel, callID string) *Record {
	t.Helper()

	doc, err := store.Read(context.Background(), RecordKey(callID))
	require.NoError(t, err)

	record, err := DecodeRecord(doc)
	require.NoError(t, err)

	return record
}

func waitState(t *testing.T, session *Session, state State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return session.State() == state
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s (now %s)", state, session.State())
}

func waitDone(t *testing.T, session *Session) {
	t.Helper()

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s not released", session.ID())
	}
}

func waitEvents(t *testing.T, log *eventLog, expected ...State) {
	t.Helper()

	require.Eventually(t, func() bool {
		states := log.states()
		if len(states) != len(expected) {
			return false
		}

		for i := range states {
			if states[i] != expected[i] {
				return false
			}
		}

		return true
	}, 2*time.Second, 5*time.Millisecond, "events %v, want %v", log.states(), expected)
}

// gatedChannel holds writes that carry an answer until release is closed.
type gatedChannel struct {
	signaling.Channel
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedChannel(inner signaling.Channel) *gatedChannel {
	return &gatedChannel{
		Channel: inner,
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedChannel) Write(ctx context.Context, key signaling.Key, fields map[string]any) error {
	if _, ok := fields["answer"]; ok {
		g.once.Do(func() { close(g.held) })
		<-g.release
	}

	return g.Channel.Write(ctx, key, fields)
}
