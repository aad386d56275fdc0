package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var ErrTransportClosed = errors.New("transport closed")

// PeerTransport is a pion PeerConnection carrying one audio track.
type PeerTransport struct {
	callID string
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
	logger *zap.Logger

	mu      sync.Mutex
	onLocal func(call.Candidate)
	pending []call.Candidate
	onState func(call.ConnectionState)
	closed  bool

	stopAudio func()
	closeOnce sync.Once
	closeErr  error
}

func NewPeerTransport(
	ctx context.Context,
	api *webrtc.API,
	iceServers []webrtc.ICEServer,
	audio AudioSource,
	callID string,
) (*PeerTransport, error) {
	track, stopAudio, err := audio.Acquire(ctx, callID)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		stopAudio()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		stopAudio()
		_ = pc.Close()

		return nil, fmt.Errorf("add audio track: %w", err)
	}

	transport := &PeerTransport{
		callID:    callID,
		pc:        pc,
		sender:    sender,
		track:     track,
		stopAudio: stopAudio,
		logger:    logging.Logger.With(zap.String("call_id", callID)),
	}

	go transport.drainRTCP()

	pc.OnICECandidate(transport.handleLocalCandidate)
	pc.OnConnectionStateChange(transport.handleConnectionState)
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		transport.logger.Info("[OnTrack] receiving remote audio",
			zap.String("codec", remote.Codec().MimeType),
		)

		go drainTrack(remote)
	})

	return transport, nil
}

// drainRTCP keeps interceptors running; sender reports are otherwise unused.
func (t *PeerTransport) drainRTCP() {
	buf := make([]byte, 1500)

	for {
		if _, _, err := t.sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack consumes remote audio. Playback is left to the embedding
// application.
func drainTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)

	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

func (t *PeerTransport) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, t.wrap("create offer", err)
	}

	err = t.pc.SetLocalDescription(offer)
	if err != nil {
		return call.SessionDescription{}, t.wrap("set local offer", err)
	}

	return call.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *PeerTransport) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, t.wrap("create answer", err)
	}

	err = t.pc.SetLocalDescription(answer)
	if err != nil {
		return call.SessionDescription{}, t.wrap("set local answer", err)
	}

	return call.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *PeerTransport) SetRemoteDescription(ctx context.Context, desc call.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("%w: sdp type %q", call.ErrProtocolViolation, desc.Type)
	}

	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
	if err != nil {
		return t.wrap("set remote description", err)
	}

	return nil
}

func (t *PeerTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *PeerTransport) AddRemoteCandidate(candidate call.Candidate) error {
	err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
	if err != nil {
		return t.wrap("add remote candidate", err)
	}

	return nil
}

func (t *PeerTransport) OnLocalCandidate(fn func(call.Candidate)) {
	t.mu.Lock()
	t.onLocal = fn
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, candidate := range pending {
		fn(candidate)
	}
}

func (t *PeerTransport) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if candidate == nil {
		return
	}

	init := candidate.ToJSON()
	local := call.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	fn := t.onLocal
	if fn == nil {
		t.pending = append(t.pending, local)
	}
	t.mu.Unlock()

	if fn != nil {
		fn(local)
	}
}

func (t *PeerTransport) OnConnectionState(fn func(call.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onState = fn
}

func (t *PeerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debug("[handleConnectionState] peer connection state changed", zap.String("state", state.String()))

	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()

	if fn != nil {
		fn(connectionState(state))
	}
}

func connectionState(state webrtc.PeerConnectionState) call.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return call.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return call.TransportClosed
	default:
		return call.TransportNew
	}
}

// SetMuted detaches the local track from the sender; the connection stays
// up and unmuting re-attaches the same track.
func (t *PeerTransport) SetMuted(muted bool) {
	var track webrtc.TrackLocal
	if !muted {
		track = t.track
	}

	err := t.sender.ReplaceTrack(track)
	if err != nil {
		t.logger.Warn("[SetMuted] failed to switch audio track",
			zap.Bool("muted", muted),
			zap.String("error", err.Error()),
		)
	}
}

func (t *PeerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.onLocal = nil
		t.onState = nil
		t.mu.Unlock()

		t.stopAudio()
		t.closeErr = t.pc.Close()
	})

	return t.closeErr
}

func (t *PeerTransport) wrap(op string, err error) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return fmt.Errorf("%s: %w", op, ErrTransportClosed)
	}

	return fmt.Errorf("%s: %w", op, err)
}
