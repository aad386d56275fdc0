package call

import "context"

type ConnectionState int

const (
	TransportNew ConnectionState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s ConnectionState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the media connection of one call. A session owns its
// transport exclusively and closes it exactly once.
//
// Local candidates gathered before OnLocalCandidate is registered are
// buffered and flushed on registration.
type Transport interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	HasRemoteDescription() bool
	AddRemoteCandidate(candidate Candidate) error
	OnLocalCandidate(fn func(Candidate))
	OnConnectionState(fn func(ConnectionState))
	SetMuted(muted bool)
	Close() error
}

// TransportFactory allocates a transport, acquiring the microphone. It
// returns ErrPermissionDenied when capture is refused.
type TransportFactory interface {
	NewTransport(ctx context.Context, callID string) (Transport, error)
}
