package call

import (
	"errors"

	"github.com/hiapp/hicall/internal/signaling"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrProtocolViolation = errors.New("signaling protocol violation")
	ErrTimeout           = errors.New("call not answered in time")
	ErrBusy              = errors.New("another call is active")
	ErrSessionEnded      = errors.New("call session already ended")
	ErrInvalidState      = errors.New("operation not allowed in current call state")

	ErrChannelUnavailable = signaling.ErrChannelUnavailable
)

// reasonFor maps a failure to the end reason stored in the call record.
func reasonFor(err error) EndReason {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrPeerUnreachable):
		return ReasonPeerUnreachable
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrChannelUnavailable):
		return ReasonChannelFailure
	default:
		return ReasonHangup
	}
}
