package webrtcpeer

import (
	"context"
	"sync"
	"time"

	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame carrying 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioSource hands out the local microphone track of a call. stop releases
// the capture and is safe to call more than once.
type AudioSource interface {
	Acquire(ctx context.Context, callID string) (track webrtc.TrackLocal, stop func(), err error)
}

// SilenceSource produces an Opus track of silence. Real capture devices are
// platform specific; this source stands in for them on headless hosts and
// honours the microphone permission switch.
type SilenceSource struct {
	Enabled bool
}

func NewSilenceSource(enabled bool) *SilenceSource {
	return &SilenceSource{Enabled: enabled}
}

func (s *SilenceSource) Acquire(ctx context.Context, callID string) (webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if !s.Enabled {
		return nil, nil, call.ErrPermissionDenied
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"hicall-"+callID,
	)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})

	var once sync.Once

	stop := func() {
		once.Do(func() { close(done) })
	}

	go pumpSilence(track, done, callID)

	return track, stop, nil
}

func pumpSilence(track *webrtc.TrackLocalStaticSample, done <-chan struct{}, callID string) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
			if err != nil {
				logging.Logger.Debug("[pumpSilence] audio sample dropped",
					zap.String("call_id", callID),
					zap.String("error", err.Error()),
				)
			}
		}
	}
}
