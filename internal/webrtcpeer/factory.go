package webrtcpeer

import (
	"context"

	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/config"
	"github.com/pion/webrtc/v4"
)

// Factory allocates one PeerTransport per call.
type Factory struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Audio      AudioSource
}

// NewFactory builds a factory from the ICE and microphone configuration.
func NewFactory(options ...SettingOption) (*Factory, error) {
	api, err := NewAPI(options...)
	if err != nil {
		return nil, err
	}

	servers, err := ICEServersFromConfig()
	if err != nil {
		return nil, err
	}

	return &Factory{
		API:        api,
		ICEServers: servers,
		Audio:      NewSilenceSource(config.Conf.MicrophoneEnabled),
	}, nil
}

func (f *Factory) NewTransport(ctx context.Context, callID string) (call.Transport, error) {
	return NewPeerTransport(ctx, f.API, f.ICEServers, f.Audio, callID)
}
