package webrtcpeer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// SettingOption adjusts the SettingEngine before the API is built, e.g. to
// run over a virtual network in tests.
type SettingOption func(*webrtc.SettingEngine)

// NewAPI builds a pion API with the default codecs (Opus included) and the
// default RTCP interceptors.
func NewAPI(options ...SettingOption) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	for _, option := range options {
		option(&settingEngine)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
