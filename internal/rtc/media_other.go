//go:build !linux || !cgo

package rtc

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux). Off Linux the session is receive-only: acquisition fails
// with a media-access error, peer connections still negotiate with recvonly
// transceivers.

type localMedia struct{}

func acquireUserMedia(string) (*localMedia, error) {
	return nil, errors.New("no capture drivers on this platform")
}

func acquireScreenMedia(func()) (*localMedia, error) {
	return nil, errors.New("no screen capture on this platform")
}

func (lm *localMedia) attach(*webrtc.PeerConnection) error { return nil }

func (lm *localMedia) close() {}

func newPeerConnection(_ *localMedia, iceServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	cfg := webrtc.Configuration{}
	for _, u := range iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return api.NewPeerConnection(cfg)
}
