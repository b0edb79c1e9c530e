//go:build linux && cgo

package rtc

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// localMedia is a held capture: camera/mic or screen, VP8+Opus encoded.
type localMedia struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// acquireUserMedia opens microphone (plus camera for video calls) via V4L2
// and malgo. GetUserMedia fails as a unit if either track can't open, so a
// video call degrades through video-only and audio-only before giving up.
func acquireUserMedia(mediaType string) (*localMedia, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if mediaType == MediaVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG camera nodes can emit malformed frames that poison the
				// VP8 encoder; raw formats only. 640x480 cap keeps encoding
				// latency down.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(stream.GetTracks()))
		return &localMedia{stream: stream, selector: selector}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no capture attempt succeeded")
	}
	return nil, lastErr
}

// acquireScreenMedia opens a screen-capture source. onEnded fires when the
// user revokes sharing out-of-band.
func acquireScreenMedia(onEnded func()) (*localMedia, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("screen track ended: %v", err)
			}
			onEnded()
		})
	}
	log.Infof("screen capture started, %d tracks", len(stream.GetTracks()))
	return &localMedia{stream: stream, selector: selector}, nil
}

// attach adds the captured tracks to a peer connection.
func (lm *localMedia) attach(pc *webrtc.PeerConnection) error {
	for _, track := range lm.stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local track ended: %v", err)
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// close releases the capture device handles.
func (lm *localMedia) close() {
	for _, track := range lm.stream.GetTracks() {
		track.Close()
	}
}

// newPeerConnection builds a pion connection. With capture held, the media
// engine carries the capture's encoders; without, the default codec set.
func newPeerConnection(media *localMedia, iceServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if media != nil {
		media.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: the 5 s default drops calls on brief NAT/relay
	// hiccups that would otherwise recover.
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
