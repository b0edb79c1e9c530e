// Package rtc owns the peer connections: at most one per remote party, keyed
// by peer id, each carrying media tracks and a data channel. Signaling flows
// through the transport link as offer/answer/ICE/hangup envelopes.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/transport"
)

var log = logging.Logger("rtc")

// ErrMediaAccess means the local capture device is unavailable or access was
// denied. Fatal to the current call, never to the process.
var ErrMediaAccess = errors.New("rtc: media access denied or unavailable")

// Media types a peer connection can carry.
const (
	MediaAudio  = "audio"
	MediaVideo  = "video"
	MediaScreen = "screen"
	MediaNone   = "none"
)

// pliInterval is how often a PLI is requested on inbound video so the stream
// recovers after packet loss.
const pliInterval = 3 * time.Second

// Callbacks surface peer connection events. All optional; invoked from pion
// goroutines, so they must not block.
type Callbacks struct {
	OnConnectionState func(peerID string, state webrtc.PeerConnectionState)
	OnRemoteTrack     func(peerID string, track *webrtc.TrackRemote)
	OnRemoteRTP       func(peerID string, track *webrtc.TrackRemote, pkt *rtp.Packet)
	OnDataMessage     func(peerID string, data []byte)
	OnRemoteHangup    func(peerID, reason string)
}

// peer is one connection to a remote party.
type peer struct {
	id        string
	pc        *webrtc.PeerConnection
	mediaType string

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	dcOpen     bool
	haveRemote bool
	pendingICE []webrtc.ICECandidateInit
}

// Manager owns all peer connections of one session.
type Manager struct {
	link       transport.Link
	self       string
	iceServers []string
	cb         Callbacks

	mu     sync.Mutex
	peers  map[string]*peer
	media  *localMedia
	closed bool

	cancel func()
	wg     sync.WaitGroup
}

// New builds the manager and starts consuming signaling frames from the link.
func New(link transport.Link, iceServers []string, cb Callbacks) *Manager {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	m := &Manager{
		link:       link,
		self:       link.Identity().UserID,
		iceServers: iceServers,
		cb:         cb,
		peers:      map[string]*peer{},
	}
	ch, cancel := link.Subscribe()
	m.cancel = cancel
	m.wg.Add(1)
	go m.dispatch(ch)
	return m
}

// dispatch feeds inbound signaling into the negotiation handlers. Failures
// here are logged and dropped, never propagated into the transport loop.
func (m *Manager) dispatch(ch <-chan proto.Frame) {
	defer m.wg.Done()
	for f := range ch {
		if f.Kind != proto.FrameSignal || f.Signal == nil {
			continue
		}
		sig := f.Signal
		if sig.Receiver != m.self || f.From == m.self {
			continue
		}
		var err error
		switch sig.Kind {
		case proto.SignalOffer:
			err = m.handleOffer(sig.Sender, *sig.SDP)
		case proto.SignalAnswer:
			err = m.handleAnswer(sig.Sender, *sig.SDP)
		case proto.SignalICECandidate:
			err = m.handleICECandidate(sig.Sender, *sig.Candidate)
		case proto.SignalHangup:
			m.handleRemoteHangup(sig.Sender, sig.Hangup.Reason)
		}
		if err != nil {
			log.Warnf("signal %s from %s dropped: %v", sig.Kind, sig.Sender, err)
		}
	}
}

// GetLocalStream acquires microphone (plus camera for video) access. Any
// previously held capture is released first: the devices are exclusive.
func (m *Manager) GetLocalStream(mediaType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseMediaLocked()
	media, err := acquireUserMedia(mediaType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	m.media = media
	return nil
}

// GetScreenStream swaps the current capture for a screen source. When the
// user revokes sharing out-of-band, every peer gets a hangup with reason
// screen_ended.
func (m *Manager) GetScreenStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseMediaLocked()
	media, err := acquireScreenMedia(func() {
		log.Infof("screen capture ended by user")
		m.CloseAll(proto.HangupScreenEnded)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	m.media = media
	return nil
}

// StopAllMediaStreams releases every local capture device handle. Must run on
// call teardown so the camera and microphone locks are freed.
func (m *Manager) StopAllMediaStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseMediaLocked()
}

func (m *Manager) releaseMediaLocked() {
	if m.media != nil {
		m.media.close()
		m.media = nil
	}
}

// CreatePeerConnection creates the connection for peerID, or returns nil if
// one already exists (idempotent). Local tracks are attached when capture is
// held; otherwise the connection is receive-only.
func (m *Manager) CreatePeerConnection(peerID, mediaType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("create peer connection: manager closed")
	}
	if _, ok := m.peers[peerID]; ok {
		return nil
	}
	p, err := m.newPeerLocked(peerID, mediaType)
	if err != nil {
		return err
	}
	m.peers[peerID] = p
	log.Infof("peer connection created for %s (%s)", peerID, mediaType)
	return nil
}

// newPeerLocked builds the pion connection and registers all handlers.
func (m *Manager) newPeerLocked(peerID, mediaType string) (*peer, error) {
	pc, err := newPeerConnection(m.media, m.iceServers)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &peer{id: peerID, pc: pc, mediaType: mediaType}

	if m.media != nil {
		if err := m.media.attach(pc); err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach local tracks: %w", err)
		}
	} else {
		addRecvOnlyTransceivers(pc)
	}

	dc, err := pc.CreateDataChannel("chat", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	m.wireDataChannel(p, dc)
	pc.OnDataChannel(func(remote *webrtc.DataChannel) {
		m.wireDataChannel(p, remote)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := m.sendSignal(proto.Signal{
			Kind:     proto.SignalICECandidate,
			Sender:   m.self,
			Receiver: peerID,
			Candidate: &proto.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
		if err != nil {
			log.Warnf("send ICE candidate to %s: %v", peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infof("peer %s connection state: %s", peerID, state)
		if m.cb.OnConnectionState != nil {
			m.cb.OnConnectionState(peerID, state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("remote track from %s: %s", peerID, track.Kind())
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go m.pliLoop(pc, track)
		}
		if m.cb.OnRemoteTrack != nil {
			m.cb.OnRemoteTrack(peerID, track)
		}
		go m.pumpRTP(peerID, track)
	})

	return p, nil
}

// pliLoop periodically requests a keyframe for an inbound video track.
func (m *Manager) pliLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// pumpRTP drains an inbound track, handing packets to the consumer if one is
// registered. Draining is required either way or the interceptors stall.
func (m *Manager) pumpRTP(peerID string, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if m.cb.OnRemoteRTP != nil {
			m.cb.OnRemoteRTP(peerID, track, pkt)
		}
	}
}

func (m *Manager) wireDataChannel(p *peer, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.mu.Lock()
		p.dc = dc
		p.dcOpen = true
		p.mu.Unlock()
		log.Infof("data channel open with %s", p.id)
	})
	dc.OnClose(func() {
		p.mu.Lock()
		if p.dc == dc {
			p.dcOpen = false
		}
		p.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.cb.OnDataMessage != nil {
			m.cb.OnDataMessage(p.id, msg.Data)
		}
	})
}

// CreateOffer starts negotiation with peerID. Only the call-initiating side
// calls this; the receiving side answers from handleOffer.
func (m *Manager) CreateOffer(peerID string) error {
	p, ok := m.getPeer(peerID)
	if !ok {
		return fmt.Errorf("create offer: no peer connection for %s", peerID)
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", peerID, err)
	}
	return m.sendSignal(proto.Signal{
		Kind:     proto.SignalOffer,
		Sender:   m.self,
		Receiver: peerID,
		SDP:      &proto.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	})
}

// handleOffer applies a remote offer and always emits an answer. The peer
// connection is created on demand so the receiving side needs no prior setup.
func (m *Manager) handleOffer(peerID string, sdp proto.SessionDescription) error {
	if err := m.CreatePeerConnection(peerID, MediaNone); err != nil {
		return err
	}
	p, _ := m.getPeer(peerID)
	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", peerID, err)
	}
	m.flushPendingICE(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", peerID, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", peerID, err)
	}
	return m.sendSignal(proto.Signal{
		Kind:     proto.SignalAnswer,
		Sender:   m.self,
		Receiver: peerID,
		SDP:      &proto.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	})
}

func (m *Manager) handleAnswer(peerID string, sdp proto.SessionDescription) error {
	p, ok := m.getPeer(peerID)
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", peerID)
	}
	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", peerID, err)
	}
	m.flushPendingICE(p)
	return nil
}

// handleICECandidate applies a trickled candidate. Candidates racing ahead of
// the remote description are buffered; candidates for unknown peers are the
// caller's signal to drop (logged upstream).
func (m *Manager) handleICECandidate(peerID string, cand proto.ICECandidate) error {
	p, ok := m.getPeer(peerID)
	if !ok {
		return fmt.Errorf("ICE candidate from unknown peer %s", peerID)
	}
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	p.mu.Lock()
	if !p.haveRemote {
		p.pendingICE = append(p.pendingICE, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate from %s: %w", peerID, err)
	}
	return nil
}

func (m *Manager) flushPendingICE(p *peer) {
	p.mu.Lock()
	p.haveRemote = true
	pending := p.pendingICE
	p.pendingICE = nil
	p.mu.Unlock()
	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			log.Warnf("flush ICE candidate for %s: %v", p.id, err)
		}
	}
}

func (m *Manager) handleRemoteHangup(peerID, reason string) {
	log.Infof("hangup from %s: %s", peerID, reason)
	m.teardown(peerID, "", false)
	if m.cb.OnRemoteHangup != nil {
		m.cb.OnRemoteHangup(peerID, reason)
	}
}

// SendDataChannelMessage reports false when no open channel exists for the
// peer. That is an expected, recoverable condition, not an error.
func (m *Manager) SendDataChannelMessage(peerID string, data []byte) bool {
	p, ok := m.getPeer(peerID)
	if !ok {
		return false
	}
	p.mu.Lock()
	dc, open := p.dc, p.dcOpen
	p.mu.Unlock()
	if !open || dc == nil {
		return false
	}
	if err := dc.Send(data); err != nil {
		log.Warnf("data channel send to %s: %v", peerID, err)
		return false
	}
	return true
}

// ClosePeerConnection tears down one connection and tells the remote party,
// with reason user_ended by default.
func (m *Manager) ClosePeerConnection(peerID, reason string) {
	if reason == "" {
		reason = proto.HangupUserEnded
	}
	m.teardown(peerID, reason, true)
}

// CloseAll tears down every connection with the given hangup reason.
func (m *Manager) CloseAll(reason string) {
	if reason == "" {
		reason = proto.HangupUserEnded
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.teardown(id, reason, true)
	}
}

// teardown closes the local connection and optionally signals the remote
// party. Tolerates close racing an in-flight negotiation.
func (m *Manager) teardown(peerID, reason string, signal bool) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if signal {
		err := m.sendSignal(proto.Signal{
			Kind:     proto.SignalHangup,
			Sender:   m.self,
			Receiver: peerID,
			Hangup:   &proto.HangupInfo{Reason: reason},
		})
		if err != nil {
			log.Warnf("send hangup to %s: %v", peerID, err)
		}
	}
	if err := p.pc.Close(); err != nil {
		log.Warnf("close peer connection %s: %v", peerID, err)
	}
}

// HasPeer reports whether a connection exists for peerID.
func (m *Manager) HasPeer(peerID string) bool {
	_, ok := m.getPeer(peerID)
	return ok
}

func (m *Manager) getPeer(peerID string) (*peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	return p, ok
}

func (m *Manager) sendSignal(sig proto.Signal) error {
	return m.link.Send(proto.Frame{Kind: proto.FrameSignal, Signal: &sig})
}

// Close stops signal dispatch, closes all connections and releases media.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.CloseAll(proto.HangupUserEnded)
	m.StopAllMediaStreams()
}

// addRecvOnlyTransceivers gives the SDP valid audio/video m-lines when no
// local capture is attached.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			log.Warnf("add recvonly transceiver (%s): %v", kind, err)
		}
	}
}
