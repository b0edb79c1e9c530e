package proto

import "fmt"

// SignalKind is the closed set of signaling message types used during peer
// connection negotiation.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalHangup       SignalKind = "hangup"
)

// Hangup reasons.
const (
	HangupUserEnded   = "user_ended"
	HangupScreenEnded = "screen_ended"
)

// Signal is an addressed signaling envelope: {type, sender, receiver,
// payload}. Exactly one payload field is set, matching Kind. The SDP and ICE
// shapes deliberately avoid importing Pion types so the wire model stays
// engine-agnostic; internal/rtc converts at the boundary.
type Signal struct {
	Kind     SignalKind `json:"type"`
	Sender   string     `json:"sender"`
	Receiver string     `json:"receiver"`

	SDP       *SessionDescription `json:"sdp,omitempty"`       // offer, answer
	Candidate *ICECandidate       `json:"candidate,omitempty"` // ice-candidate
	Hangup    *HangupInfo         `json:"hangup,omitempty"`    // hangup
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// HangupInfo explains a connection teardown.
type HangupInfo struct {
	Reason string `json:"reason"`
}

// Validate checks the kind/payload pairing.
func (s *Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == nil {
			return fmt.Errorf("signal %q without sdp payload", s.Kind)
		}
	case SignalICECandidate:
		if s.Candidate == nil {
			return fmt.Errorf("signal %q without candidate payload", s.Kind)
		}
	case SignalHangup:
		if s.Hangup == nil {
			return fmt.Errorf("signal %q without hangup payload", s.Kind)
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if s.Sender == "" || s.Receiver == "" {
		return fmt.Errorf("signal %q missing sender or receiver", s.Kind)
	}
	return nil
}
