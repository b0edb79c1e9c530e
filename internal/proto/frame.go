package proto

import "fmt"

// FrameKind discriminates transport frames.
type FrameKind string

const (
	FrameHello        FrameKind = "hello"
	FrameNotification FrameKind = "notification"
	FrameSignal       FrameKind = "signal"
	FramePresence     FrameKind = "presence"
)

// Frame is the unit the transport moves between hub and clients. From is
// stamped by the hub with the identity of the originating connection, so a
// client cannot forge another user's frames.
type Frame struct {
	Kind FrameKind `json:"kind"`
	From string    `json:"from,omitempty"`

	Hello        *Hello    `json:"hello,omitempty"`
	Notification *Envelope `json:"notification,omitempty"`
	Signal       *Signal   `json:"signal,omitempty"`
	Presence     *Presence `json:"presence,omitempty"`
}

// Hello is the first frame a client sends after connecting.
type Hello struct {
	Identity Identity `json:"identity"`
	Name     string   `json:"name,omitempty"`
}

// Presence announces a client going online or offline. Emitted by the hub,
// never by clients.
type Presence struct {
	Identity Identity `json:"identity"`
	Name     string   `json:"name,omitempty"`
	Online   bool     `json:"online"`
}

// Validate checks the kind/payload pairing of a frame.
func (f *Frame) Validate() error {
	switch f.Kind {
	case FrameHello:
		if f.Hello == nil {
			return fmt.Errorf("hello frame without payload")
		}
		if f.Hello.Identity.UserID == "" {
			return fmt.Errorf("hello frame without user id")
		}
	case FrameNotification:
		if f.Notification == nil {
			return fmt.Errorf("notification frame without payload")
		}
		return f.Notification.Validate()
	case FrameSignal:
		if f.Signal == nil {
			return fmt.Errorf("signal frame without payload")
		}
		return f.Signal.Validate()
	case FramePresence:
		if f.Presence == nil {
			return fmt.Errorf("presence frame without payload")
		}
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return nil
}
