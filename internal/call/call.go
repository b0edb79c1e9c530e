// Package call models the voice/video call lifecycle: one active call per
// client at a time, ringing through ongoing to a terminal state, driving the
// peer connection layer and announcing transitions over the notification
// router.
package call

import (
	"errors"
	"time"
)

// Sentinel errors for call operations.
var (
	ErrNotFound      = errors.New("call: not found")
	ErrStateConflict = errors.New("call: invalid state for operation")
)

// Status of a call. Ongoing is reachable only from ringing; the other three
// are terminal.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusOngoing  Status = "ongoing"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusRejected Status = "rejected"
)

// Call types.
const (
	TypeAudio = "audio"
	TypeVideo = "video"
)

// Reasons carried on reject/end events.
const (
	ReasonBusy    = "busy"
	ReasonTimeout = "timeout"
	ReasonMedia   = "media_failed"
)

// Call is one voice/video session between exactly two parties.
type Call struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chatId"`
	CallerID   string     `json:"callerId"`
	CallerName string     `json:"callerName,omitempty"`
	ReceiverID string     `json:"receiverId"`
	Type       string     `json:"type"` // audio | video
	Status     Status     `json:"status"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	// Duration in whole seconds, set when the call ends:
	// floor((endTime - startTime) / 1s).
	Duration int    `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusMissed || s == StatusRejected
}
