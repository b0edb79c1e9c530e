// Package proto defines the wire model shared by the transport, the
// notification router and the signaling layer: client identity, the
// notification envelope with its closed set of event payloads, and the
// peer-connection signaling messages. It is deliberately dependency-free so
// every other package can import it.
package proto

import (
	"fmt"
	"time"
)

// Identity is the per-client identity supplied once at session start.
// Immutable for the session's lifetime.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Branch string `json:"branch"`
}

// NotificationType enumerates every notification the system emits. The set is
// closed: the envelope codec rejects unknown types on decode.
type NotificationType string

const (
	// Clinical workflow notifications.
	NotifPatientRegistered NotificationType = "PATIENT_REGISTERED"
	NotifVitalsReady       NotificationType = "VITALS_READY"
	NotifVitalsTaken       NotificationType = "VITALS_TAKEN"
	NotifDoctorAssigned    NotificationType = "DOCTOR_ASSIGNED"
	NotifLabOrdered        NotificationType = "LAB_ORDERED"
	NotifLabResultsReady   NotificationType = "LAB_RESULTS_READY"
	NotifPrescriptionReady NotificationType = "PRESCRIPTION_READY"
	NotifPatientCompleted  NotificationType = "PATIENT_COMPLETED"
	NotifEmergencyPatient  NotificationType = "EMERGENCY_PATIENT"
	NotifTokenCalled       NotificationType = "TOKEN_CALLED"

	// Chat layer events.
	NotifMessage  NotificationType = "message"
	NotifTyping   NotificationType = "typing"
	NotifRead     NotificationType = "CHAT_READ"
	NotifExternal NotificationType = "EXTERNAL_MESSAGE"

	// Call lifecycle events.
	NotifCall       NotificationType = "call"
	NotifCallAnswer NotificationType = "call-answer"
	NotifCallReject NotificationType = "call-reject"
	NotifCallEnd    NotificationType = "call-end"
)

// knownTypes is the closed notification set.
var knownTypes = map[NotificationType]struct{}{
	NotifPatientRegistered: {}, NotifVitalsReady: {}, NotifVitalsTaken: {},
	NotifDoctorAssigned: {}, NotifLabOrdered: {}, NotifLabResultsReady: {},
	NotifPrescriptionReady: {}, NotifPatientCompleted: {}, NotifEmergencyPatient: {},
	NotifTokenCalled: {}, NotifMessage: {}, NotifTyping: {}, NotifRead: {},
	NotifExternal: {}, NotifCall: {}, NotifCallAnswer: {}, NotifCallReject: {},
	NotifCallEnd: {},
}

// Known reports whether t belongs to the closed notification set.
func (t NotificationType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Priority of a notification.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// Envelope is a routed notification. Exactly one of the Details target fields
// may be set; an envelope with no target is a broadcast.
type Envelope struct {
	Type    NotificationType `json:"type"`
	Message string           `json:"message"`
	Details Details          `json:"details"`
}

// Details carries addressing, priority and the typed event payload. At most
// one payload pointer is non-nil, matching the envelope Type.
type Details struct {
	TargetUserID string    `json:"targetUserId,omitempty"`
	TargetRole   string    `json:"targetRole,omitempty"`
	TargetBranch string    `json:"targetBranch,omitempty"`
	Priority     Priority  `json:"priority,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	Chat     *MessageEvent  `json:"chat,omitempty"`
	Typing   *TypingEvent   `json:"typing,omitempty"`
	Read     *ReadEvent     `json:"read,omitempty"`
	Call     *CallEvent     `json:"call,omitempty"`
	External *ExternalEvent `json:"external,omitempty"`
	Clinical *ClinicalEvent `json:"clinical,omitempty"`
}

// MessageEvent mirrors a chat message across the wire.
type MessageEvent struct {
	ChatID      string            `json:"chatId"`
	MessageID   string            `json:"messageId"`
	SenderID    string            `json:"senderId"`
	SenderName  string            `json:"senderName"`
	ReceiverID  string            `json:"receiverId,omitempty"`
	Content     string            `json:"content"`
	MessageType string            `json:"messageType"`
	Timestamp   time.Time         `json:"timestamp"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Mentions    []string          `json:"mentions,omitempty"`
	Attachments []AttachmentEvent `json:"attachments,omitempty"`
}

// AttachmentEvent is the wire form of a message attachment.
type AttachmentEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"type"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// TypingEvent flips a participant's typing flag.
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// ReadEvent marks a message read by a user.
type ReadEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// CallEvent carries the call lifecycle. For NotifCall it announces a new
// ringing call; for answer/reject/end only CallID (and Reason) matter.
type CallEvent struct {
	CallID     string `json:"callId"`
	ChatID     string `json:"chatId,omitempty"`
	CallerID   string `json:"callerId,omitempty"`
	CallerName string `json:"callerName,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	CallType   string `json:"callType,omitempty"` // "audio" | "video"
	Reason     string `json:"reason,omitempty"`   // "busy", "timeout", ...
}

// ExternalEvent is an inbound third-party live-chat message.
type ExternalEvent struct {
	ID             string    `json:"id"`
	ExternalChatID string    `json:"externalChatId"`
	ExternalUserID string    `json:"externalUserId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// ClinicalEvent is the free-form payload of the workflow notifications.
type ClinicalEvent struct {
	PatientID   string `json:"patientId,omitempty"`
	PatientName string `json:"patientName,omitempty"`
	TokenNumber int    `json:"tokenNumber,omitempty"`
	QueueID     string `json:"queueId,omitempty"`
	DoctorID    string `json:"doctorId,omitempty"`
	DoctorName  string `json:"doctorName,omitempty"`
	CounterName string `json:"counterName,omitempty"`
}

// Validate checks the envelope against the closed type set and the
// at-most-one-target rule.
func (e *Envelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("unknown notification type %q", e.Type)
	}
	targets := 0
	if e.Details.TargetUserID != "" {
		targets++
	}
	if e.Details.TargetRole != "" {
		targets++
	}
	if e.Details.TargetBranch != "" {
		targets++
	}
	if targets > 1 {
		return fmt.Errorf("envelope %q has %d targets, want at most one", e.Type, targets)
	}
	return nil
}

// Matches reports whether the envelope is addressed to the given identity.
// Filtering happens client-side: the hub delivers every envelope to every
// connected client and non-matching clients discard it here.
func (e *Envelope) Matches(id Identity) bool {
	switch d := e.Details; {
	case d.TargetUserID != "":
		return d.TargetUserID == id.UserID
	case d.TargetRole != "":
		return d.TargetRole == id.Role
	case d.TargetBranch != "":
		return d.TargetBranch == id.Branch
	}
	return true // broadcast
}
