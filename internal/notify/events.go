package notify

import (
	"fmt"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

// Typed senders for the event families the chat and call layers emit. Each
// builds the envelope exactly once so targeting and payload stay consistent
// across call sites.

// ChatMessage announces a new chat message to its receiver, or to the whole
// group when receiverID is empty.
func (rt *Router) ChatMessage(receiverID string, ev proto.MessageEvent) error {
	env := proto.Envelope{
		Type:    proto.NotifMessage,
		Message: ev.Content,
		Details: proto.Details{Chat: &ev},
	}
	if receiverID != "" {
		env.Details.TargetUserID = receiverID
	}
	return rt.Send(env)
}

// Typing flips the typing indicator for a chat. Broadcast; receivers that are
// not in the chat ignore it.
func (rt *Router) Typing(ev proto.TypingEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifTyping,
		Details: proto.Details{Typing: &ev},
	})
}

// MessageRead tells the sender their message was read.
func (rt *Router) MessageRead(senderID string, ev proto.ReadEvent) error {
	return rt.Send(proto.Envelope{
		Type: proto.NotifRead,
		Details: proto.Details{
			TargetUserID: senderID,
			Read:         &ev,
		},
	})
}

// CallInitiated rings the receiver.
func (rt *Router) CallInitiated(ev proto.CallEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifCall,
		Message: fmt.Sprintf("Incoming %s call from %s", ev.CallType, ev.CallerName),
		Details: proto.Details{
			TargetUserID: ev.ReceiverID,
			Priority:     proto.PriorityUrgent,
			Call:         &ev,
		},
	})
}

// CallAnswered tells the caller the receiver picked up.
func (rt *Router) CallAnswered(callerID string, ev proto.CallEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifCallAnswer,
		Details: proto.Details{TargetUserID: callerID, Call: &ev},
	})
}

// CallRejected tells the caller the receiver declined. Reason is carried in
// the event ("busy" when a second call collided with an active one).
func (rt *Router) CallRejected(callerID string, ev proto.CallEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifCallReject,
		Details: proto.Details{TargetUserID: callerID, Call: &ev},
	})
}

// CallEnded tells the remote party the call is over.
func (rt *Router) CallEnded(remoteID string, ev proto.CallEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifCallEnd,
		Details: proto.Details{TargetUserID: remoteID, Call: &ev},
	})
}

// ExternalMessage relays an inbound third-party live-chat message to the
// staff handling external conversations. Broadcast; the chat store dedupes.
func (rt *Router) ExternalMessage(ev proto.ExternalEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifExternal,
		Message: ev.Content,
		Details: proto.Details{External: &ev},
	})
}

// TokenCalled announces a queue token at a counter, branch-wide.
func (rt *Router) TokenCalled(branch string, ev proto.ClinicalEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifTokenCalled,
		Message: fmt.Sprintf("Token %d to %s", ev.TokenNumber, ev.CounterName),
		Details: proto.Details{TargetBranch: branch, Clinical: &ev},
	})
}

// EmergencyPatient alerts every doctor in the branch.
func (rt *Router) EmergencyPatient(ev proto.ClinicalEvent) error {
	return rt.Send(proto.Envelope{
		Type:    proto.NotifEmergencyPatient,
		Message: fmt.Sprintf("Emergency patient: %s", ev.PatientName),
		Details: proto.Details{
			TargetRole: "doctor",
			Priority:   proto.PriorityEmergency,
			Clinical:   &ev,
		},
	})
}

// Clinical sends any workflow notification to a role.
func (rt *Router) Clinical(role string, typ proto.NotificationType, message string, ev proto.ClinicalEvent) error {
	return rt.Send(proto.Envelope{
		Type:    typ,
		Message: message,
		Details: proto.Details{TargetRole: role, Clinical: &ev},
	})
}
