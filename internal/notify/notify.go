// Package notify routes notification envelopes over a transport link. Outbound,
// it stamps and validates envelopes; inbound, it applies the client-side
// addressing filter and fans matching envelopes out to subscribers. Frames that
// originated locally come back from the hub too and are dropped here, since the
// local state was already updated when they were sent.
package notify

import (
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/roster"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/transport"
)

var log = logging.Logger("notify")

// Router dispatches envelopes between the link and local subscribers.
type Router struct {
	link transport.Link
	self proto.Identity

	mu        sync.Mutex
	listeners []chan proto.Envelope
	roster    *roster.Roster

	cancel func()
	wg     sync.WaitGroup
}

// New builds a router over the link. If r is non-nil, presence frames keep it
// current.
func New(link transport.Link, r *roster.Roster) *Router {
	rt := &Router{
		link:   link,
		self:   link.Identity(),
		roster: r,
	}
	ch, cancel := link.Subscribe()
	rt.cancel = cancel
	rt.wg.Add(1)
	go rt.dispatch(ch)
	return rt
}

func (rt *Router) dispatch(ch <-chan proto.Frame) {
	defer rt.wg.Done()
	for f := range ch {
		switch f.Kind {
		case proto.FramePresence:
			if rt.roster != nil && f.Presence != nil {
				p := f.Presence
				rt.roster.Upsert(p.Identity.UserID, p.Name, p.Identity.Role, p.Identity.Branch, p.Online)
			}
		case proto.FrameNotification:
			if f.Notification == nil {
				continue
			}
			if f.From == rt.self.UserID {
				continue // our own frame, echoed back by the hub
			}
			if !f.Notification.Matches(rt.self) {
				continue
			}
			rt.deliver(*f.Notification)
		}
	}
}

func (rt *Router) deliver(env proto.Envelope) {
	rt.mu.Lock()
	listeners := append([]chan proto.Envelope{}, rt.listeners...)
	rt.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- env:
		default:
			log.Warnf("subscriber not draining, dropped %q notification", env.Type)
		}
	}
}

// Subscribe returns a channel of inbound envelopes addressed to this client
// and a cancel func.
func (rt *Router) Subscribe() (<-chan proto.Envelope, func()) {
	ch := make(chan proto.Envelope, 32)
	rt.mu.Lock()
	rt.listeners = append(rt.listeners, ch)
	rt.mu.Unlock()

	cancel := func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		for i, l := range rt.listeners {
			if l == ch {
				rt.listeners = append(rt.listeners[:i], rt.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Send validates, stamps and sends one envelope.
func (rt *Router) Send(env proto.Envelope) error {
	if env.Details.Timestamp.IsZero() {
		env.Details.Timestamp = time.Now()
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return rt.link.Send(proto.Frame{
		Kind:         proto.FrameNotification,
		Notification: &env,
	})
}

// NotifyUser sends a notification addressed to a single user.
func (rt *Router) NotifyUser(userID string, typ proto.NotificationType, message string, details proto.Details) error {
	details.TargetUserID = userID
	details.TargetRole = ""
	details.TargetBranch = ""
	return rt.Send(proto.Envelope{Type: typ, Message: message, Details: details})
}

// NotifyRole sends a notification addressed to everyone holding a role.
func (rt *Router) NotifyRole(role string, typ proto.NotificationType, message string, details proto.Details) error {
	details.TargetUserID = ""
	details.TargetRole = role
	details.TargetBranch = ""
	return rt.Send(proto.Envelope{Type: typ, Message: message, Details: details})
}

// NotifyBranch sends a notification addressed to everyone in a branch.
func (rt *Router) NotifyBranch(branch string, typ proto.NotificationType, message string, details proto.Details) error {
	details.TargetUserID = ""
	details.TargetRole = ""
	details.TargetBranch = branch
	return rt.Send(proto.Envelope{Type: typ, Message: message, Details: details})
}

// Close stops the dispatch loop and closes subscriber channels.
func (rt *Router) Close() {
	rt.cancel()
	rt.wg.Wait()
	rt.mu.Lock()
	for _, ch := range rt.listeners {
		close(ch)
	}
	rt.listeners = nil
	rt.mu.Unlock()
}
