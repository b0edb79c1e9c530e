package transport

import (
	"sync"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

// MemoryHub is an in-process fan-out point with the same delivery semantics
// as the websocket hub: every frame reaches every attached link, the sender
// included, with From stamped by the hub. It lets two full sessions talk to
// each other inside one test process.
type MemoryHub struct {
	mu    sync.Mutex
	links map[*MemoryLink]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{links: map[*MemoryLink]struct{}{}}
}

// Attach registers a new link and announces it online to everyone.
func (h *MemoryHub) Attach(id proto.Identity, name string) *MemoryLink {
	l := &MemoryLink{hub: h, id: id, name: name}
	h.mu.Lock()
	h.links[l] = struct{}{}
	h.mu.Unlock()

	h.broadcast(proto.Frame{
		Kind:     proto.FramePresence,
		From:     id.UserID,
		Presence: &proto.Presence{Identity: id, Name: name, Online: true},
	})
	return l
}

// Broadcast injects a frame as the hub itself, mirroring Hub.Broadcast.
func (h *MemoryHub) Broadcast(f proto.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	h.broadcast(f)
	return nil
}

func (h *MemoryHub) broadcast(f proto.Frame) {
	h.mu.Lock()
	links := make([]*MemoryLink, 0, len(h.links))
	for l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()
	for _, l := range links {
		l.deliver(f)
	}
}

func (h *MemoryHub) detach(l *MemoryLink) {
	h.mu.Lock()
	if _, ok := h.links[l]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.links, l)
	h.mu.Unlock()

	h.broadcast(proto.Frame{
		Kind:     proto.FramePresence,
		From:     l.id.UserID,
		Presence: &proto.Presence{Identity: l.id, Name: l.name, Online: false},
	})
}

// MemoryLink is one attachment to a MemoryHub. Implements Link.
type MemoryLink struct {
	hub  *MemoryHub
	id   proto.Identity
	name string

	mu        sync.Mutex
	closed    bool
	listeners []chan proto.Frame
}

func (l *MemoryLink) Identity() proto.Identity {
	return l.id
}

func (l *MemoryLink) Send(f proto.Frame) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	f.From = l.id.UserID
	if err := f.Validate(); err != nil {
		return err
	}
	l.hub.broadcast(f)
	return nil
}

func (l *MemoryLink) Subscribe() (<-chan proto.Frame, func()) {
	ch := make(chan proto.Frame, 64)
	l.mu.Lock()
	l.listeners = append(l.listeners, ch)
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, c := range l.listeners {
			if c == ch {
				l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (l *MemoryLink) deliver(f proto.Frame) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	listeners := append([]chan proto.Frame{}, l.listeners...)
	l.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- f:
		default:
		}
	}
}

func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	listeners := l.listeners
	l.listeners = nil
	l.mu.Unlock()

	l.hub.detach(l)
	for _, ch := range listeners {
		close(ch)
	}
	return nil
}
