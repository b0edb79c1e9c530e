// Package roster tracks which users are currently online. It is fed by
// transport presence frames and consulted by the chat store when it builds
// participant lists.
package roster

import (
	"sync"
	"time"
)

// Entry is the last known presence state of a user.
type Entry struct {
	UserID   string
	Name     string
	Role     string
	Branch   string
	Online   bool
	LastSeen time.Time
}

// Event notifies listeners of a presence change.
type Event struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Roster is a concurrency-safe presence table.
type Roster struct {
	mu        sync.Mutex
	users     map[string]Entry
	listeners []chan Event
}

func New() *Roster {
	return &Roster{users: map[string]Entry{}}
}

// Upsert records a presence change and notifies listeners.
func (r *Roster) Upsert(userID, name, role, branch string, online bool) {
	r.mu.Lock()
	e := Entry{
		UserID:   userID,
		Name:     name,
		Role:     role,
		Branch:   branch,
		Online:   online,
		LastSeen: time.Now(),
	}
	if prev, ok := r.users[userID]; ok && name == "" {
		e.Name = prev.Name
	}
	r.users[userID] = e
	listeners := make([]chan Event, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	evt := Event{UserID: userID, Online: online}
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// IsOnline reports whether the user is currently connected.
func (r *Roster) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID].Online
}

// Get returns the entry for userID, if known.
func (r *Roster) Get(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	return e, ok
}

// Online returns a snapshot of all currently-online entries.
func (r *Roster) Online() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.users))
	for _, e := range r.users {
		if e.Online {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel of presence events and a cancel func.
func (r *Roster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l == ch {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}
