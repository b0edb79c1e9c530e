package chat

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ExternalMessage is an inbound third-party live-chat message as delivered by
// the bridge.
type ExternalMessage struct {
	ID             string    `json:"id"`
	ExternalChatID string    `json:"externalChatId"`
	ExternalUserID string    `json:"externalUserId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bridge relays between the store and a third-party live-chat endpoint. Both
// operations can fail on remote unavailability; failures are recoverable and
// never invalidate local chat state.
type Bridge interface {
	// SendReply pushes a staff reply to the external conversation and returns
	// the remote message id.
	SendReply(ctx context.Context, externalChatID, externalUserID, content, userID, userName string) (string, error)

	// FetchHistory returns the external conversation's prior messages.
	FetchHistory(ctx context.Context, externalChatID string) ([]ExternalMessage, error)
}

func externalKey(source, externalUserID string) string {
	return source + "_" + externalUserID
}

// markSeenLocked records an external message id in the bounded dedup set.
func (s *Store) markSeenLocked(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	if evicted, ok := s.seenRing.PushEvict(id); ok {
		delete(s.seen, evicted)
	}
	s.seen[id] = struct{}{}
}

// HandleExternal is the single ingestion point for third-party content. It is
// idempotent on the external message id, so at-least-once delivery from the
// bridge never duplicates messages. The owning external chat is located or
// created by (source, externalUserId); a fresh chat gets its history seeded
// from the bridge in the background.
func (s *Store) HandleExternal(em ExternalMessage) (*Message, error) {
	if em.ID == "" || em.Source == "" || em.ExternalUserID == "" {
		return nil, fmt.Errorf("external message missing id/source/user: %w", ErrStateConflict)
	}

	s.mu.Lock()
	if _, dup := s.seen[em.ID]; dup {
		s.mu.Unlock()
		log.Debugf("external message %s already ingested", em.ID)
		return nil, nil
	}
	s.markSeenLocked(em.ID)

	key := externalKey(em.Source, em.ExternalUserID)
	chatID, ok := s.external[key]
	var c *Chat
	created := false
	if ok {
		c = s.chats[chatID]
	}
	if c == nil {
		c = s.newExternalChatLocked(em)
		created = true
	}

	ts := em.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.seq++
	m := &Message{
		ID:         em.ID,
		ChatID:     c.ID,
		SenderID:   key,
		SenderName: em.SenderName,
		Content:    em.Content,
		Type:       MsgExternal,
		Timestamp:  ts,
		Seq:        s.seq,
		External: &ExternalRef{
			Source:         em.Source,
			ExternalUserID: em.ExternalUserID,
			ExternalChatID: em.ExternalChatID,
		},
	}
	s.appendLocked(m)
	if s.activeChat == c.ID {
		m.Read = true
	} else {
		c.UnreadCount++
	}
	s.persistLocked()
	s.emitLocked(Event{Kind: "external", ChatID: c.ID, MessageID: m.ID})
	s.mu.Unlock()

	if created && s.bridge != nil && em.ExternalChatID != "" {
		go s.seedHistory(c.ID, em.ExternalChatID)
	}
	return m, nil
}

// newExternalChatLocked creates the external-type chat mirroring a bridge
// conversation. The one non-local participant's id encodes source and
// external user.
func (s *Store) newExternalChatLocked(em ExternalMessage) *Chat {
	now := time.Now()
	name := em.SenderName
	if name == "" {
		name = "Visitor"
	}
	c := &Chat{
		ID:   "ext-" + externalKey(em.Source, em.ExternalUserID),
		Type: TypeExternal,
		Name: name,
		Participants: []Participant{
			{UserID: s.self.UserID, Name: s.selfName, Role: s.self.Role, Online: true},
			{UserID: externalKey(em.Source, em.ExternalUserID), Name: name, Online: true},
		},
		CreatedAt: now,
		UpdatedAt: now,
		External: &ExternalRef{
			Source:         em.Source,
			ExternalUserID: em.ExternalUserID,
			ExternalChatID: em.ExternalChatID,
		},
	}
	s.chats[c.ID] = c
	s.external[externalKey(em.Source, em.ExternalUserID)] = c.ID
	log.Infof("external chat created for %s/%s", em.Source, em.ExternalUserID)
	return c
}

// seedHistory backfills a freshly-created external chat with the bridge-side
// conversation history. Ingestion is idempotent, so overlap with already
// delivered messages is harmless.
func (s *Store) seedHistory(chatID, externalChatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	history, err := s.bridge.FetchHistory(ctx, externalChatID)
	if err != nil {
		log.Warnf("fetch history for %s: %v", externalChatID, err)
		return
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	for _, em := range history {
		if _, err := s.HandleExternal(em); err != nil {
			log.Warnf("seed history message %s: %v", em.ID, err)
		}
	}
	log.Infof("seeded %d history messages into chat %s", len(history), chatID)
}

// forwardToBridge relays a locally-sent message to the external endpoint. A
// failure is surfaced as a warning; the local message stays sent.
func (s *Store) forwardToBridge(ref *ExternalRef, m *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	remoteID, err := s.bridge.SendReply(ctx, ref.ExternalChatID, ref.ExternalUserID, m.Content, m.SenderID, m.SenderName)
	if err != nil {
		log.Warnf("bridge reply for message %s failed (local copy kept): %v", m.ID, err)
		return
	}
	log.Debugf("bridge accepted message %s as %s", m.ID, remoteID)
}
