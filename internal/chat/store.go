package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/notify"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/perm"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/roster"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/storage"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/util"
)

var log = logging.Logger("chat")

// seenCapacity bounds the external-message dedup set.
const seenCapacity = 4096

// Options wires a Store to its collaborators. Router is required; the rest
// are optional (nil disables persistence, bridging, presence).
type Options struct {
	Self     proto.Identity
	SelfName string
	Router   *notify.Router
	Perms    perm.Oracle
	DB       *storage.DB
	Bridge   Bridge
	Roster   *roster.Roster
}

// Store is the local chat/message state. All mutations run under one mutex,
// whether they come from local user actions or inbound transport events, so
// no two mutations of the same chat overlap.
type Store struct {
	self     proto.Identity
	selfName string
	router   *notify.Router
	perms    perm.Oracle
	db       *storage.DB
	bridge   Bridge
	roster   *roster.Roster

	mu         sync.Mutex
	chats      map[string]*Chat
	messages   map[string][]*Message // per chat, insertion order
	byID       map[string]*Message
	external   map[string]string // "source_externalUserId" -> chatID
	activeChat string
	seq        uint64

	seenRing *util.RingBuffer[string]
	seen     map[string]struct{}

	listeners []chan Event
	cancels   []func()
	wg        sync.WaitGroup
}

// New builds the store, restores persisted state and starts consuming inbound
// envelopes from the router.
func New(opts Options) (*Store, error) {
	if opts.Perms == nil {
		opts.Perms = perm.AllowAll{}
	}
	s := &Store{
		self:     opts.Self,
		selfName: opts.SelfName,
		router:   opts.Router,
		perms:    opts.Perms,
		db:       opts.DB,
		bridge:   opts.Bridge,
		roster:   opts.Roster,
		chats:    map[string]*Chat{},
		messages: map[string][]*Message{},
		byID:     map[string]*Message{},
		external: map[string]string{},
		seenRing: util.NewRingBuffer[string](seenCapacity),
		seen:     map[string]struct{}{},
	}
	if err := s.restore(); err != nil {
		return nil, err
	}

	if s.router != nil {
		ch, cancel := s.router.Subscribe()
		s.cancels = append(s.cancels, cancel)
		s.wg.Add(1)
		go s.applyLoop(ch)
	}
	if s.roster != nil {
		ch, cancel := s.roster.Subscribe()
		s.cancels = append(s.cancels, cancel)
		s.wg.Add(1)
		go s.presenceLoop(ch)
	}
	return s, nil
}

// Close stops the event loops and persists a final snapshot.
func (s *Store) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.persistLocked()
	for _, ch := range s.listeners {
		close(ch)
	}
	s.listeners = nil
	s.mu.Unlock()
}

// Subscribe returns a channel of store events and a cancel func.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l == ch {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Store) emitLocked(e Event) {
	for _, ch := range s.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

// CreateChat allocates a new chat with the given participants. Direct chats
// need exactly one remote participant. Repeated calls create distinct chats;
// reuse lookups are the caller's job.
func (s *Store) CreateChat(participantIDs []string, name string, typ ChatType) (*Chat, error) {
	if !s.perms.HasPermission(perm.CapChatCreate) {
		return nil, fmt.Errorf("create chat: %w", perm.ErrDenied)
	}
	participants := []Participant{{
		UserID: s.self.UserID,
		Name:   s.selfName,
		Role:   s.self.Role,
		Online: true,
	}}
	remote := 0
	for _, id := range participantIDs {
		if id == s.self.UserID {
			continue
		}
		remote++
		p := Participant{UserID: id}
		if s.roster != nil {
			if e, ok := s.roster.Get(id); ok {
				p.Name = e.Name
				p.Role = e.Role
				p.Online = e.Online
			}
		}
		participants = append(participants, p)
	}
	if typ == TypeDirect && remote != 1 {
		return nil, fmt.Errorf("direct chat needs exactly one remote participant, got %d: %w", remote, ErrStateConflict)
	}

	now := time.Now()
	c := &Chat{
		ID:           uuid.NewString(),
		Type:         typ,
		Name:         name,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.chats[c.ID] = c
	s.persistLocked()
	s.emitLocked(Event{Kind: "chat", ChatID: c.ID})
	s.mu.Unlock()
	log.Infof("chat created: %s (%s)", c.ID, typ)
	return c, nil
}

// SetActiveChat marks a chat as the one currently on screen. Its unread
// counter resets and stays at zero while active. Empty chatID deactivates.
func (s *Store) SetActiveChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != "" {
		c, ok := s.chats[chatID]
		if !ok {
			return fmt.Errorf("set active chat %q: %w", chatID, ErrNotFound)
		}
		c.UnreadCount = 0
		for _, m := range s.messages[chatID] {
			m.Read = true
		}
		s.emitLocked(Event{Kind: "chat", ChatID: chatID})
	}
	s.activeChat = chatID
	s.persistLocked()
	return nil
}

// ActiveChat returns the currently active chat id, or "".
func (s *Store) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// UpdateChat renames a chat.
func (s *Store) UpdateChat(chatID, name string) error {
	return s.mutateChat(chatID, func(c *Chat) { c.Name = name })
}

// PinChat toggles the pinned flag.
func (s *Store) PinChat(chatID string) error {
	return s.mutateChat(chatID, func(c *Chat) { c.Pinned = !c.Pinned })
}

// MuteChat toggles the muted flag.
func (s *Store) MuteChat(chatID string) error {
	return s.mutateChat(chatID, func(c *Chat) { c.Muted = !c.Muted })
}

// ArchiveChat toggles the archived flag.
func (s *Store) ArchiveChat(chatID string) error {
	return s.mutateChat(chatID, func(c *Chat) { c.Archived = !c.Archived })
}

func (s *Store) mutateChat(chatID string, fn func(*Chat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %q: %w", chatID, ErrNotFound)
	}
	fn(c)
	c.UpdatedAt = time.Now()
	s.persistLocked()
	s.emitLocked(Event{Kind: "chat", ChatID: chatID})
	return nil
}

// DeleteChat removes a chat and all of its messages.
func (s *Store) DeleteChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("delete chat %q: %w", chatID, ErrNotFound)
	}
	for _, m := range s.messages[chatID] {
		delete(s.byID, m.ID)
	}
	delete(s.messages, chatID)
	delete(s.chats, chatID)
	if c.External != nil {
		delete(s.external, externalKey(c.External.Source, c.External.ExternalUserID))
	}
	if s.activeChat == chatID {
		s.activeChat = ""
	}
	s.persistLocked()
	s.emitLocked(Event{Kind: "chat", ChatID: chatID})
	return nil
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	Type        MessageType
	Attachments []Attachment
	ReplyTo     string
	Mentions    []string
}

// SendMessage appends a fresh message to the chat, refreshes the chat's
// lastMessage, announces it over the router and, for external chats, forwards
// it through the bridge. Bridge failure never rolls the local send back.
func (s *Store) SendMessage(chatID, content string, opts SendOptions) (*Message, error) {
	if !s.perms.HasPermission(perm.CapChatSend) {
		return nil, fmt.Errorf("send message: %w", perm.ErrDenied)
	}
	if opts.Type == "" {
		opts.Type = MsgText
	}

	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("send to chat %q: %w", chatID, ErrNotFound)
	}
	s.seq++
	m := &Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    s.self.UserID,
		SenderName:  s.selfName,
		Content:     content,
		Type:        opts.Type,
		Timestamp:   time.Now(),
		Seq:         s.seq,
		ReplyTo:     opts.ReplyTo,
		Attachments: opts.Attachments,
		Mentions:    opts.Mentions,
	}
	s.appendLocked(m)
	receiver := ""
	if c.Type == TypeDirect {
		if p, ok := c.RemoteParticipant(s.self.UserID); ok {
			receiver = p.UserID
		}
	}
	ext := c.External
	s.persistLocked()
	s.emitLocked(Event{Kind: "message", ChatID: chatID, MessageID: m.ID})
	s.mu.Unlock()

	if s.router != nil {
		ev := messageEvent(m)
		if err := s.router.ChatMessage(receiver, ev); err != nil {
			log.Warnf("announce message %s: %v", m.ID, err)
		}
	}
	if ext != nil && s.bridge != nil {
		go s.forwardToBridge(ext, m)
	}
	return m, nil
}

// EditMessage replaces a message's content in place. The chat's lastMessage
// pointer is refreshed so the edited copy shows up.
func (s *Store) EditMessage(messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return fmt.Errorf("edit message %q: %w", messageID, ErrNotFound)
	}
	now := time.Now()
	m.Content = content
	m.Edited = true
	m.EditedAt = &now
	s.refreshLastMessageLocked(m.ChatID)
	s.touchLocked(m.ChatID)
	s.persistLocked()
	s.emitLocked(Event{Kind: "message", ChatID: m.ChatID, MessageID: messageID})
	return nil
}

// DeleteMessage removes a message. If it was the chat's lastMessage, the
// pointer is recomputed from the surviving log (possibly to nothing).
func (s *Store) DeleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return fmt.Errorf("delete message %q: %w", messageID, ErrNotFound)
	}
	delete(s.byID, messageID)
	msgs := s.messages[m.ChatID]
	for i, mm := range msgs {
		if mm.ID == messageID {
			s.messages[m.ChatID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	s.refreshLastMessageLocked(m.ChatID)
	s.touchLocked(m.ChatID)
	s.persistLocked()
	s.emitLocked(Event{Kind: "message", ChatID: m.ChatID, MessageID: messageID})
	return nil
}

// MarkAsRead sets one message's read flag and sends a read receipt to its
// sender.
func (s *Store) MarkAsRead(messageID string) error {
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("mark read %q: %w", messageID, ErrNotFound)
	}
	m.Read = true
	sender, chatID := m.SenderID, m.ChatID
	s.emitLocked(Event{Kind: "read", ChatID: chatID, MessageID: messageID})
	s.persistLocked()
	s.mu.Unlock()

	if s.router != nil && sender != s.self.UserID {
		err := s.router.MessageRead(sender, proto.ReadEvent{
			ChatID:    chatID,
			MessageID: messageID,
			UserID:    s.self.UserID,
		})
		if err != nil {
			log.Warnf("send read receipt for %s: %v", messageID, err)
		}
	}
	return nil
}

// MarkChatAsRead zeroes the unread counter and marks every message read.
func (s *Store) MarkChatAsRead(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("mark chat read %q: %w", chatID, ErrNotFound)
	}
	c.UnreadCount = 0
	for _, m := range s.messages[chatID] {
		m.Read = true
	}
	s.persistLocked()
	s.emitLocked(Event{Kind: "chat", ChatID: chatID})
	return nil
}

// ReactToMessage toggles the local user's reaction: applying the same emoji
// twice restores the original reaction set.
func (s *Store) ReactToMessage(messageID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return fmt.Errorf("react to %q: %w", messageID, ErrNotFound)
	}
	for i, r := range m.Reactions {
		if r.UserID == s.self.UserID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			s.persistLocked()
			s.emitLocked(Event{Kind: "message", ChatID: m.ChatID, MessageID: messageID})
			return nil
		}
	}
	m.Reactions = append(m.Reactions, Reaction{
		Emoji:     emoji,
		UserID:    s.self.UserID,
		Timestamp: time.Now(),
	})
	s.persistLocked()
	s.emitLocked(Event{Kind: "message", ChatID: m.ChatID, MessageID: messageID})
	return nil
}

// ForwardMessage re-sends the original content to each target chat. One
// failing target does not abort the others; all failures come back joined.
func (s *Store) ForwardMessage(messageID string, chatIDs []string) error {
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("forward %q: %w", messageID, ErrNotFound)
	}
	content, typ, atts := m.Content, m.Type, append([]Attachment{}, m.Attachments...)
	s.mu.Unlock()

	var errs []error
	for _, chatID := range chatIDs {
		if _, err := s.SendMessage(chatID, content, SendOptions{Type: typ, Attachments: atts}); err != nil {
			log.Warnf("forward %s to %s: %v", messageID, chatID, err)
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// SetTyping announces the local user's typing state for a chat.
func (s *Store) SetTyping(chatID string, isTyping bool) error {
	if s.router == nil {
		return nil
	}
	return s.router.Typing(proto.TypingEvent{
		ChatID:   chatID,
		UserID:   s.self.UserID,
		UserName: s.selfName,
		IsTyping: isTyping,
	})
}

// SearchMessages returns messages whose content contains query,
// case-insensitively, ordered by timestamp.
func (s *Store) SearchMessages(query string) []Message {
	q := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), q) {
				out = append(out, *m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// SearchChats returns chats whose name or participant names contain query.
func (s *Store) SearchChats(query string) []Chat {
	q := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Chat
	for _, c := range s.chats {
		if strings.Contains(strings.ToLower(c.Name), q) {
			out = append(out, *c)
			continue
		}
		for _, p := range c.Participants {
			if strings.Contains(strings.ToLower(p.Name), q) {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// GetParticipantByID finds a participant across all chats.
func (s *Store) GetParticipantByID(userID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		for _, p := range c.Participants {
			if p.UserID == userID {
				return p, true
			}
		}
	}
	return Participant{}, false
}

// GetChat returns a copy of the chat.
func (s *Store) GetChat(chatID string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// Chats returns all chats, pinned first, then most recently updated.
func (s *Store) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Messages returns the chat's log in append order.
func (s *Store) Messages(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// RemoteParty resolves the other participant of a direct chat. Used by the
// call layer to address signaling.
func (s *Store) RemoteParty(chatID string) (userID, name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return "", "", fmt.Errorf("chat %q: %w", chatID, ErrNotFound)
	}
	if c.Type != TypeDirect {
		return "", "", fmt.Errorf("chat %q is %s, calls need a direct chat: %w", chatID, c.Type, ErrStateConflict)
	}
	p, ok := c.RemoteParticipant(s.self.UserID)
	if !ok {
		return "", "", fmt.Errorf("chat %q has no remote participant: %w", chatID, ErrStateConflict)
	}
	return p.UserID, p.Name, nil
}

// appendLocked adds a message to the log and refreshes derived chat state.
func (s *Store) appendLocked(m *Message) {
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	s.byID[m.ID] = m
	s.refreshLastMessageLocked(m.ChatID)
	s.touchLocked(m.ChatID)
}

// refreshLastMessageLocked is the single derivation point for the lastMessage
// pointer: highest timestamp wins, ties break by insertion order.
func (s *Store) refreshLastMessageLocked(chatID string) {
	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	var last *Message
	for _, m := range s.messages[chatID] {
		if last == nil || m.Timestamp.After(last.Timestamp) ||
			(m.Timestamp.Equal(last.Timestamp) && m.Seq > last.Seq) {
			last = m
		}
	}
	c.LastMessage = last
}

func (s *Store) touchLocked(chatID string) {
	if c, ok := s.chats[chatID]; ok {
		c.UpdatedAt = time.Now()
	}
}

// applyLoop feeds inbound envelopes into the store.
func (s *Store) applyLoop(ch <-chan proto.Envelope) {
	defer s.wg.Done()
	for env := range ch {
		s.apply(env)
	}
}

func (s *Store) apply(env proto.Envelope) {
	switch env.Type {
	case proto.NotifMessage:
		if env.Details.Chat != nil {
			s.applyRemoteMessage(*env.Details.Chat)
		}
	case proto.NotifTyping:
		if env.Details.Typing != nil {
			s.applyTyping(*env.Details.Typing)
		}
	case proto.NotifRead:
		if env.Details.Read != nil {
			s.applyReadReceipt(*env.Details.Read)
		}
	case proto.NotifExternal:
		if env.Details.External != nil {
			ev := env.Details.External
			_, err := s.HandleExternal(ExternalMessage{
				ID:             ev.ID,
				ExternalChatID: ev.ExternalChatID,
				ExternalUserID: ev.ExternalUserID,
				SenderName:     ev.SenderName,
				Content:        ev.Content,
				Source:         ev.Source,
				Timestamp:      ev.Timestamp,
			})
			if err != nil {
				log.Warnf("ingest external message %s: %v", ev.ID, err)
			}
		}
	}
}

// applyRemoteMessage reconstructs another client's send locally. Unknown chat
// ids get a chat created lazily so both sides converge on the same id.
func (s *Store) applyRemoteMessage(ev proto.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[ev.MessageID]; dup {
		return // at-least-once delivery
	}
	c, ok := s.chats[ev.ChatID]
	if !ok {
		now := time.Now()
		c = &Chat{
			ID:   ev.ChatID,
			Type: TypeDirect,
			Name: ev.SenderName,
			Participants: []Participant{
				{UserID: s.self.UserID, Name: s.selfName, Role: s.self.Role, Online: true},
				{UserID: ev.SenderID, Name: ev.SenderName, Online: true},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.chats[c.ID] = c
	}

	s.seq++
	m := &Message{
		ID:         ev.MessageID,
		ChatID:     ev.ChatID,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Content:    ev.Content,
		Type:       MessageType(ev.MessageType),
		Timestamp:  ev.Timestamp,
		Seq:        s.seq,
		ReplyTo:    ev.ReplyTo,
		Mentions:   ev.Mentions,
	}
	if m.Type == "" {
		m.Type = MsgText
	}
	for _, a := range ev.Attachments {
		m.Attachments = append(m.Attachments, Attachment{
			ID: a.ID, Name: a.Name, MimeType: a.MimeType, URL: a.URL, Size: a.Size,
		})
	}
	s.appendLocked(m)

	if s.activeChat == ev.ChatID {
		m.Read = true
	} else {
		c.UnreadCount++
	}
	s.persistLocked()
	s.emitLocked(Event{Kind: "message", ChatID: ev.ChatID, MessageID: m.ID})
}

func (s *Store) applyTyping(ev proto.TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[ev.ChatID]
	if !ok {
		return
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == ev.UserID {
			c.Participants[i].Typing = ev.IsTyping
			s.emitLocked(Event{Kind: "typing", ChatID: ev.ChatID})
			return
		}
	}
}

func (s *Store) applyReadReceipt(ev proto.ReadEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[ev.MessageID]
	if !ok {
		return // receipt for a message we never had; drop
	}
	m.Read = true
	s.persistLocked()
	s.emitLocked(Event{Kind: "read", ChatID: m.ChatID, MessageID: m.ID})
}

// presenceLoop keeps participant online flags current.
func (s *Store) presenceLoop(ch <-chan roster.Event) {
	defer s.wg.Done()
	for ev := range ch {
		s.mu.Lock()
		for _, c := range s.chats {
			for i := range c.Participants {
				if c.Participants[i].UserID == ev.UserID {
					c.Participants[i].Online = ev.Online
				}
			}
		}
		s.mu.Unlock()
	}
}

func messageEvent(m *Message) proto.MessageEvent {
	ev := proto.MessageEvent{
		ChatID:      m.ChatID,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		MessageType: string(m.Type),
		Timestamp:   m.Timestamp,
		ReplyTo:     m.ReplyTo,
		Mentions:    m.Mentions,
	}
	for _, a := range m.Attachments {
		ev.Attachments = append(ev.Attachments, proto.AttachmentEvent{
			ID: a.ID, Name: a.Name, MimeType: a.MimeType, URL: a.URL, Size: a.Size,
		})
	}
	return ev
}

// snapshot is the persisted shape of the store.
type snapshot struct {
	Chats    map[string]*Chat      `json:"chats"`
	Messages map[string][]*Message `json:"messages"`
	Seq      uint64                `json:"seq"`
}

func (s *Store) persistLocked() {
	if s.db == nil {
		return
	}
	snap := snapshot{Chats: s.chats, Messages: s.messages, Seq: s.seq}
	raw, err := json.Marshal(snap)
	if err != nil {
		log.Errorf("marshal chat snapshot: %v", err)
		return
	}
	if err := s.db.Put(storage.KeyChats, raw); err != nil {
		log.Errorf("persist chat snapshot: %v", err)
	}
	seen, err := json.Marshal(s.seenRing.Snapshot())
	if err == nil {
		if err := s.db.Put(storage.KeyExternalSeen, seen); err != nil {
			log.Errorf("persist external seen set: %v", err)
		}
	}
}

func (s *Store) restore() error {
	if s.db == nil {
		return nil
	}
	raw, err := s.db.Get(storage.KeyChats)
	if err != nil {
		return fmt.Errorf("restore chats: %w", err)
	}
	if raw != nil {
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("restore chats: %w", err)
		}
		if snap.Chats != nil {
			s.chats = snap.Chats
		}
		if snap.Messages != nil {
			s.messages = snap.Messages
		}
		s.seq = snap.Seq
		for chatID, msgs := range s.messages {
			for _, m := range msgs {
				s.byID[m.ID] = m
			}
			// Pointers don't survive serialization; re-derive.
			s.refreshLastMessageLocked(chatID)
		}
		for _, c := range s.chats {
			if c.External != nil {
				s.external[externalKey(c.External.Source, c.External.ExternalUserID)] = c.ID
			}
		}
	}

	seenRaw, err := s.db.Get(storage.KeyExternalSeen)
	if err != nil {
		return fmt.Errorf("restore external seen set: %w", err)
	}
	if seenRaw != nil {
		var ids []string
		if err := json.Unmarshal(seenRaw, &ids); err != nil {
			return fmt.Errorf("restore external seen set: %w", err)
		}
		for _, id := range ids {
			s.markSeenLocked(id)
		}
	}
	log.Infof("restored %d chats", len(s.chats))
	return nil
}
