// Package chat holds the local chat and message state: an append-mostly log of
// messages grouped into chats, with read state, reactions, edits and
// external-source provenance. The store is owned by the local process and
// reconstructed from transport events; cross-client consistency is eventual.
package chat

import (
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrNotFound      = errors.New("chat: not found")
	ErrStateConflict = errors.New("chat: invalid state for operation")
)

// ChatType classifies a conversation container.
type ChatType string

const (
	TypeDirect    ChatType = "direct"
	TypeGroup     ChatType = "group"
	TypeBroadcast ChatType = "broadcast"
	TypeExternal  ChatType = "external"
)

// MessageType classifies message content.
type MessageType string

const (
	MsgText     MessageType = "text"
	MsgImage    MessageType = "image"
	MsgFile     MessageType = "file"
	MsgVideo    MessageType = "video"
	MsgAudio    MessageType = "audio"
	MsgLocation MessageType = "location"
	MsgContact  MessageType = "contact"
	MsgExternal MessageType = "external"
)

// Participant is one member of a chat. Online and Typing are live flags fed by
// presence and typing events.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Online bool   `json:"online"`
	Typing bool   `json:"typing"`
}

// Attachment is a file carried by a message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"type"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Reaction is one emoji applied by one user. At most one reaction exists per
// (userId, emoji) pair; re-applying removes it.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// ExternalRef records third-party provenance of an ingested message.
type ExternalRef struct {
	Source         string `json:"source"`
	ExternalUserID string `json:"externalUserId"`
	ExternalChatID string `json:"externalChatId"`
}

// Message is one entry in a chat's log. Seq is the local insertion order and
// breaks timestamp ties; it is never compared across clients.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Seq        uint64      `json:"seq"`

	Read     bool       `json:"read"`
	Edited   bool       `json:"edited,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`

	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`
	Mentions    []string     `json:"mentions,omitempty"`
	External    *ExternalRef `json:"external,omitempty"`
}

// Chat is a conversation container. LastMessage is denormalized: it always
// equals the highest-timestamp surviving message of the chat, recomputed after
// every mutation by one derivation function.
type Chat struct {
	ID           string        `json:"id"`
	Type         ChatType      `json:"type"`
	Name         string        `json:"name"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	Pinned       bool          `json:"pinned"`
	Muted        bool          `json:"muted"`
	Archived     bool          `json:"archived"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`

	// External is set on TypeExternal chats: the bridge-side conversation this
	// chat mirrors.
	External *ExternalRef `json:"externalRef,omitempty"`
}

// RemoteParticipant returns the single non-local participant of a direct or
// external chat.
func (c *Chat) RemoteParticipant(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// Event is emitted to store subscribers after a mutation, so an outer layer
// can re-render or badge.
type Event struct {
	Kind      string // "message" | "chat" | "typing" | "read" | "external"
	ChatID    string
	MessageID string
}
