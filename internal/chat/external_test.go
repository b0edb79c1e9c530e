package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

type fakeBridge struct {
	mu      sync.Mutex
	replies []string
	history []ExternalMessage
	fail    bool
}

func (f *fakeBridge) SendReply(_ context.Context, _, _, content, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("endpoint down")
	}
	f.replies = append(f.replies, content)
	return "remote-1", nil
}

func (f *fakeBridge) FetchHistory(_ context.Context, _ string) ([]ExternalMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("endpoint down")
	}
	return append([]ExternalMessage{}, f.history...), nil
}

func (f *fakeBridge) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func visitorMessage(id, content string) ExternalMessage {
	return ExternalMessage{
		ID:             id,
		ExternalChatID: "ec1",
		ExternalUserID: "visitor1",
		SenderName:     "Bob",
		Content:        content,
		Source:         "tawkto",
		Timestamp:      time.Now(),
	}
}

func TestHandleExternalCreatesChat(t *testing.T) {
	s := soloStore(t)
	m, err := s.HandleExternal(visitorMessage("m1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("no message ingested")
	}

	c, ok := s.GetChat(m.ChatID)
	if !ok {
		t.Fatal("external chat not created")
	}
	if c.Type != TypeExternal {
		t.Fatalf("chat type = %s", c.Type)
	}
	if c.UnreadCount != 1 {
		t.Fatalf("unread = %d", c.UnreadCount)
	}
	// The non-local participant id encodes source and external user.
	p, ok := c.RemoteParticipant("self")
	if !ok || p.UserID != "tawkto_visitor1" {
		t.Fatalf("remote participant = %+v", p)
	}
	if m.External == nil || m.External.Source != "tawkto" || m.External.ExternalChatID != "ec1" {
		t.Fatalf("provenance = %+v", m.External)
	}
}

func TestHandleExternalIdempotent(t *testing.T) {
	s := soloStore(t)
	em := visitorMessage("m1", "hi")

	first, err := s.HandleExternal(em)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.HandleExternal(em)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatal("duplicate id produced a second message")
	}
	if got := len(s.Messages(first.ChatID)); got != 1 {
		t.Fatalf("message count = %d, want 1", got)
	}
}

func TestHandleExternalReusesChatAcrossMessages(t *testing.T) {
	s := soloStore(t)
	m1, _ := s.HandleExternal(visitorMessage("m1", "hi"))
	m2, _ := s.HandleExternal(visitorMessage("m2", "anyone there?"))
	if m1.ChatID != m2.ChatID {
		t.Fatalf("two chats created: %s vs %s", m1.ChatID, m2.ChatID)
	}
	c, _ := s.GetChat(m1.ChatID)
	if c.UnreadCount != 2 {
		t.Fatalf("unread = %d", c.UnreadCount)
	}
}

func TestSendToExternalChatForwardsViaBridge(t *testing.T) {
	fb := &fakeBridge{}
	s, err := New(Options{
		Self:     proto.Identity{UserID: "self"},
		SelfName: "Self",
		Bridge:   fb,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	m, err := s.HandleExternal(visitorMessage("m1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendMessage(m.ChatID, "how can I help?", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bridge forward", func() bool { return fb.replyCount() == 1 })
}

func TestBridgeFailureKeepsLocalSend(t *testing.T) {
	fb := &fakeBridge{fail: true}
	s, err := New(Options{
		Self:   proto.Identity{UserID: "self"},
		Bridge: fb,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	em, err := s.HandleExternal(visitorMessage("m1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := s.SendMessage(em.ChatID, "reply", SendOptions{})
	if err != nil {
		t.Fatalf("local send failed on bridge error: %v", err)
	}
	// Local copy is kept.
	msgs := s.Messages(em.ChatID)
	found := false
	for _, mm := range msgs {
		if mm.ID == m.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("local message rolled back")
	}
}

func TestHistorySeedingOnNewExternalChat(t *testing.T) {
	fb := &fakeBridge{}
	old := time.Now().Add(-time.Hour)
	fb.history = []ExternalMessage{
		{ID: "h2", ExternalChatID: "ec1", ExternalUserID: "visitor1", Source: "tawkto", Content: "second", Timestamp: old.Add(time.Minute)},
		{ID: "h1", ExternalChatID: "ec1", ExternalUserID: "visitor1", Source: "tawkto", Content: "first", Timestamp: old},
	}
	s, err := New(Options{
		Self:   proto.Identity{UserID: "self"},
		Bridge: fb,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	m, err := s.HandleExternal(visitorMessage("m1", "live one"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "history seeded", func() bool {
		return len(s.Messages(m.ChatID)) == 3
	})
	msgs := s.Messages(m.ChatID)
	// Log is append-ordered; lastMessage derives by timestamp.
	c, _ := s.GetChat(m.ChatID)
	if c.LastMessage == nil || c.LastMessage.ID != "m1" {
		t.Fatalf("lastMessage = %+v, want the live message", c.LastMessage)
	}
	if len(msgs) != 3 {
		t.Fatalf("message count = %d", len(msgs))
	}
}
