package chat

import (
	"testing"
	"time"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/notify"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/perm"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/transport"
)

// testSession is one simulated client: a link on the shared hub, a router and
// a store.
type testSession struct {
	store  *Store
	router *notify.Router
}

func newSession(t *testing.T, hub *transport.MemoryHub, id proto.Identity, name string) *testSession {
	t.Helper()
	link := hub.Attach(id, name)
	router := notify.New(link, nil)
	store, err := New(Options{Self: id, SelfName: name, Router: router})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
		router.Close()
	})
	return &testSession{store: store, router: router}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func soloStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{
		Self:     proto.Identity{UserID: "self", Role: "doctor"},
		SelfName: "Self",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestMarkChatAsReadZeroesUnread(t *testing.T) {
	s := soloStore(t)
	c, err := s.CreateChat([]string{"other"}, "", TypeDirect)
	if err != nil {
		t.Fatal(err)
	}
	// Force a nonzero unread via a remote message.
	s.applyRemoteMessage(proto.MessageEvent{
		ChatID: c.ID, MessageID: "m1", SenderID: "other", Content: "hi", Timestamp: time.Now(),
	})
	s.applyRemoteMessage(proto.MessageEvent{
		ChatID: c.ID, MessageID: "m2", SenderID: "other", Content: "ho", Timestamp: time.Now(),
	})
	got, _ := s.GetChat(c.ID)
	if got.UnreadCount != 2 {
		t.Fatalf("unread = %d, want 2", got.UnreadCount)
	}

	if err := s.MarkChatAsRead(c.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetChat(c.ID)
	if got.UnreadCount != 0 {
		t.Fatalf("unread after markChatAsRead = %d", got.UnreadCount)
	}
	for _, m := range s.Messages(c.ID) {
		if !m.Read {
			t.Fatalf("message %s still unread", m.ID)
		}
	}
}

func TestDeleteLastMessageRecomputes(t *testing.T) {
	s := soloStore(t)
	c, err := s.CreateChat([]string{"other"}, "", TypeDirect)
	if err != nil {
		t.Fatal(err)
	}
	m1, err := s.SendMessage(c.ID, "first", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m2, err := s.SendMessage(c.ID, "second", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetChat(c.ID)
	if got.LastMessage == nil || got.LastMessage.ID != m2.ID {
		t.Fatalf("lastMessage = %+v, want %s", got.LastMessage, m2.ID)
	}

	if err := s.DeleteMessage(m2.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetChat(c.ID)
	if got.LastMessage == nil || got.LastMessage.ID != m1.ID {
		t.Fatalf("after delete lastMessage = %+v, want %s", got.LastMessage, m1.ID)
	}

	if err := s.DeleteMessage(m1.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetChat(c.ID)
	if got.LastMessage != nil {
		t.Fatalf("after deleting all, lastMessage = %+v, want nil", got.LastMessage)
	}
}

func TestEditRefreshesLastMessage(t *testing.T) {
	s := soloStore(t)
	c, _ := s.CreateChat([]string{"other"}, "", TypeDirect)
	m, err := s.SendMessage(c.ID, "tpyo", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EditMessage(m.ID, "typo"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetChat(c.ID)
	if got.LastMessage.Content != "typo" || !got.LastMessage.Edited {
		t.Fatalf("lastMessage = %+v", got.LastMessage)
	}
	if got.LastMessage.EditedAt == nil {
		t.Fatal("editedAt not set")
	}
}

func TestReactionToggleRoundTrip(t *testing.T) {
	s := soloStore(t)
	c, _ := s.CreateChat([]string{"other"}, "", TypeDirect)
	m, err := s.SendMessage(c.ID, "hello", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ReactToMessage(m.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages(c.ID)
	if len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].Emoji != "👍" {
		t.Fatalf("reactions = %+v", msgs[0].Reactions)
	}

	// Same user, same emoji again: back to the original set.
	if err := s.ReactToMessage(m.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	msgs = s.Messages(c.ID)
	if len(msgs[0].Reactions) != 0 {
		t.Fatalf("reactions after toggle = %+v", msgs[0].Reactions)
	}
}

func TestDirectChatNeedsOneRemote(t *testing.T) {
	s := soloStore(t)
	if _, err := s.CreateChat([]string{"x", "y"}, "", TypeDirect); err == nil {
		t.Fatal("direct chat with two remotes accepted")
	}
	if _, err := s.CreateChat(nil, "", TypeDirect); err == nil {
		t.Fatal("direct chat with no remote accepted")
	}
	if _, err := s.CreateChat([]string{"x", "y"}, "Ward 3", TypeGroup); err != nil {
		t.Fatalf("group chat rejected: %v", err)
	}
}

func TestSendDeniedWithoutPermission(t *testing.T) {
	s, err := New(Options{
		Self:  proto.Identity{UserID: "self"},
		Perms: perm.Static{perm.CapChatCreate: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	c, err := s.CreateChat([]string{"other"}, "", TypeDirect)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendMessage(c.ID, "hi", SendOptions{}); err == nil {
		t.Fatal("send without chat.send capability accepted")
	}
}

func TestForwardMessageTolerantOfPartialFailure(t *testing.T) {
	s := soloStore(t)
	c1, _ := s.CreateChat([]string{"x"}, "", TypeDirect)
	c2, _ := s.CreateChat([]string{"y"}, "", TypeDirect)
	m, err := s.SendMessage(c1.ID, "forward me", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	err = s.ForwardMessage(m.ID, []string{"no-such-chat", c2.ID})
	if err == nil {
		t.Fatal("expected aggregate error for the missing chat")
	}
	// The good target still got the copy.
	msgs := s.Messages(c2.ID)
	if len(msgs) != 1 || msgs[0].Content != "forward me" {
		t.Fatalf("c2 messages = %+v", msgs)
	}
	if msgs[0].ID == m.ID {
		t.Fatal("forward reused the original message id")
	}
}

func TestTwoClientsMessageFlow(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSession(t, hub, proto.Identity{UserID: "a"}, "Alice")
	b := newSession(t, hub, proto.Identity{UserID: "b"}, "Bob")

	c, err := a.store.CreateChat([]string{"b"}, "", TypeDirect)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.store.SendMessage(c.ID, "Hello", SendOptions{}); err != nil {
		t.Fatal(err)
	}

	// A's own view: lastMessage set, no unread.
	got, _ := a.store.GetChat(c.ID)
	if got.LastMessage == nil || got.LastMessage.Content != "Hello" {
		t.Fatalf("sender lastMessage = %+v", got.LastMessage)
	}
	if got.UnreadCount != 0 {
		t.Fatalf("sender unread = %d", got.UnreadCount)
	}

	// B never created the chat: it appears lazily with unread 1.
	waitFor(t, "b to receive the message", func() bool {
		bc, ok := b.store.GetChat(c.ID)
		return ok && bc.UnreadCount == 1
	})
	bc, _ := b.store.GetChat(c.ID)
	if bc.LastMessage == nil || bc.LastMessage.Content != "Hello" {
		t.Fatalf("receiver lastMessage = %+v", bc.LastMessage)
	}

	// With the chat active on B, further messages stay at unread 0.
	if err := b.store.SetActiveChat(c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := a.store.SendMessage(c.ID, "Again", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "b to receive the second message", func() bool {
		return len(b.store.Messages(c.ID)) == 2
	})
	bc, _ = b.store.GetChat(c.ID)
	if bc.UnreadCount != 0 {
		t.Fatalf("unread while active = %d, want 0", bc.UnreadCount)
	}
}

func TestTypingFlagPropagates(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSession(t, hub, proto.Identity{UserID: "a"}, "Alice")
	b := newSession(t, hub, proto.Identity{UserID: "b"}, "Bob")

	c, err := a.store.CreateChat([]string{"b"}, "", TypeDirect)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.store.SendMessage(c.ID, "hi", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "chat on b", func() bool {
		_, ok := b.store.GetChat(c.ID)
		return ok
	})

	if err := a.store.SetTyping(c.ID, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "typing flag on b", func() bool {
		bc, _ := b.store.GetChat(c.ID)
		for _, p := range bc.Participants {
			if p.UserID == "a" && p.Typing {
				return true
			}
		}
		return false
	})
}

func TestReadReceiptReachesSender(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSession(t, hub, proto.Identity{UserID: "a"}, "Alice")
	b := newSession(t, hub, proto.Identity{UserID: "b"}, "Bob")

	c, err := a.store.CreateChat([]string{"b"}, "", TypeDirect)
	if err != nil {
		t.Fatal(err)
	}
	m, err := a.store.SendMessage(c.ID, "read me", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message on b", func() bool {
		return len(b.store.Messages(c.ID)) == 1
	})

	if err := b.store.MarkAsRead(m.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "receipt on a", func() bool {
		msgs := a.store.Messages(c.ID)
		return len(msgs) == 1 && msgs[0].Read
	})
}
