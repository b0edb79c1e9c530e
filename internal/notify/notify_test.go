package notify

import (
	"testing"
	"time"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/roster"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/transport"
)

func recvEnvelope(t *testing.T, ch <-chan proto.Envelope) proto.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return proto.Envelope{}
	}
}

func expectNothing(t *testing.T, ch <-chan proto.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %q", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func newPair(t *testing.T) (a, b *Router, hub *transport.MemoryHub) {
	t.Helper()
	hub = transport.NewMemoryHub()
	linkA := hub.Attach(proto.Identity{UserID: "a", Role: "doctor", Branch: "utawala"}, "Alice")
	linkB := hub.Attach(proto.Identity{UserID: "b", Role: "nurse", Branch: "utawala"}, "Bob")
	a = New(linkA, nil)
	b = New(linkB, nil)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b, hub
}

func TestNotifyUserReachesOnlyTarget(t *testing.T) {
	a, b, _ := newPair(t)
	chA, cancelA := a.Subscribe()
	defer cancelA()
	chB, cancelB := b.Subscribe()
	defer cancelB()

	err := a.NotifyUser("b", proto.NotifLabResultsReady, "Lab results ready", proto.Details{})
	if err != nil {
		t.Fatal(err)
	}

	env := recvEnvelope(t, chB)
	if env.Type != proto.NotifLabResultsReady {
		t.Fatalf("type = %q", env.Type)
	}
	if env.Details.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
	// The sender's own frame comes back from the hub and must be dropped.
	expectNothing(t, chA)
}

func TestNotifyRoleAndBranchFiltering(t *testing.T) {
	a, b, _ := newPair(t)
	chB, cancelB := b.Subscribe()
	defer cancelB()

	if err := a.NotifyRole("nurse", proto.NotifVitalsReady, "Vitals due", proto.Details{}); err != nil {
		t.Fatal(err)
	}
	if env := recvEnvelope(t, chB); env.Type != proto.NotifVitalsReady {
		t.Fatalf("type = %q", env.Type)
	}

	if err := a.NotifyRole("doctor", proto.NotifDoctorAssigned, "Assigned", proto.Details{}); err != nil {
		t.Fatal(err)
	}
	expectNothing(t, chB) // b is a nurse

	if err := a.NotifyBranch("utawala", proto.NotifTokenCalled, "Token 7", proto.Details{
		Clinical: &proto.ClinicalEvent{TokenNumber: 7},
	}); err != nil {
		t.Fatal(err)
	}
	env := recvEnvelope(t, chB)
	if env.Details.Clinical == nil || env.Details.Clinical.TokenNumber != 7 {
		t.Fatalf("clinical payload = %+v", env.Details.Clinical)
	}
}

func TestBroadcastReachesEveryone(t *testing.T) {
	a, b, _ := newPair(t)
	chB, cancelB := b.Subscribe()
	defer cancelB()

	err := a.Send(proto.Envelope{Type: proto.NotifTyping, Details: proto.Details{
		Typing: &proto.TypingEvent{ChatID: "c1", UserID: "a", IsTyping: true},
	}})
	if err != nil {
		t.Fatal(err)
	}
	env := recvEnvelope(t, chB)
	if env.Details.Typing == nil || !env.Details.Typing.IsTyping {
		t.Fatalf("typing payload = %+v", env.Details.Typing)
	}
}

func TestSendRejectsInvalidEnvelope(t *testing.T) {
	a, _, _ := newPair(t)
	err := a.Send(proto.Envelope{Type: "BOGUS"})
	if err == nil {
		t.Fatal("unknown type accepted")
	}
}

func TestPresenceFeedsRoster(t *testing.T) {
	hub := transport.NewMemoryHub()
	linkA := hub.Attach(proto.Identity{UserID: "a"}, "Alice")
	r := roster.New()
	rt := New(linkA, r)
	defer rt.Close()

	hub.Attach(proto.Identity{UserID: "b", Role: "nurse", Branch: "utawala"}, "Bob")

	deadline := time.Now().Add(2 * time.Second)
	for !r.IsOnline("b") {
		if time.Now().After(deadline) {
			t.Fatal("roster never saw b online")
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, ok := r.Get("b")
	if !ok || e.Name != "Bob" || e.Role != "nurse" {
		t.Fatalf("entry = %+v", e)
	}
}
