package roster

import (
	"testing"
	"time"
)

func TestUpsertAndOnline(t *testing.T) {
	r := New()
	r.Upsert("u1", "Alice", "doctor", "utawala", true)
	r.Upsert("u2", "Bob", "nurse", "utawala", true)

	if !r.IsOnline("u1") || !r.IsOnline("u2") {
		t.Fatal("users not online after upsert")
	}
	if r.IsOnline("u3") {
		t.Fatal("unknown user reported online")
	}

	r.Upsert("u1", "", "doctor", "utawala", false)
	if r.IsOnline("u1") {
		t.Fatal("u1 still online after going offline")
	}
	// The name survives an update that omits it.
	e, ok := r.Get("u1")
	if !ok || e.Name != "Alice" {
		t.Fatalf("entry = %+v", e)
	}

	online := r.Online()
	if len(online) != 1 || online[0].UserID != "u2" {
		t.Fatalf("online = %+v", online)
	}
}

func TestSubscribe(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe()
	defer cancel()

	r.Upsert("u1", "Alice", "", "", true)
	select {
	case ev := <-ch:
		if ev.UserID != "u1" || !ev.Online {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no presence event")
	}
}
