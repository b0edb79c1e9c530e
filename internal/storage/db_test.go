package storage

import (
	"bytes"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Put(KeyChats, []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get(KeyChats)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(`{"a":1}`)) {
		t.Fatalf("got %q", got)
	}

	// Replace under the same key.
	if err := db.Put(KeyChats, []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Get(KeyChats)
	if !bytes.Equal(got, []byte(`{"a":2}`)) {
		t.Fatalf("after replace got %q", got)
	}
}

func TestGetAbsentKey(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	got, err := db.Get("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("absent key returned %q", got)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(KeyMessages, []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	got, err := db2.Get(KeyMessages)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "persisted" {
		t.Fatalf("after reopen got %q", got)
	}
}

func TestDelete(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Put(KeyCalls, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(KeyCalls); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get(KeyCalls)
	if err != nil || got != nil {
		t.Fatalf("after delete: %q, %v", got, err)
	}
	// Deleting a missing key is not an error.
	if err := db.Delete("nope"); err != nil {
		t.Fatal(err)
	}
}
