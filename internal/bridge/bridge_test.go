package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/chat"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

func TestAdapterSendReply(t *testing.T) {
	var gotBody replyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhooks/tawkto/reply" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(replyResponse{MessageID: "remote-42"})
	}))
	defer srv.Close()

	a := NewAdapter("tawkto", srv.URL, "")
	id, err := a.SendReply(context.Background(), "ec1", "visitor1", "hello", "u1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if id != "remote-42" {
		t.Fatalf("messageId = %q", id)
	}
	if gotBody.ExternalChatID != "ec1" || gotBody.UserName != "Alice" {
		t.Fatalf("request body = %+v", gotBody)
	}
}

func TestAdapterFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhooks/tawkto/history/ec1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(historyResponse{Messages: []chat.ExternalMessage{
			{ID: "m1", Content: "hi", Source: "tawkto"},
			{ID: "m2", Content: "still there?", Source: "tawkto"},
		}})
	}))
	defer srv.Close()

	a := NewAdapter("tawkto", srv.URL, "")
	msgs, err := a.FetchHistory(context.Background(), "ec1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestAdapterSurfacesEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAdapter("tawkto", srv.URL, "")
	if _, err := a.SendReply(context.Background(), "ec1", "v1", "x", "u", "n"); !errors.Is(err, ErrBridge) {
		t.Fatalf("err = %v, want ErrBridge", err)
	}
	if _, err := a.FetchHistory(context.Background(), "ec1"); !errors.Is(err, ErrBridge) {
		t.Fatalf("err = %v, want ErrBridge", err)
	}
}

// fanout records broadcast frames in place of the hub.
type fanout struct {
	mu     sync.Mutex
	frames []proto.Frame
}

func (f *fanout) Broadcast(fr proto.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fanout) last(t *testing.T) proto.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("nothing broadcast")
	}
	return f.frames[len(f.frames)-1]
}

func postJSON(t *testing.T, app *fiber.App, path, secret string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signatureHeader, sign(secret, raw))
	}
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestWebhookEventFansOut(t *testing.T) {
	app := fiber.New()
	f := &fanout{}
	Mount(app, "tawkto", "", f)

	resp := postJSON(t, app, "/webhooks/tawkto/event", "", eventRequest{
		ID:             "m1",
		ExternalChatID: "ec1",
		ExternalUserID: "visitor1",
		SenderName:     "Bob",
		Content:        "hi",
		Timestamp:      time.Now(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	fr := f.last(t)
	if fr.Kind != proto.FrameNotification || fr.Notification == nil {
		t.Fatalf("frame = %+v", fr)
	}
	env := fr.Notification
	if env.Type != proto.NotifExternal || env.Details.External == nil {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Details.External.ExternalUserID != "visitor1" || env.Details.External.Source != "tawkto" {
		t.Fatalf("external payload = %+v", env.Details.External)
	}
}

func TestWebhookSignatureEnforced(t *testing.T) {
	app := fiber.New()
	f := &fanout{}
	Mount(app, "tawkto", "s3cret", f)

	ev := eventRequest{ID: "m1", ExternalChatID: "ec1", ExternalUserID: "v1", Content: "hi"}

	// Unsigned request is refused.
	resp := postJSON(t, app, "/webhooks/tawkto/event", "", ev)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d", resp.StatusCode)
	}

	// Properly signed request passes.
	resp = postJSON(t, app, "/webhooks/tawkto/event", "s3cret", ev)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed status = %d", resp.StatusCode)
	}
}

func TestWebhookReplyAndHistory(t *testing.T) {
	app := fiber.New()
	f := &fanout{}
	Mount(app, "tawkto", "", f)

	// Visitor message, then a staff reply.
	postJSON(t, app, "/webhooks/tawkto/event", "", eventRequest{
		ID: "m1", ExternalChatID: "ec1", ExternalUserID: "v1", Content: "hi",
	})
	resp := postJSON(t, app, "/webhooks/tawkto/reply", "", replyRequest{
		ExternalChatID: "ec1", ExternalUserID: "v1", Content: "hello", UserID: "u1", UserName: "Alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reply status = %d", resp.StatusCode)
	}
	var rr replyResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		t.Fatal(err)
	}
	if rr.MessageID == "" {
		t.Fatal("no messageId assigned")
	}

	// History returns both, oldest first.
	req := httptest.NewRequest(http.MethodGet, "/webhooks/tawkto/history/ec1", nil)
	hresp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(hresp.Body)
	var hist historyResponse
	if err := json.Unmarshal(raw, &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("history = %+v", hist.Messages)
	}
	if hist.Messages[0].Content != "hi" || hist.Messages[1].Content != "hello" {
		t.Fatalf("history order = %+v", hist.Messages)
	}

	// Missing fields are rejected.
	resp = postJSON(t, app, "/webhooks/tawkto/event", "", eventRequest{ID: "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad event status = %d", resp.StatusCode)
	}
}
