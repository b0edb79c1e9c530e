package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

func TestHubHealthz(t *testing.T) {
	hub := NewHub()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := hub.App().Test(req, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHubWsRequiresUpgrade(t *testing.T) {
	hub := NewHub()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp, err := hub.App().Test(req, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHubBroadcastValidates(t *testing.T) {
	hub := NewHub()
	if err := hub.Broadcast(proto.Frame{Kind: proto.FrameNotification}); err == nil {
		t.Fatal("invalid frame accepted")
	}
	// A valid frame with no clients connected is fine.
	err := hub.Broadcast(proto.Frame{
		Kind: proto.FrameNotification,
		From: "hub",
		Notification: &proto.Envelope{
			Type:    proto.NotifTokenCalled,
			Message: "Token 4",
			Details: proto.Details{TargetBranch: "utawala"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}
