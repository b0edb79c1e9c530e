package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/chat"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body.
const signatureHeader = "X-Webhook-Signature"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	want := sign(secret, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

// Broadcaster injects frames into the fan-out point. Satisfied by the
// transport hub.
type Broadcaster interface {
	Broadcast(f proto.Frame) error
}

// Webhooks holds the hub-side live-chat state: the per-conversation message
// log and the routes the provider (and the Adapter) calls.
type Webhooks struct {
	source string
	secret string
	hub    Broadcaster

	mu            sync.Mutex
	conversations map[string][]chat.ExternalMessage
}

// eventRequest is an inbound provider event (visitor sent a message).
type eventRequest struct {
	ID             string    `json:"id"`
	ExternalChatID string    `json:"externalChatId"`
	ExternalUserID string    `json:"externalUserId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Mount registers the webhook routes on the hub's HTTP app:
//
//	POST /webhooks/<source>/event            provider -> hub
//	POST /webhooks/<source>/reply            staff client -> provider (relayed)
//	GET  /webhooks/<source>/history/<chatID> conversation backlog
func Mount(app *fiber.App, source, secret string, hub Broadcaster) *Webhooks {
	w := &Webhooks{
		source:        source,
		secret:        secret,
		hub:           hub,
		conversations: map[string][]chat.ExternalMessage{},
	}
	grp := app.Group("/webhooks/" + source)
	grp.Post("/event", w.handleEvent)
	grp.Post("/reply", w.handleReply)
	grp.Get("/history/:chatID", w.handleHistory)
	return w
}

// handleEvent verifies, records and fans out one provider event as an
// EXTERNAL_MESSAGE notification. Re-deliveries pass through unchanged; the
// chat stores dedupe on the message id.
func (w *Webhooks) handleEvent(c *fiber.Ctx) error {
	body := c.Body()
	if !verify(w.secret, body, c.Get(signatureHeader)) {
		log.Warnf("webhook event with bad signature rejected")
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	var ev eventRequest
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if ev.ExternalChatID == "" || ev.ExternalUserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing chat or user id"})
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	em := chat.ExternalMessage{
		ID:             ev.ID,
		ExternalChatID: ev.ExternalChatID,
		ExternalUserID: ev.ExternalUserID,
		SenderName:     ev.SenderName,
		Content:        ev.Content,
		Source:         w.source,
		Timestamp:      ev.Timestamp,
	}
	w.record(em)

	frame := proto.Frame{
		Kind: proto.FrameNotification,
		From: "bridge:" + w.source,
		Notification: &proto.Envelope{
			Type:    proto.NotifExternal,
			Message: ev.Content,
			Details: proto.Details{
				Timestamp: ev.Timestamp,
				External: &proto.ExternalEvent{
					ID:             ev.ID,
					ExternalChatID: ev.ExternalChatID,
					ExternalUserID: ev.ExternalUserID,
					SenderName:     ev.SenderName,
					Content:        ev.Content,
					Source:         w.source,
					Timestamp:      ev.Timestamp,
				},
			},
		},
	}
	if err := w.hub.Broadcast(frame); err != nil {
		log.Errorf("broadcast external message %s: %v", ev.ID, err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	log.Infof("external message %s from %s/%s fanned out", ev.ID, w.source, ev.ExternalUserID)
	return c.JSON(fiber.Map{"ok": true})
}

// handleReply records a staff reply and hands back the message id the
// provider would assign. The relay to the actual provider API is deployment
// configuration; the hub keeps the conversation log either way.
func (w *Webhooks) handleReply(c *fiber.Ctx) error {
	var req replyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if req.ExternalChatID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing externalChatId"})
	}
	em := chat.ExternalMessage{
		ID:             uuid.NewString(),
		ExternalChatID: req.ExternalChatID,
		ExternalUserID: req.ExternalUserID,
		SenderName:     req.UserName,
		Content:        req.Content,
		Source:         w.source,
		Timestamp:      time.Now(),
	}
	w.record(em)
	log.Infof("reply %s recorded for conversation %s", em.ID, req.ExternalChatID)
	return c.JSON(replyResponse{MessageID: em.ID})
}

func (w *Webhooks) handleHistory(c *fiber.Ctx) error {
	chatID := c.Params("chatID")
	w.mu.Lock()
	msgs := append([]chat.ExternalMessage{}, w.conversations[chatID]...)
	w.mu.Unlock()
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return c.JSON(historyResponse{Messages: msgs})
}

func (w *Webhooks) record(em chat.ExternalMessage) {
	w.mu.Lock()
	w.conversations[em.ExternalChatID] = append(w.conversations[em.ExternalChatID], em)
	w.mu.Unlock()
}
