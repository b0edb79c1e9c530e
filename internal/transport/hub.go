package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

var log = logging.Logger("transport")

// hubClient is one connected websocket. Writes go through send so the read
// loop never blocks on a slow peer; writePump owns the connection for writes.
type hubClient struct {
	id   proto.Identity
	name string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub accepts websocket clients and fans every frame out to all of them,
// the sender included. Addressing is the clients' problem.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}

	app *fiber.App
}

// NewHub builds the hub and its HTTP app. Extra routes (webhooks, health
// probes beyond the built-in one) can be mounted on App() before Listen.
func NewHub() *Hub {
	h := &Hub{
		clients: map[*hubClient]struct{}{},
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
	}

	h.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "clients": h.ClientCount()})
	})

	h.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	h.app.Get("/ws", websocket.New(h.handle))

	return h
}

// App exposes the underlying fiber app for mounting additional routes.
func (h *Hub) App() *fiber.App {
	return h.app
}

// Listen serves until Shutdown.
func (h *Hub) Listen(addr string) error {
	log.Infof("hub listening on %s", addr)
	return h.app.Listen(addr)
}

// Shutdown stops the HTTP server and disconnects all clients.
func (h *Hub) Shutdown() error {
	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.clients = map[*hubClient]struct{}{}
	h.mu.Unlock()
	return h.app.Shutdown()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers a frame to every connected client. Used internally for
// relayed frames and externally to inject webhook-originated notifications.
func (h *Hub) Broadcast(f proto.Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	h.broadcastRaw(raw)
	return nil
}

func (h *Hub) broadcastRaw(raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			// Client is not draining; it will be dropped by its writePump
			// when the buffer stays full. Losing frames beats blocking.
			log.Warnf("dropping frame for slow client %s", c.id.UserID)
		}
	}
}

// handle runs for the lifetime of one websocket connection.
func (h *Hub) handle(conn *websocket.Conn) {
	// First frame must be a hello; everything before it is rejected.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var hello proto.Frame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Kind != proto.FrameHello || hello.Validate() != nil {
		log.Warnf("client %s sent invalid hello, closing", conn.RemoteAddr())
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := &hubClient{
		id:   hello.Hello.Identity,
		name: hello.Hello.Name,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register(c)
	defer h.unregister(c)

	done := make(chan struct{})
	go c.writePump(done)
	defer func() {
		c.close()
		<-done
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf("bad frame from %s: %v", c.id.UserID, err)
			continue
		}
		if f.Kind == proto.FramePresence {
			// Presence is hub-authoritative.
			continue
		}
		// Stamp the origin so clients cannot forge each other's frames.
		f.From = c.id.UserID
		if err := f.Validate(); err != nil {
			log.Warnf("invalid frame from %s: %v", c.id.UserID, err)
			continue
		}
		out, err := json.Marshal(f)
		if err != nil {
			continue
		}
		h.broadcastRaw(out)
	}
}

func (c *hubClient) writePump(done chan<- struct{}) {
	defer close(done)
	for raw := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.conn.Close()
			// Drain so close() never blocks a sender.
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Infof("client connected: %s (%s/%s), %d online", c.id.UserID, c.id.Role, c.id.Branch, n)

	h.presence(c, true)
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	log.Infof("client disconnected: %s, %d online", c.id.UserID, n)

	h.presence(c, false)
}

func (h *Hub) presence(c *hubClient, online bool) {
	f := proto.Frame{
		Kind: proto.FramePresence,
		From: c.id.UserID,
		Presence: &proto.Presence{
			Identity: c.id,
			Name:     c.name,
			Online:   online,
		},
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.broadcastRaw(raw)
}
