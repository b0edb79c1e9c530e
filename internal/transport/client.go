package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

// Client is the websocket Link a session holds to the hub. It reconnects on
// its own: after a dropped connection it retries with doubling backoff up to
// maxAttempts times before giving up for good.
type Client struct {
	url  string
	id   proto.Identity
	name string

	maxAttempts int
	backoff     time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	listeners []chan proto.Frame

	onConnect    []func()
	onDisconnect []func()

	done chan struct{}
}

// ClientOptions configures a hub client.
type ClientOptions struct {
	URL         string
	Identity    proto.Identity
	Name        string
	MaxAttempts int           // reconnect attempts before giving up
	Backoff     time.Duration // initial backoff, doubles per attempt
}

// NewClient builds a client; Connect must be called before Send.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	return &Client{
		url:         opts.URL,
		id:          opts.Identity,
		name:        opts.Name,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		done:        make(chan struct{}),
	}
}

// Identity returns the identity this client connects as.
func (c *Client) Identity() proto.Identity {
	return c.id
}

// OnConnect registers a callback invoked after every successful (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a callback invoked when the connection drops.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connect dials the hub, performs the hello handshake and starts the read
// loop. On later connection loss the client reconnects by itself.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", c.url, err)
	}

	hello := proto.Frame{
		Kind:  proto.FrameHello,
		Hello: &proto.Hello{Identity: c.id, Name: c.name},
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	cbs := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	log.Infof("connected to hub %s as %s", c.url, c.id.UserID)
	for _, fn := range cbs {
		fn()
	}
	return nil
}

// readLoop pumps inbound frames to subscribers and drives reconnection.
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected()
			select {
			case <-c.done:
				return
			default:
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		var f proto.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf("bad frame from hub: %v", err)
			continue
		}
		c.deliver(f)
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	cbs := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	if wasConnected {
		log.Warnf("hub connection lost")
		for _, fn := range cbs {
			fn()
		}
	}
}

// reconnect retries with doubling backoff. Returns false when the attempt
// budget is exhausted or the client was closed.
func (c *Client) reconnect() bool {
	delay := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}
		log.Infof("reconnecting to hub (attempt %d/%d)", attempt, c.maxAttempts)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return true
		}
		log.Warnf("reconnect failed: %v", err)
		delay *= 2
	}
	log.Errorf("giving up on hub after %d attempts", c.maxAttempts)
	return false
}

// Send delivers one frame to the hub.
func (c *Client) Send(f proto.Frame) error {
	f.From = c.id.UserID
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliver, err)
	}
	return nil
}

// Subscribe returns a channel of inbound frames and a cancel func.
func (c *Client) Subscribe() (<-chan proto.Frame, func()) {
	ch := make(chan proto.Frame, 64)
	c.mu.Lock()
	c.listeners = append(c.listeners, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l == ch {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (c *Client) deliver(f proto.Frame) {
	c.mu.Lock()
	listeners := append([]chan proto.Frame{}, c.listeners...)
	c.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- f:
		default:
			log.Warnf("subscriber not draining, dropped %s frame", f.Kind)
		}
	}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the client down permanently; no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}
