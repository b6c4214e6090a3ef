package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for SDP with many candidates

	sendBufferSize = 256
)

// Client is a wrapper for a single websocket connection (a user).
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn

	// Send is a buffered channel for all outbound messages. WritePump is
	// its only reader.
	Send chan *Message

	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	userID string
	closed bool
}

// NewClient wraps an upgraded connection using the hub's limits.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan *Message, sendBufferSize),
		logger: hub.logger.With("remote", conn.RemoteAddr().String()),
	}
	if hub.opts.MaxMessagesPerSecond > 0 {
		burst := hub.opts.MessageBurst
		if burst < 1 {
			burst = hub.opts.MaxMessagesPerSecond
		}
		c.limiter = rate.NewLimiter(rate.Limit(hub.opts.MaxMessagesPerSecond), burst)
	}
	return c
}

// UserID returns the registered user id, or "" before registration.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUserID binds the connection to a registered user.
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Deliver queues msg for WritePump without blocking. It reports false when
// the client is closed or its buffer is full.
func (c *Client) Deliver(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) remoteAddr() string {
	if c.Conn == nil {
		return ""
	}
	return c.Conn.RemoteAddr().String()
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.opts.MaxMessageBytes)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.Hub.replyError(c, "", ErrRateLimited)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Hub.replyError(c, "", ErrMalformedPayload)
			continue
		}

		c.Hub.Handle(c, &msg)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
