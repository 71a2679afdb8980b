package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"procvisor/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 4 * 1024 // client messages are small control frames
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients, which send no Origin, and pages
// served from the control plane's own host. Any other page could otherwise
// drive a loopback server from the user's browser.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Client is one WebSocket connection. A client with no pid subscriptions
// receives every lifecycle event.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	pids        map[int]bool // guarded by hub.mu
	id          string
	connectedAt time.Time
	dropped     atomic.Int64
	log         zerolog.Logger
}

// NewClient creates a client for conn. conn may be nil in tests.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		pids:        make(map[int]bool),
		id:          id,
		connectedAt: time.Now(),
		log:         logger.Component("websocket").With().Str("client_id", id).Logger(),
	}
}

// wants reports whether the client should receive an event for pid.
// Caller must hold hub.mu.
func (c *Client) wants(pid int) bool {
	if pid == 0 || len(c.pids) == 0 {
		return true
	}
	return c.pids[pid]
}

// enqueue hands data to the write pump without blocking. A full buffer means
// the peer is not keeping up; the event is counted and dropped.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log.Warn().Int64("dropped", n).Msg("client send buffer full")
		}
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	switch msg.Type {
	case TypePing:
		c.sendMessage(WSMessage{Type: TypePong})

	case TypeSubscribe:
		if msg.PID <= 0 {
			c.sendError("INVALID_REQUEST", "subscribe requires a pid")
			return
		}
		c.hub.Subscribe(c, msg.PID)
		if info, ok := c.hub.lookup(msg.PID); ok {
			c.sendMessage(WSMessage{Type: TypeProcessState, PID: msg.PID, Process: &info})
		}

	case TypeUnsubscribe:
		if msg.PID > 0 {
			c.hub.Unsubscribe(c, msg.PID)
		}

	default:
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(WSMessage{Type: TypeError, Code: code, Message: message})
}

// ServeWs upgrades the request and attaches the connection to hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Component("websocket").Debug().Err(err).Msg("upgrade failed")
		return
	}

	client := NewClient(hub, conn)
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}
