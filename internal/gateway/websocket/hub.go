package websocket

import (
	"encoding/json"
	"sync"

	"procvisor/internal/procutil"
	"procvisor/pkg/logger"
)

// Hub maintains the set of active clients and fans out process events.
// A client with no pid subscriptions receives every event; otherwise only
// events for the pids it subscribed to.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// pid to subscribed clients.
	pids map[int]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stop       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	lookupMu sync.RWMutex
	lookupFn func(pid int) (procutil.Info, bool)
}

var _ procutil.Observer = (*Hub)(nil)

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		pids:       make(map[int]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.pids = make(map[int]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for pid := range client.pids {
					h.removeLocked(client, pid)
				}
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(msg.PID) {
					continue
				}
				client.enqueue(msg.Data)
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Subscribe limits a client to events for pid (and any other subscribed pids).
func (h *Hub) Subscribe(client *Client, pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.pids[pid] = true
	if h.pids[pid] == nil {
		h.pids[pid] = make(map[*Client]bool)
	}
	h.pids[pid][client] = true

	logger.Debug().Str("client_id", client.id).Int("pid", pid).Msg("Client subscribed to pid")
}

// Unsubscribe removes a pid subscription.
func (h *Hub) Unsubscribe(client *Client, pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.pids, pid)
	h.removeLocked(client, pid)

	logger.Debug().Str("client_id", client.id).Int("pid", pid).Msg("Client unsubscribed from pid")
}

func (h *Hub) removeLocked(client *Client, pid int) {
	if clients, ok := h.pids[pid]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.pids, pid)
		}
	}
}

// Broadcast queues data for the clients interested in pid. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(pid int, data []byte) bool {
	select {
	case h.broadcast <- &BroadcastMessage{PID: pid, Data: data}:
		return true
	default:
		logger.Warn().Int("pid", pid).Msg("WebSocket broadcast queue full, dropping event")
		return false
	}
}

// ProcessStarted publishes a process_started event.
func (h *Hub) ProcessStarted(info procutil.Info) {
	h.publish(TypeProcessStarted, info)
}

// ProcessExited publishes a process_exited event.
func (h *Hub) ProcessExited(info procutil.Info) {
	h.publish(TypeProcessExited, info)
}

func (h *Hub) publish(msgType string, info procutil.Info) {
	data, err := json.Marshal(WSMessage{Type: msgType, PID: int(info.PID), Process: &info})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal process event")
		return
	}
	h.Broadcast(int(info.PID), data)
}

// SetLookup installs the function used to answer a subscribe with the
// current state of the pid. Without one, subscribers only see future events.
func (h *Hub) SetLookup(fn func(pid int) (procutil.Info, bool)) {
	h.lookupMu.Lock()
	h.lookupFn = fn
	h.lookupMu.Unlock()
}

func (h *Hub) lookup(pid int) (procutil.Info, bool) {
	h.lookupMu.RLock()
	fn := h.lookupFn
	h.lookupMu.RUnlock()
	if fn == nil {
		return procutil.Info{}, false
	}
	return fn(pid)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
