package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	// Send delivers an ordinary event frame.
	Send(payload []byte) error
	// SendTerminal delivers a named terminal frame ("end" or "error").
	SendTerminal(event string, payload []byte) error
	Close()
}

// Hub manages stream subscriptions by operation ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with operation identifier. A non-empty terminal
// name marks the last frame for the operation; the hub drops the
// subscription set after delivering it.
type message struct {
	operationID string
	terminal    string
	payload     []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	operationID string
	client      Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.operationID]; !ok {
				h.clients[sub.operationID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.operationID][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			if clients, ok := h.clients[sub.operationID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.operationID)
				}
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.operationID]; ok {
				for c := range clients {
					var err error
					if msg.terminal != "" {
						err = c.SendTerminal(msg.terminal, msg.payload)
					} else {
						err = c.Send(msg.payload)
					}
					if err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if msg.terminal != "" {
					for c := range clients {
						c.Close()
					}
					delete(h.clients, msg.operationID)
				} else if len(clients) == 0 {
					delete(h.clients, msg.operationID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to an operation stream.
func (h *Hub) Register(operationID string, client Subscriber) {
	h.register <- subscription{operationID: operationID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(operationID string, client Subscriber) {
	h.unreg <- subscription{operationID: operationID, client: client}
}

// Broadcast sends payload to all operation clients.
func (h *Hub) Broadcast(operationID string, payload []byte) {
	h.broadcast <- message{operationID: operationID, payload: payload}
}

// BroadcastTerminal sends the final frame for an operation and closes its
// subscriptions.
func (h *Hub) BroadcastTerminal(operationID, event string, payload []byte) {
	h.broadcast <- message{operationID: operationID, terminal: event, payload: payload}
}

// HasSubscribers reports whether any client is attached to the operation.
func (h *Hub) HasSubscribers(operationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[operationID]) > 0
}
