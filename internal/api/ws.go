package api

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gridmind/backend/internal/bus"
)

// StreamHub fans one bus channel out to WebSocket clients. A slow client
// is disconnected rather than allowed to stall the broadcast.
type StreamHub struct {
	channel    string
	clients    map[*websocket.Conn]bool
	broadcast  chan bus.Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	unsub      func()
}

// NewStreamHub subscribes to a bus channel and prepares the hub. Call Run
// to start delivery.
func NewStreamHub(events *bus.Bus, channel, allowedOrigin string) *StreamHub {
	hub := &StreamHub{
		channel:    channel,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan bus.Message, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigin),
		},
	}
	recv, unsub := events.Subscribe(channel)
	hub.unsub = unsub
	go func() {
		for msg := range recv {
			select {
			case hub.broadcast <- msg:
			default:
				// Hub queue full; the bus already counts drops upstream.
			}
		}
	}()
	return hub
}

// originChecker admits a single configured origin. An empty configuration
// admits everything; requests without an Origin header (non-browser
// clients) always pass.
func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowed == "" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

// Run delivers broadcasts until ctx is done.
func (h *StreamHub) Run(ctx context.Context) {
	defer h.unsub()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[WS] %s: client connected (total %d)", h.channel, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
			log.Printf("[WS] %s: client disconnected (total %d)", h.channel, h.ClientCount())

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(msg); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Handle upgrades an HTTP request and attaches the client to the hub.
func (h *StreamHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] %s: upgrade failed: %v", h.channel, err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
