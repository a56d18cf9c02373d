// FILE: hub.go
// Package main – WebSocket event stream (/ws).
//
// The hub subscribes to the EventBus once and broadcasts each event as a JSON
// text frame to every connected client. A client whose write fails is dropped.
// Clients never send anything meaningful; the read loop only detects close.
package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans events out to websocket clients.
type Hub struct {
	lock    sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// Attach starts broadcasting bus events. Returns cancel.
func (h *Hub) Attach(bus *EventBus) func() {
	return bus.Subscribe(func(ev Event) {
		msg, err := json.Marshal(ev)
		if err != nil {
			return
		}
		h.Broadcast(msg)
	})
}

// Broadcast writes msg to every client.
func (h *Hub) Broadcast(msg []byte) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[WS] upgrade failed")
		return
	}
	h.lock.Lock()
	h.clients[conn] = true
	h.lock.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.lock.Lock()
				delete(h.clients, conn)
				h.lock.Unlock()
				conn.Close()
				return
			}
		}
	}()
}
