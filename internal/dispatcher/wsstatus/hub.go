// Package wsstatus implements an optional read-only live status feed over
// WebSocket, adapted from the project's web control-plane broadcast pattern
// (upgrader + per-client channel + non-blocking fan-out). It has no effect
// on dispatch semantics: it is a monitoring convenience for dashboards
// watching a long unattended batch job, supplementing /status polling.
package wsstatus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LumiOpen/dispatcher/internal/dispatcher/logging"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/queue"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub manages connected dashboard clients and periodically pushes a queue
// snapshot to each.
type Hub struct {
	core *queue.Core
	log  *logging.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Hub that broadcasts core's snapshot every interval.
func New(core *queue.Core, log *logging.Logger, interval time.Duration) *Hub {
	return &Hub{
		core:     core,
		log:      log.WithComponent("wsstatus"),
		clients:  make(map[*websocket.Conn]chan []byte),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the background broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop ends the broadcast loop and closes every connected client.
func (h *Hub) Stop() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		close(ch)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades the connection and registers it for broadcasts
// until the client disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan []byte, 4)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.broadcastSnapshot()
		}
	}
}

// BroadcastNow pushes a snapshot immediately, outside the periodic cadence;
// used as a submit_result hook so dashboards see completions promptly.
func (h *Hub) BroadcastNow() {
	h.broadcastSnapshot()
}

func (h *Hub) broadcastSnapshot() {
	snap := h.core.Snapshot()
	msg, err := json.Marshal(snap)
	if err != nil {
		h.log.Errorf("encode status snapshot: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// slow client; drop this update rather than block dispatch
		}
	}
}
