package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"spectracam/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Hub fans UI events out to every websocket client. It implements the
// pipeline reporter: events are queued without blocking and dropped when
// the queue is full.
type Hub struct {
	logger   *slog.Logger
	messages chan any
	dropped  atomic.Uint64

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "hub"),
		messages: make(chan any, buffer),
		clients:  make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (h *Hub) Progress(p types.Progress) { h.offer(p) }
func (h *Hub) Frame(f types.FrameEvent)  { h.offer(f) }
func (h *Hub) Error(e types.ErrorEvent)  { h.offer(e) }

// Dropped counts events discarded because the queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) offer(message any) {
	select {
	case h.messages <- message:
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.logger.Warn("ui event dropped", "dropped", n)
		}
	}
}

// Run broadcasts queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.messages:
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			var stale []*websocket.Conn
			h.mu.Lock()
			for conn, writeMu := range h.clients {
				if err := writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			h.mu.Unlock()
			for _, conn := range stale {
				h.remove(conn)
			}
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) *sync.Mutex {
	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()
	return writeMu
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
