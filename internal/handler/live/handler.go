// Package live pushes session snapshots to browser clients over a websocket
// or a server-sent event stream.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/graymar/client/internal/service/session"
	"github.com/zhouzirui/graymar/client/pkg/utils"
)

// Source publishes session snapshots.
type Source interface {
	Snapshot() session.State
	Subscribe(fn func(session.State)) func()
}

// Commands are the inbound websocket commands that need no request body
// beyond their type.
type Commands interface {
	FlushDeferred()
	ClearFault()
}

// Handler serves the live endpoints.
type Handler struct {
	source    Source
	commands  Commands
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// New creates a live handler. commands may be nil to make the websocket
// read-only.
func New(source Source, commands Commands) *Handler {
	return &Handler{
		source:   source,
		commands: commands,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		heartbeat: 15 * time.Second,
	}
}

// RegisterRoutes registers the websocket and SSE routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session/ws", h.handleWebSocket)
	r.Get("/session/events", h.handleEvents)
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// follow subscribes to the source and returns a channel that always holds
// the newest snapshot. Older undelivered snapshots are dropped.
func (h *Handler) follow() (<-chan session.State, func()) {
	updates := make(chan session.State, 1)
	unsubscribe := h.source.Subscribe(func(st session.State) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	return updates, unsubscribe
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new session viewer from %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := h.follow()
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	inbound := make(chan inboundMessage)
	go h.readLoop(ctx, cancel, conn, inbound)

	if !h.write(conn, "snapshot", h.source.Snapshot()) {
		return
	}

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if !h.write(conn, "snapshot", st) {
				return
			}
		case msg := <-inbound:
			h.handleMessage(conn, msg)
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop owns reads; every write happens on the handler goroutine.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbound chan<- inboundMessage) {
	defer cancel()
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleMessage(conn *websocket.Conn, msg inboundMessage) {
	switch msg.Type {
	case "snapshot":
		h.write(conn, "snapshot", h.source.Snapshot())
	case "flush":
		if h.commands == nil {
			h.sendError(conn, "commands disabled")
			return
		}
		h.commands.FlushDeferred()
	case "clearFault":
		if h.commands == nil {
			h.sendError(conn, "commands disabled")
			return
		}
		h.commands.ClearFault()
	default:
		h.sendError(conn, "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) write(conn *websocket.Conn, kind string, data interface{}) bool {
	msg := outgoingMessage{Type: kind, Data: data, Timestamp: time.Now().Unix()}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write %s failed: %v", kind, err)
		return false
	}
	return true
}

func (h *Handler) sendError(conn *websocket.Conn, message string) {
	h.write(conn, "error", map[string]string{"message": message})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	log.Printf("[sse] opening session stream for %s", r.RemoteAddr)

	updates, unsubscribe := h.follow()
	defer unsubscribe()

	if !utils.SendSSEEvent(w, flusher, "snapshot", h.source.Snapshot()) {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing session stream for %s", r.RemoteAddr)
			return
		case st := <-updates:
			if !utils.SendSSEEvent(w, flusher, "snapshot", st) {
				return
			}
		case t := <-ticker.C:
			utils.SendSSEChunk(w, flusher, map[string]any{
				"event": "heartbeat",
				"time":  t.UTC().Format(time.RFC3339),
			})
		}
	}
}
