package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lumehub/internal/device"
	"lumehub/internal/event"
)

// serverMessage is the envelope pushed to WebSocket clients.
type serverMessage struct {
	Type  string              `json:"type"`
	State device.DevicesState `json:"state,omitempty"`
}

// clientMessage is the envelope received from WebSocket clients. Exactly
// one action payload is populated per message, selected by Type.
type clientMessage struct {
	Type string `json:"type"`

	// type == "set_state"
	DeviceKey device.DeviceKey          `json:"device_key,omitempty"`
	State     *device.ControllableState `json:"state,omitempty"`

	// type == "activate_scene"
	SceneID    device.SceneID     `json:"scene_id,omitempty"`
	DeviceKeys []device.DeviceKey `json:"device_keys,omitempty"`
	GroupIDs   []device.GroupID   `json:"group_ids,omitempty"`

	// type == "dim"
	Step *float64 `json:"step,omitempty"`

	// type == "eval"
	Expression string `json:"expression,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts state snapshots.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan interface{}

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan interface{}, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client too slow, mark for eviction
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg interface{}) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(1 << 16)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Seed the new client with the current snapshot before it joins the
	// broadcast set.
	if snapshot, err := json.Marshal(serverMessage{Type: "state", State: s.state.Snapshot()}); err == nil {
		client.send <- snapshot
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleClientMessage(data)
	}
}

// handleClientMessage translates one client action into a dispatcher
// event. Malformed messages are logged and dropped; the connection stays
// open.
func (s *Server) handleClientMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("ws client message malformed", "err", err)
		return
	}

	switch msg.Type {
	case "set_state":
		if msg.State == nil {
			s.logger.Warn("ws set_state without state")
			return
		}
		d, ok := s.state.Snapshot()[msg.DeviceKey]
		if !ok || d.IsSensor() {
			s.logger.Warn("ws set_state for unknown or sensor device", "device", msg.DeviceKey)
			return
		}
		s.sender.Send(event.SetExpectedState{Device: d.WithControllableState(*msg.State)})

	case "activate_scene":
		s.sender.Send(event.ActivateScene{Descriptor: event.SceneDescriptor{
			SceneID:    msg.SceneID,
			DeviceKeys: msg.DeviceKeys,
			GroupIDs:   msg.GroupIDs,
		}})

	case "dim":
		s.sender.Send(event.Dim{DeviceKeys: msg.DeviceKeys, GroupIDs: msg.GroupIDs, Step: msg.Step})

	case "eval":
		s.sender.Send(event.EvalExpr{Expression: msg.Expression})

	default:
		s.logger.Warn("ws client message with unknown type", "type", msg.Type)
	}
}
