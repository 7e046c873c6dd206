package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentcrew/logging"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsClientBuffer = 256
)

// wsEnvelope frames hub messages so clients can tell chunks and completions apart.
type wsEnvelope struct {
	Kind       string      `json:"kind"`
	Chunk      *Chunk      `json:"chunk,omitempty"`
	Completion *Completion `json:"completion,omitempty"`
}

type wsClient struct {
	conn       *websocket.Conn
	workflowID string
	send       chan []byte
}

// WebSocketHub pushes events to connected UI clients. Clients may subscribe
// to one workflow with the workflow_id query parameter; without it they
// receive everything. Slow clients lose events rather than block the hub.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// WebSocketHubOptions configures a WebSocketHub.
type WebSocketHubOptions struct {
	Logger      logging.Logger
	CheckOrigin func(r *http.Request) bool
}

// NewWebSocketHub creates an empty hub.
func NewWebSocketHub(optFns ...func(o *WebSocketHubOptions)) *WebSocketHub {
	opts := WebSocketHubOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger:  logging.OrNoOp(opts.Logger),
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream.ws.upgrade_failed", "error", err)
		return
	}
	c := &wsClient{
		conn:       conn,
		workflowID: r.URL.Query().Get("workflow_id"),
		send:       make(chan []byte, wsClientBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("stream.ws.connected", "workflow_id", c.workflowID)

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit implements Sink.
func (h *WebSocketHub) Emit(_ context.Context, chunk Chunk) error {
	return h.broadcast(chunk.WorkflowID, wsEnvelope{Kind: "chunk", Chunk: &chunk})
}

// Complete implements Sink.
func (h *WebSocketHub) Complete(_ context.Context, completion Completion) error {
	return h.broadcast(completion.WorkflowID, wsEnvelope{Kind: "completion", Completion: &completion})
}

func (h *WebSocketHub) broadcast(workflowID string, env wsEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.workflowID != "" && c.workflowID != workflowID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stream.ws.client_slow", "workflow_id", workflowID)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		close(c.send)
	}
}

func (h *WebSocketHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *WebSocketHub) readPump(c *wsClient) {
	defer h.remove(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream.ws.read_failed", "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
