package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoomClaw/LoomClaw/internal/bus"
	"github.com/LoomClaw/LoomClaw/internal/config"
)

// webFrame is the JSON frame exchanged with web clients.
type webFrame struct {
	Type      string         `json:"type"` // message, reply, progress
	Text      string         `json:"text,omitempty"`
	Step      string         `json:"step,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
}

// WebChannel serves a WebSocket endpoint. Each client supplies a stable
// session id so reconnects keep their history.
type WebChannel struct {
	BaseChannel
	cfg      config.WebConfig
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn // session id -> live connection
}

// NewWebChannel creates the WebSocket channel.
func NewWebChannel(cfg config.WebConfig, messageBus *bus.MessageBus) *WebChannel {
	return &WebChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
	}
}

func (c *WebChannel) Name() string { return "web" }

// Start registers bus handlers and serves the /ws endpoint.
func (c *WebChannel) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	c.Bus.RegisterOutboundHandler(c.Name(), func(msg *bus.OutboundMessage) {
		c.writeFrame(msg.SessionID, &webFrame{Type: "reply", Text: msg.Text})
	})
	c.Bus.RegisterProgressHandler(c.Name(), func(msg *bus.ProgressMessage) {
		c.writeFrame(msg.SessionID, &webFrame{
			Type:      "progress",
			Step:      msg.Step,
			Iteration: msg.Iteration,
			ToolName:  msg.ToolName,
			Text:      msg.Text,
		})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	c.server = &http.Server{Addr: c.cfg.Listen, Handler: mux}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Web channel server failed", "error", err)
		}
	}()
	slog.Info("Web channel started", "listen", c.cfg.Listen)
	return nil
}

// handleWS upgrades the connection and pumps inbound frames onto the bus.
func (c *WebChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}
	sessionID = "web:" + sessionID

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c.mu.Lock()
	if old, ok := c.conns[sessionID]; ok {
		old.Close()
	}
	c.conns[sessionID] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conns[sessionID] == conn {
			delete(c.conns, sessionID)
		}
		c.mu.Unlock()
		conn.Close()
		// Client went away: abort whatever this session still has in flight.
		c.Bus.CancelSession(sessionID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame webFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "message" {
			continue
		}
		if strings.TrimSpace(frame.Text) == "" {
			continue
		}
		c.Bus.PublishInbound(&bus.InboundMessage{
			Channel:   c.Name(),
			SessionID: sessionID,
			Sender:    sessionID,
			Text:      frame.Text,
		})
	}
}

// writeFrame delivers a frame to the session's live connection, if any.
// Unknown sessions are valid: the frame is dropped.
func (c *WebChannel) writeFrame(sessionID string, frame *webFrame) {
	c.mu.Lock()
	conn := c.conns[sessionID]
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		slog.Debug("Web frame write failed", "session", sessionID, "error", err)
	}
}

// Stop shuts the server down and drops handlers.
func (c *WebChannel) Stop() error {
	c.Bus.UnregisterChannel(c.Name())
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.server.Shutdown(ctx)
	}
	return nil
}
