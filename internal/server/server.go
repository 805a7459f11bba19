// Package server hosts the WebSocket endpoint the bridge extension
// connects to. One extension connection at a time; a new connection
// replaces the old one.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// Inbound message types (extension → daemon).
const (
	TypeContentExtracted    = "CONTENT_EXTRACTED"
	TypeClassifyTab         = "CLASSIFY_TAB"
	TypeGroupTab            = "GROUP_TAB"
	TypeUngroupTab          = "UNGROUP_TAB"
	TypeSettingsUpdated     = "SETTINGS_UPDATED"
	TypeGetProcessingStatus = "GET_PROCESSING_STATUS"
	TypeTestConnection      = "TEST_CONNECTION"
	TypeTabCreated          = "TAB_CREATED"
	TypeTabUpdated          = "TAB_UPDATED"
	TypeTabRemoved          = "TAB_REMOVED"
)

// Outbound push type (daemon → extension).
const TypeProcessingStatus = "PROCESSING_STATUS"

// IncomingMsg is a message from the extension: either a typed event or
// command (Type set) or a reply to a host command (ID set, Type empty).
type IncomingMsg struct {
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Reply fields for host commands.
	ID      string          `json:"id,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Tab     json.RawMessage `json:"tab,omitempty"`
	Tabs    json.RawMessage `json:"tabs,omitempty"`
	Group   json.RawMessage `json:"group,omitempty"`
	Groups  json.RawMessage `json:"groups,omitempty"`
	GroupID int             `json:"groupId,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Failed reports whether a reply carries an explicit failure.
func (m IncomingMsg) Failed() bool {
	return m.Error != "" || (m.OK != nil && !*m.OK)
}

// OutgoingMsg is a message to the extension: either a host command
// (Action + ID) or a typed push/reply (Type, optionally ID).
type OutgoingMsg struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`
	Payload any   `json:"payload,omitempty"`

	// Command parameters.
	TabID     int    `json:"tabId,omitempty"`
	TabIDs    []int  `json:"tabIds,omitempty"`
	GroupID   int    `json:"groupId,omitempty"`
	WindowID  int    `json:"windowId,omitempty"`
	URL       string `json:"url,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	Title     string `json:"title,omitempty"`
	Color     string `json:"color,omitempty"`
	Collapsed *bool  `json:"collapsed,omitempty"`
}

// Server manages the WebSocket connection to the bridge extension.
type Server struct {
	port    int
	msgs    chan IncomingMsg
	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
	onConn  func(connected bool)
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int) *Server {
	return &Server{
		port: port,
		msgs: make(chan IncomingMsg, 64),
	}
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Messages returns the channel of incoming messages from the extension.
func (s *Server) Messages() <-chan IncomingMsg {
	return s.msgs
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// OnConnectionChange registers a callback invoked when the extension
// connects or disconnects. Call before ListenAndServe.
func (s *Server) OnConnectionChange(fn func(connected bool)) {
	s.mu.Lock()
	s.onConn = fn
	s.mu.Unlock()
}

// Send sends a message to the connected extension. Sending with no
// extension connected is a silent no-op.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	slog.Debug("ws send", "action", msg.Action, "type", msg.Type, "id", msg.ID)
	return conn.Write(ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Error("ws accept failed", "error", err)
			return
		}

		conn.SetReadLimit(4 << 20) // full-window tab queries can be large

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			slog.Info("ws connection replaced")
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		onConn := s.onConn
		s.mu.Unlock()

		slog.Info("extension connected", "remote", r.RemoteAddr)
		if onConn != nil {
			onConn(true)
		}

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.connCtx = nil
			}
			s.mu.Unlock()
			conn.CloseNow()
			slog.Info("extension disconnected")
			if onConn != nil {
				onConn(false)
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Error("ws parse failed", "error", err)
				continue
			}
			slog.Debug("ws recv", "type", msg.Type, "id", msg.ID)
			select {
			case s.msgs <- msg:
			default:
				slog.Warn("ws message dropped, buffer full", "type", msg.Type)
			}
		}
	})
}

// ListenAndServe starts the WebSocket server on the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	slog.Info("bridge server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return srv.ListenAndServe()
}
