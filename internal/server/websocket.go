package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/kubebox/internal/sandbox"
)

// The default origin check applies; the session cookie is the credential.
var upgrader = websocket.Upgrader{}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Message types sent on the console.
const (
	wsReady  = "ready"
	wsOutput = "output"
	wsError  = "error"
	wsClosed = "closed"
)

// handleConsole serves an interactive console. Each text frame from the
// client is one command; each reply is an output or error frame.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	if _, err := s.manager.Status(r.Context(), id); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			s.binder.Clear(w)
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Upgrade to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	c, ctx := s.consoles.Open(r.Context(), id)
	defer s.consoles.Close(c)

	// unblock ReadMessage when the console is closed from outside
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger := s.logger.With(slog.String("sandbox", id))
	logger.Info("console opened")
	defer logger.Info("console closed")

	s.wsWriteJSON(conn, wsOutgoing{Type: wsReady, Content: id})

	// Read loop
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.wsWriteJSON(conn, wsOutgoing{Type: wsError, Content: "commands must be text frames"})
			continue
		}

		command := strings.TrimSpace(string(data))
		if command == "" {
			continue
		}

		out, err := s.manager.Execute(ctx, id, command)
		if err != nil {
			if errors.Is(err, sandbox.ErrNotFound) {
				s.wsWriteJSON(conn, wsOutgoing{Type: wsClosed, Content: err.Error()})
				return
			}
			s.wsWriteJSON(conn, wsOutgoing{Type: wsError, Content: err.Error()})
			continue
		}
		s.wsWriteJSON(conn, wsOutgoing{Type: wsOutput, Content: out})
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
