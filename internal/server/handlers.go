package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// WebSocketHandler upgrades the request and hands the connection to the hub.
// A request without identity still connects; its subscribe is rejected as
// unauthorized.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	user, err := s.auth.Identify(r)
	if err != nil {
		s.log.Warn("identity_unresolved", zap.String("remote", r.RemoteAddr), zap.Error(err))
		user = chat.Identity{}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, s.relay, user, r.RemoteAddr, s.cfg)
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running!")
}

type historyAuthor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type historyMessage struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Author    historyAuthor `json:"author"`
	Room      string        `json:"room"`
	CreatedAt time.Time     `json:"created_at"`
	HTML      string        `json:"html"`
}

type historyResponse struct {
	Room     string           `json:"room"`
	Messages []historyMessage `json:"messages"`
	Online   []string         `json:"online"`
}

// HistoryHandler serves the recent messages of a room, oldest first, for the
// initial page render.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.auth.Identify(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, reasonUnauthorized)
		return
	}

	room := mux.Vars(r)["room"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	limit = chat.ClampLimit(limit, s.cfg.HistoryLimit)

	msgs, err := s.relay.History(r.Context(), room, limit)
	if errors.Is(err, chat.ErrInvalidRoom) {
		writeJSONError(w, http.StatusBadRequest, reasonInvalidRoom)
		return
	}
	if err != nil {
		s.log.Error("history_failed", zap.String("room", room), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "history_unavailable")
		return
	}

	resp := historyResponse{Room: room, Messages: make([]historyMessage, 0, len(msgs))}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		html, err := s.renderer.Render(m, viewer)
		if err != nil {
			s.log.Warn("history_render_failed", zap.String("room", room), zap.String("msg_id", m.ID), zap.Error(err))
		}
		resp.Messages = append(resp.Messages, historyMessage{
			ID:        m.ID,
			Content:   m.Content,
			Author:    historyAuthor{ID: m.Author.ID, Name: m.Author.DisplayName()},
			Room:      m.Room,
			CreatedAt: m.CreatedAt,
			HTML:      html,
		})
	}

	online, err := s.relay.Online(r.Context(), room)
	if err != nil {
		s.log.Warn("presence_lookup_failed", zap.String("room", room), zap.Error(err))
	}
	resp.Online = online
	if resp.Online == nil {
		resp.Online = []string{}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, chat.Envelope{Error: reason})
}
