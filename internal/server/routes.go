package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Routes returns the router with all application routes.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/rooms/{room}/messages", s.HistoryHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}
