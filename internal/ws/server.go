package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"palaver/internal/content"
)

type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections upgrades the request and runs the connection until the
// client goes away. The handshake identifies the connecting principal via
// the userId query parameter; identity is external to this service.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if err := content.ValidateUserID(userID); err != nil {
		http.Error(w, "invalid userId", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: error upgrading connection: %v", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("ws: connection for %s closed: %v", userID, err)
	}
}
