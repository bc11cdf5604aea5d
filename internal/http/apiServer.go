package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"palaver/internal/api"
	"palaver/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, hub *ws.Hub, addr string) *APIServer {
	wsServer := ws.NewServer(hub)

	mux := http.NewServeMux()

	// REST endpoints
	mux.HandleFunc("POST /api/message", handlers.MessageHandler)
	mux.HandleFunc("GET /api/history", handlers.HistoryHandler)
	mux.HandleFunc("POST /api/group", handlers.GroupHandler)
	mux.HandleFunc("GET /api/groups", handlers.GroupsHandler)
	mux.HandleFunc("GET /api/users", handlers.UsersHandler)
	mux.HandleFunc("GET /api/online", handlers.OnlineHandler)
	mux.HandleFunc("POST /api/push/subscribe", handlers.PushSubscribeHandler)
	mux.HandleFunc("GET /healthz", handlers.HealthHandler)

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
