// Package api runs the fleet dashboard: a JSON snapshot endpoint and a
// WebSocket stream pushing the fleet state on every printer tick, both
// behind HTTP basic auth.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sonm-fleet/internal/config"
	"sonm-fleet/pkg/types"
)

const broadcastInterval = 60 * time.Second

// SnapshotProvider supplies the current fleet view. The supervisor
// satisfies it.
type SnapshotProvider interface {
	Snapshot() []types.NodeSnapshot
}

// fleetState is the document both the JSON endpoint and the stream carry.
type fleetState struct {
	Nodes     []types.NodeSnapshot `json:"nodes"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Server is the dashboard HTTP/WebSocket server.
type Server struct {
	cfg      config.Dashboard
	provider SnapshotProvider
	hub      *Hub
	mux      *http.ServeMux
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the dashboard server from the dashboard config section.
func NewServer(cfg config.Dashboard, provider SnapshotProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      NewHub(logger),
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "dashboard"),
	}

	s.mux.HandleFunc("/api/fleet", s.requireAuth(s.handleFleet))
	s.mux.HandleFunc("/ws", s.requireAuth(s.handleWebSocket))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("dashboard listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// broadcastLoop pushes the fleet state to every stream client on the same
// cadence as the fleet printer.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast(s.currentState())
		}
	}
}

func (s *Server) currentState() fleetState {
	return fleetState{
		Nodes:     s.provider.Snapshot(),
		UpdatedAt: time.Now().UTC(),
	}
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.currentState()); err != nil {
		s.logger.Error("fleet snapshot encoding failed", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(s.hub, conn)
	client.Send(s.currentState())
}

// requireAuth guards a handler with basic auth. An empty configured
// username leaves the endpoint open.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Username != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || !constEqual(user, s.cfg.Username) || !constEqual(pass, s.cfg.Password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="fleet"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func constEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
