// Package statusapi exposes the minimal external HTTP surface named in
// spec.md §1 and MODULE LAYOUT: /healthz, /snapshot, /events. It is
// grounded on the teacher's internal/api/server.go + handlers.go, adapted
// from the Polymarket dashboard's strategy/risk snapshot to the hub's
// own read-only entity views.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bitmex-hub/internal/config"
	"bitmex-hub/internal/eventbus"
	"bitmex-hub/pkg/types"
)

// Snapshot is the point-in-time view returned by GET /snapshot.
type Snapshot struct {
	Timestamp   time.Time              `json:"timestamp"`
	Instruments []types.Instrument     `json:"instruments"`
	Orders      []types.Order          `json:"orders"`
	Positions   []types.Position       `json:"positions"`
	Wallets     []types.WalletSnapshot `json:"wallets"`
	Transport   string                 `json:"transport_state"`
}

// SnapshotProvider supplies the current state for GET /snapshot, narrowed
// so tests can supply a fake instead of a full hub.
type SnapshotProvider interface {
	Snapshot() Snapshot
}

// Server runs the minimal status HTTP/WebSocket surface.
type Server struct {
	cfg      config.StatusConfig
	provider SnapshotProvider
	hub      *eventbus.Hub
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer wires the /healthz, /snapshot, and /events routes.
func NewServer(cfg config.StatusConfig, provider SnapshotProvider, hub *eventbus.Hub, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "statusapi").Logger()

	mux := http.NewServeMux()
	s := &Server{cfg: cfg, provider: provider, hub: hub, logger: logger}

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/events", s.handleEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the event bus hub and the HTTP server; it blocks until the
// server stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info().Str("addr", s.server.Addr).Msg("status server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode snapshot")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection and attaches it to the event bus,
// sending the current snapshot as the first message so observers don't
// have to wait for the next incremental update.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("events websocket upgrade failed")
		return
	}

	client := eventbus.NewClient(s.hub, conn)

	s.hub.Unicast(client, eventbus.Event{
		Kind:      eventbus.KindUpdate,
		Entity:    "snapshot",
		Snapshot:  s.provider.Snapshot(),
		Timestamp: time.Now(),
	})
}
