package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Handler serves the board over HTTP.
type Handler struct {
	hub   *Hub
	board SnapshotProvider
}

// NewHandler creates a new board handler
func NewHandler(hub *Hub, board SnapshotProvider) *Handler {
	return &Handler{hub: hub, board: board}
}

// RegisterRoutes registers the board routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/board", h.HandleSnapshot)
	mux.HandleFunc("/ws/board", h.HandleWatch)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}

// HandleSnapshot handles GET /api/board
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.board.Snapshot())
}

// HandleWatch handles GET /ws/board
func (h *Handler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.Upgrade(w, r); err != nil {
		// the upgrader already answered the request
		log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("failed to upgrade websocket connection")
	}
}

// HandleStats handles GET /ws/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"total_connections": h.hub.Count()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
