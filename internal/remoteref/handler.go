package remoteref

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Handler wraps a Server as an HTTP surface: one
// POST endpoint for the sync RPC plus a HEAD-able health endpoint for
// NetworkSensor's active probe.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler builds a Handler over server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger.With("component", "remoteref")}
}

// Register mounts the reference endpoints on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/sync", h.handleSync).Methods(http.MethodPost)
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodHead, http.MethodGet)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(ErrorBody{Message: "malformed request body"})
		return
	}

	success, conflict, err := h.server.Apply(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case conflict != nil:
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(conflict)
	case err != nil:
		h.logger.Error("apply failed", "entity_id", req.EntityID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ErrorBody{Message: err.Error()})
	default:
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(success)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
