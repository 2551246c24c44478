package api

import (
	"net/http"
	"strconv"
)

// handleGetPrice handles GET /api/tokens/{address}/price?at=&force=
// Unresolved prices are returned as zero with source "none".
func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	token, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}

	at, ok := queryInt64(w, r, "at", 0)
	if !ok {
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "force must be a boolean", nil)
			return
		}
		force = v
	}

	quote := s.deps.Prices.Resolve(r.Context(), token, at, force)
	respondJSON(w, http.StatusOK, quote)
}
