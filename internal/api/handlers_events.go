package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/events"
	"github.com/agent-valuator/internal/logging"
)

const (
	maxEventBody         = 4 << 20
	defaultMaxEventBatch = 500
)

// handleEvents handles POST /api/events. The body is one envelope or an ordered array of them.
// A batch stops at the first failing envelope; earlier envelopes stay applied.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidInput, "Request body too large", nil)
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Request body is empty", nil)
		return
	}

	if trimmed[0] != '[' {
		var env events.Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
			return
		}
		result, err := s.deps.Events.Handle(r.Context(), env)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	var batch []events.Envelope
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	limit := s.config.MaxEventBatch
	if limit <= 0 {
		limit = defaultMaxEventBatch
	}
	if len(batch) > limit {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, fmt.Sprintf("Batch exceeds %d events", limit), nil)
		return
	}

	results := make([]*events.Result, 0, len(batch))
	for i, env := range batch {
		result, err := s.deps.Events.Handle(r.Context(), env)
		if err != nil {
			catErr := errors.Categorize(err)
			message := catErr.Message
			if catErr.StatusCode >= http.StatusInternalServerError {
				logging.FromContext(r.Context()).WithError(err).WithField("index", i).Error("Event batch failed")
				message = "An internal error occurred"
			}
			respondError(w, catErr.StatusCode, catErr.Code, message, map[string]interface{}{
				"index":     i,
				"processed": len(results),
			})
			return
		}
		results = append(results, result)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"processed": len(results),
		"results":   results,
	})
}
