package api

import (
	"net/http"
	"strconv"

	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

// PortfolioView is the portfolio together with the funding it is measured against
type PortfolioView struct {
	Portfolio *models.Portfolio      `json:"portfolio"`
	Funding   *models.FundingBalance `json:"funding"`
}

// handleGetPortfolio handles GET /api/agents/{agent}/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	agent, ok := pathAddress(w, r, "agent")
	if !ok {
		return
	}

	portfolio, err := s.deps.Portfolios.GetPortfolio(r.Context(), agent)
	if err != nil {
		respondServiceError(w, r, errors.NewDatabaseError("get portfolio", err))
		return
	}
	if portfolio == nil {
		respondServiceError(w, r, errors.NewNotFoundError("portfolio", agent.Hex()))
		return
	}

	funding, err := s.deps.Portfolios.GetFundingBalance(r.Context(), agent)
	if err != nil {
		respondServiceError(w, r, errors.NewDatabaseError("get funding balance", err))
		return
	}
	if funding == nil {
		funding = models.NewFundingBalance(agent)
	}

	respondJSON(w, http.StatusOK, PortfolioView{Portfolio: portfolio, Funding: funding})
}

// handleListPositions handles GET /api/agents/{agent}/positions?active=true
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	agent, ok := pathAddress(w, r, "agent")
	if !ok {
		return
	}

	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "active must be a boolean", nil)
			return
		}
		activeOnly = v
	}

	positions, err := s.deps.Positions.ListPositions(r.Context(), agent, activeOnly)
	if err != nil {
		respondServiceError(w, r, errors.NewDatabaseError("list positions", err))
		return
	}
	if positions == nil {
		positions = []*models.Position{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent":     agent,
		"positions": positions,
		"count":     len(positions),
	})
}

// handleListSnapshots handles GET /api/agents/{agent}/snapshots?from=&to=
// Bounds are unix seconds; to defaults to now.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	agent, ok := pathAddress(w, r, "agent")
	if !ok {
		return
	}

	from, ok := queryInt64(w, r, "from", 0)
	if !ok {
		return
	}
	to, ok := queryInt64(w, r, "to", s.now().Unix())
	if !ok {
		return
	}
	if from > to {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "from must not be after to", nil)
		return
	}

	snapshots, err := s.deps.Snapshots.ListSnapshots(r.Context(), agent, from, to)
	if err != nil {
		respondServiceError(w, r, errors.NewDatabaseError("list snapshots", err))
		return
	}
	if snapshots == nil {
		snapshots = []*models.PortfolioSnapshot{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent":     agent,
		"from":      from,
		"to":        to,
		"snapshots": snapshots,
	})
}

// pathAddress reads a hex address from the route, writing a 400 when malformed
func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid address", map[string]interface{}{
			name: raw,
		})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func queryInt64(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, name+" must be a unix timestamp", nil)
		return 0, false
	}
	return v, true
}
