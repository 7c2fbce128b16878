package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qcforge/qcforge/pkg/types"
)

// handleAddMolecules is POST /api/v1/molecules
func (s *Server) handleAddMolecules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Molecules []*types.Molecule `json:"molecules"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add molecules", len(body.Molecules), s.limits.AddMolecules); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddMolecules(r.Context(), body.Molecules)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetMolecules is POST /api/v1/molecules/bulkGet
func (s *Server) handleGetMolecules(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get molecules", len(body.IDs), s.limits.GetMolecules); err != nil {
		respondError(w, err)
		return
	}
	mols, err := s.store.GetMolecules(r.Context(), body.IDs, body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mols)
}

// handleDeleteMolecules is DELETE /api/v1/molecules. Molecules still
// referenced by records report per-index errors.
func (s *Server) handleDeleteMolecules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("delete molecules", len(body.IDs), s.limits.GetMolecules); err != nil {
		respondError(w, err)
		return
	}
	meta := s.store.DeleteMolecules(r.Context(), body.IDs)
	respondJSON(w, http.StatusOK, meta)
}

// handleAddKeywords is POST /api/v1/keywords
func (s *Server) handleAddKeywords(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keywords []*types.KeywordSet `json:"keywords"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add keywords", len(body.Keywords), s.limits.GetKeywords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddKeywords(r.Context(), body.Keywords)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetKeywords is POST /api/v1/keywords/bulkGet
func (s *Server) handleGetKeywords(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get keywords", len(body.IDs), s.limits.GetKeywords); err != nil {
		respondError(w, err)
		return
	}
	sets, err := s.store.GetKeywords(r.Context(), body.IDs, body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sets)
}

// handleQueryManagers is GET /api/v1/managers?status=active
func (s *Server) handleQueryManagers(w http.ResponseWriter, r *http.Request) {
	var statuses []types.ManagerStatus
	for _, v := range r.URL.Query()["status"] {
		statuses = append(statuses, types.ManagerStatus(v))
	}
	managers, err := s.store.QueryManagers(r.Context(), statuses)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, managers)
}

// handleGetManager is GET /api/v1/managers/{name}
func (s *Server) handleGetManager(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.store.GetManager(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mgr)
}

// handleManagerLog is GET /api/v1/managers/{name}/log?limit=100
func (s *Server) handleManagerLog(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.store.GetManager(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			respondBadRequest(w, err)
			return
		}
	}
	logs, err := s.store.GetManagerLogs(r.Context(), mgr.ID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// handleGetStats is GET /api/v1/stats?limit=10
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil {
			respondBadRequest(w, err)
			return
		}
	}
	stats, err := s.store.GetStats(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleDeleteStats is DELETE /api/v1/stats?before=2026-01-01T00:00:00Z
func (s *Server) handleDeleteStats(w http.ResponseWriter, r *http.Request) {
	before := r.URL.Query().Get("before")
	cutoff, err := time.Parse(time.RFC3339, before)
	if err != nil {
		respondBadRequest(w, err)
		return
	}
	n, err := s.store.DeleteStatsBefore(r.Context(), cutoff)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
