package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qcforge/qcforge/pkg/compress"
	"github.com/qcforge/qcforge/pkg/metrics"
	"github.com/qcforge/qcforge/pkg/types"
)

// handleActivate is POST /compute/v1/managers
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body types.ActivateBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	mgr, err := s.store.ActivateManager(r.Context(), &body)
	if err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info().Str("manager", mgr.Name).Msg("Manager activated")
	respondJSON(w, http.StatusOK, mgr)
}

// handleHeartbeat is PATCH /compute/v1/managers/{name}. A heartbeat
// carrying status inactive is a clean shutdown: the manager is
// deactivated and its tasks returned to the queue.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body types.HeartbeatBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}

	if body.Status == types.ManagerStatusInactive {
		if _, err := s.store.DeactivateManagers(r.Context(), []string{name}); err != nil {
			respondError(w, err)
			return
		}
		s.logger.Info().Str("manager", name).Msg("Manager deactivated")
		respondJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
		return
	}

	if err := s.store.Heartbeat(r.Context(), name, &body); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// handleClaim is POST /compute/v1/tasks/claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body types.ClaimBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}

	limit := body.Limit
	if max := s.limits.ManagerTasks; max > 0 && (limit <= 0 || limit > max) {
		limit = max
	}

	tasks, err := s.store.ClaimTasks(r.Context(), body.NameData.FullName(), body.Programs, body.Tags, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	metrics.TasksClaimed.Add(float64(len(tasks)))
	respondJSON(w, http.StatusOK, tasks)
}

// handleReturn is POST /compute/v1/tasks/return. Results arrive as
// individually zstd-compressed payloads keyed by task id.
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var body types.ReturnBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("return tasks", len(body.ResultsCompressed), s.limits.ManagerTasks); err != nil {
		respondError(w, err)
		return
	}

	results := make(map[int64]types.ResultEnvelope, len(body.ResultsCompressed))
	for id, blob := range body.ResultsCompressed {
		payload, err := compress.Decompress(blob, types.CompressionZstd)
		if err != nil {
			respondBadRequest(w, fmt.Errorf("decompress result for task %d: %w", id, err))
			return
		}
		var env types.ResultEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			respondBadRequest(w, fmt.Errorf("decode result for task %d: %w", id, err))
			return
		}
		results[id] = env
	}

	meta, err := s.store.ReturnTasks(r.Context(), body.NameData.FullName(), results)
	if err != nil {
		respondError(w, err)
		return
	}
	metrics.TasksReturned.WithLabelValues("accepted").Add(float64(meta.NAccepted()))
	metrics.TasksReturned.WithLabelValues("rejected").Add(float64(meta.NRejected()))
	respondJSON(w, http.StatusOK, meta)
}
