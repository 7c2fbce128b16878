package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// bulkGetBody selects records by id with an optional projection
type bulkGetBody struct {
	IDs       []int64  `json:"ids"`
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	MissingOK bool     `json:"missing_ok"`
}

func (b bulkGetBody) projection() storage.RecordProjection {
	return storage.RecordProjection{Include: b.Include, Exclude: b.Exclude}
}

type recordIDsBody struct {
	RecordIDs []int64 `json:"record_ids"`
}

// submissionMeta is the shared envelope of a batch submission response
type submissionMeta struct {
	IDs  []int64                `json:"ids"`
	Meta storage.InsertMetadata `json:"meta"`
}

// handleQueryRecords is POST /api/v1/records/query
func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs           []int64              `json:"ids,omitempty"`
		RecordType    []types.RecordType   `json:"record_type,omitempty"`
		Status        []types.RecordStatus `json:"status,omitempty"`
		ManagerName   []string             `json:"manager_name,omitempty"`
		CreatedAfter  *time.Time           `json:"created_after,omitempty"`
		CreatedBefore *time.Time           `json:"created_before,omitempty"`
		Limit         int                  `json:"limit,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	limit := body.Limit
	if max := s.limits.GetRecords; max > 0 && (limit <= 0 || limit > max) {
		limit = max
	}
	records, err := s.store.QueryRecords(r.Context(), storage.RecordFilter{
		IDs:         body.IDs,
		RecordType:  body.RecordType,
		Status:      body.Status,
		ManagerName: body.ManagerName,
		CreatedA:    body.CreatedAfter,
		CreatedB:    body.CreatedBefore,
		Limit:       limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleGetRecords is POST /api/v1/records/bulkGet
func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetRecords(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// recordAction builds the handler for one bulk status transition
func (s *Server) recordAction(what string, fn func(context.Context, []int64) (storage.InsertMetadata, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body recordIDsBody
		if err := decodeBody(r, &body); err != nil {
			respondBadRequest(w, err)
			return
		}
		if err := checkLimit(what+" records", len(body.RecordIDs), s.limits.GetRecords); err != nil {
			respondError(w, err)
			return
		}
		meta, err := fn(r.Context(), body.RecordIDs)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, meta)
	}
}

// handleWaitRecords is POST /api/v1/records/wait. It blocks until the
// given records are terminal or the timeout expires.
func (s *Server) handleWaitRecords(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs            []int64 `json:"ids"`
		TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("wait for records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}

	timeout := 30 * time.Second
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds * float64(time.Second))
	}
	if timeout > 4*time.Minute {
		timeout = 4 * time.Minute
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	statuses, err := s.app.WaitForRecords(ctx, body.IDs)
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if err != nil && !timedOut {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"statuses":  statuses,
		"timed_out": timedOut,
	})
}

// handleAddComment is POST /api/v1/records/{id}/comments
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondBadRequest(w, err)
		return
	}
	var body struct {
		Author string `json:"author,omitempty"`
		Text   string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	comment, err := s.store.AddComment(r.Context(), recordID, body.Author, body.Text)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, comment)
}

// handleModifyTasks is POST /api/v1/tasks/modify. Only waiting tasks
// can change tag or priority.
func (s *Server) handleModifyTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecordIDs []int64         `json:"record_ids"`
		Tag       *string         `json:"compute_tag,omitempty"`
		Priority  *types.Priority `json:"priority,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("modify tasks", len(body.RecordIDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	meta, err := s.store.ModifyTasks(r.Context(), body.RecordIDs, body.Tag, body.Priority)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

// submitBody is the shared tail of every record submission
type submitBody struct {
	Tag      string         `json:"compute_tag,omitempty"`
	Priority types.Priority `json:"priority,omitempty"`
	Owner    string         `json:"owner,omitempty"`
}

// handleAddSinglepoints is POST /api/v1/singlepoints
func (s *Server) handleAddSinglepoints(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Specification types.QCSpecification `json:"specification"`
		Molecules     []storage.MoleculeRef `json:"molecules"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Molecules), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddSinglepoints(r.Context(), body.Specification, body.Molecules, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetSinglepoints is POST /api/v1/singlepoints/bulkGet
func (s *Server) handleGetSinglepoints(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetSinglepoints(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAddOptimizations is POST /api/v1/optimizations
func (s *Server) handleAddOptimizations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Specification types.OptimizationSpecification `json:"specification"`
		Molecules     []storage.MoleculeRef           `json:"molecules"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Molecules), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddOptimizations(r.Context(), body.Specification, body.Molecules, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetOptimizations is POST /api/v1/optimizations/bulkGet
func (s *Server) handleGetOptimizations(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetOptimizations(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAddTorsiondrives is POST /api/v1/torsiondrives
func (s *Server) handleAddTorsiondrives(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []storage.TorsiondriveInput `json:"inputs"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Inputs), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddTorsiondrives(r.Context(), body.Inputs, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetTorsiondrives is POST /api/v1/torsiondrives/bulkGet
func (s *Server) handleGetTorsiondrives(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetTorsiondrives(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAddGridoptimizations is POST /api/v1/gridoptimizations
func (s *Server) handleAddGridoptimizations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []storage.GridoptimizationInput `json:"inputs"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Inputs), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddGridoptimizations(r.Context(), body.Inputs, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetGridoptimizations is POST /api/v1/gridoptimizations/bulkGet
func (s *Server) handleGetGridoptimizations(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetGridoptimizations(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAddReactions is POST /api/v1/reactions
func (s *Server) handleAddReactions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []storage.ReactionInput `json:"inputs"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Inputs), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddReactions(r.Context(), body.Inputs, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetReactions is POST /api/v1/reactions/bulkGet
func (s *Server) handleGetReactions(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetReactions(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAddManybodys is POST /api/v1/manybodys
func (s *Server) handleAddManybodys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []storage.ManybodyInput `json:"inputs"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Inputs), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddManybodys(r.Context(), body.Inputs, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetManybodys is POST /api/v1/manybodys/bulkGet
func (s *Server) handleGetManybodys(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetManybodys(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAddNEBs is POST /api/v1/nebs
func (s *Server) handleAddNEBs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []storage.NEBInput `json:"inputs"`
		submitBody
	}
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("add records", len(body.Inputs), s.limits.AddRecords); err != nil {
		respondError(w, err)
		return
	}
	ids, meta, err := s.store.AddNEBs(r.Context(), body.Inputs, body.Tag, body.Priority, body.Owner)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submissionMeta{IDs: ids, Meta: meta})
}

// handleGetNEBs is POST /api/v1/nebs/bulkGet
func (s *Server) handleGetNEBs(w http.ResponseWriter, r *http.Request) {
	var body bulkGetBody
	if err := decodeBody(r, &body); err != nil {
		respondBadRequest(w, err)
		return
	}
	if err := checkLimit("get records", len(body.IDs), s.limits.GetRecords); err != nil {
		respondError(w, err)
		return
	}
	records, err := s.store.GetNEBs(r.Context(), body.IDs, body.projection(), body.MissingOK)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}
