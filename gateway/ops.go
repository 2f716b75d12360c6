package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// OpsUnresolved lists queue entries stuck in flight longer than the given
// age (default one hour), for operators deciding what to reconcile manually.
func (s *Server) OpsUnresolved(w http.ResponseWriter, r *http.Request) {
	age := time.Hour
	if raw := r.URL.Query().Get("olderThan"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_AGE", "olderThan must be a positive duration")
			return
		}
		age = parsed
	}
	entries, err := s.store.UnresolvedEntries(r.Context(), time.Now().UTC().Add(-age), 100)
	if err != nil {
		s.log.Error("unresolved listing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unresolved listing failed")
		return
	}
	type row struct {
		ID        uint64    `json:"id"`
		ActionID  string    `json:"actionId"`
		CallerID  string    `json:"callerId"`
		Status    string    `json:"status"`
		TxRef     string    `json:"txRef,omitempty"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	out := make([]row, 0, len(entries))
	for _, e := range entries {
		out = append(out, row{
			ID:        e.ID,
			ActionID:  e.ActionID,
			CallerID:  e.CallerID,
			Status:    string(e.Status),
			TxRef:     e.TxRef,
			UpdatedAt: e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// OpsReconcile runs a manual receipt reconciliation pass for one submitted
// entry.
func (s *Server) OpsReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ENTRY_ID", "entry id must be numeric")
		return
	}
	outcome, err := s.recon.ReconcileByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, "RECONCILE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"outcome": outcome,
	})
}

// OpsNonceReset forces the allocator to reload the pending nonce on its next
// allocation. Used after a nonce has been corrected outside the relay.
func (s *Server) OpsNonceReset(w http.ResponseWriter, r *http.Request) {
	s.nonces.Reset()
	s.log.Info("nonce allocator reset via ops")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// OpsStatsRebuild refolds a subject's stats projection from the reward log.
func (s *Server) OpsStatsRebuild(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	row, err := s.store.RebuildStats(r.Context(), subjectID)
	if err != nil {
		s.log.Error("stats rebuild failed", "subject", subjectID, "err", err)
		writeError(w, http.StatusInternalServerError, "REBUILD_FAILED", "projection rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, statsJSON(row))
}

// OpsReport exports the queue entries in a time range as CSV and Parquet
// files under the configured report directory.
func (s *Server) OpsReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	if !req.Start.Before(req.End) {
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", "start must precede end")
		return
	}
	report, err := s.service.WriteReport(r.Context(), s.reportDir, req.Start, req.End)
	if err != nil {
		s.log.Error("report export failed", "err", err)
		writeError(w, http.StatusInternalServerError, "REPORT_FAILED", "report export failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
