package gateway

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dungeongate/chain"
	"dungeongate/gateway/auth"
	"dungeongate/relay"
)

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	callerID, ok := auth.CallerID(r.Context())
	if !ok || callerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity")
		return "", false
	}
	return callerID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return false
	}
	return true
}

// GameRegister queues an on-chain agent registration for the caller.
func (s *Server) GameRegister(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ActionID string `json:"actionId"`
		Wallet   string `json:"wallet"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.service.Register(r.Context(), callerID, req.ActionID, req.Wallet)
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// GameEnter queues a dungeon entry.
func (s *Server) GameEnter(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req relay.EnterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.service.EnterDungeon(r.Context(), callerID, req)
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// GameAction queues a player turn.
func (s *Server) GameAction(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req relay.ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.service.SubmitAction(r.Context(), callerID, req)
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// GameDM queues a DM turn resolution.
func (s *Server) GameDM(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req relay.DMRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.service.SubmitDMResponse(r.Context(), callerID, req)
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// GameAcceptDM queues a DM seat claim.
func (s *Server) GameAcceptDM(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req relay.AcceptDMRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.service.AcceptDM(r.Context(), callerID, req)
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

type sessionResponse struct {
	SessionID    uint64 `json:"sessionId"`
	DungeonID    uint64 `json:"dungeonId"`
	EpochID      uint64 `json:"epochId"`
	State        string `json:"state"`
	DM           string `json:"dm,omitempty"`
	CurrentActor string `json:"currentActor,omitempty"`
	TurnNumber   uint64 `json:"turnNumber"`
	DMEpoch      uint64 `json:"dmEpoch"`
	GoldPool     string `json:"goldPool"`
	MaxGold      string `json:"maxGold"`
	LastActivity uint64 `json:"lastActivity"`
}

// GameSession returns a live ledger snapshot of one session.
func (s *Server) GameSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SESSION_ID", "session id must be numeric")
		return
	}
	info, err := s.ledger.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, chain.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, relay.CodeSessionNotFound, "session does not exist")
			return
		}
		s.log.Error("session read failed", "session", id, "err", err)
		writeError(w, http.StatusBadGateway, "CHAIN_UNAVAILABLE", "ledger read failed")
		return
	}
	resp := sessionResponse{
		SessionID:    id,
		DungeonID:    info.DungeonID,
		EpochID:      info.EpochID,
		State:        info.State.String(),
		TurnNumber:   info.TurnNumber,
		DMEpoch:      info.DMEpoch,
		GoldPool:     bigString(info.GoldPool),
		MaxGold:      bigString(info.MaxGold),
		LastActivity: info.LastActivity,
	}
	if info.DM != nil {
		resp.DM = info.DM.Hex()
	}
	if info.CurrentActor != nil {
		resp.CurrentActor = info.CurrentActor.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GameEpoch returns the current epoch snapshot.
func (s *Server) GameEpoch(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.GetEpoch(r.Context())
	if err != nil {
		s.log.Error("epoch read failed", "err", err)
		writeError(w, http.StatusBadGateway, "CHAIN_UNAVAILABLE", "ledger read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epochId":        info.CurrentEpoch,
		"state":          info.State.String(),
		"graceStart":     info.GraceStart,
		"sessionCount":   info.SessionCount,
		"activeSessions": info.ActiveSessions,
	})
}

// TxStatus returns one queue entry by id.
func (s *Server) TxStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ENTRY_ID", "entry id must be numeric")
		return
	}
	status, err := s.service.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "ENTRY_NOT_FOUND", "no queue entry with that id")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TxQuery looks up a queue entry by caller and action id. The caller defaults
// to the authenticated identity.
func (s *Server) TxQuery(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}
	if c := r.URL.Query().Get("caller"); c != "" {
		callerID = c
	}
	actionID := r.URL.Query().Get("actionId")
	if actionID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ACTION_ID", "actionId query parameter is required")
		return
	}
	status, err := s.service.StatusByAction(r.Context(), callerID, actionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ENTRY_NOT_FOUND", "no queue entry for that action")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
