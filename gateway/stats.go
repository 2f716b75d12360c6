package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dungeongate/storage"
)

const (
	defaultHistoryLimit   = 50
	defaultLeaderboardTop = 10
	maxListLimit          = 200
)

type statsResponse struct {
	SubjectID        string `json:"subjectId"`
	DisplayName      string `json:"displayName,omitempty"`
	TotalXP          int64  `json:"totalXp"`
	LifetimeGold     int64  `json:"lifetimeGold"`
	LifetimeSessions int64  `json:"lifetimeSessions"`
	LifetimeWins     int64  `json:"lifetimeWins"`
	DMSessions       int64  `json:"dmSessions"`
	Level            string `json:"level"`
}

func statsJSON(row storage.SubjectStats) statsResponse {
	return statsResponse{
		SubjectID:        row.SubjectID,
		DisplayName:      row.DisplayName,
		TotalXP:          row.TotalXP,
		LifetimeGold:     row.LifetimeGold,
		LifetimeSessions: row.LifetimeSessions,
		LifetimeWins:     row.LifetimeWins,
		DMSessions:       row.DMSessions,
		Level:            row.CurrentLevel,
	}
}

// StatsSubject returns the aggregate projection for one subject.
func (s *Server) StatsSubject(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	row, err := s.store.GetStats(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, storage.ErrStatsNotFound) {
			writeError(w, http.StatusNotFound, "SUBJECT_NOT_FOUND", "no stats recorded for subject")
			return
		}
		s.log.Error("stats read failed", "subject", subjectID, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "stats read failed")
		return
	}
	writeJSON(w, http.StatusOK, statsJSON(row))
}

// StatsHistory returns the most recent reward events for a subject.
func (s *Server) StatsHistory(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	limit := queryLimit(r, defaultHistoryLimit)
	events, err := s.store.RewardHistory(r.Context(), subjectID, limit)
	if err != nil {
		s.log.Error("reward history read failed", "subject", subjectID, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "history read failed")
		return
	}
	type entry struct {
		EventType  string    `json:"eventType"`
		XPAmount   int64     `json:"xpAmount"`
		GoldAmount int64     `json:"goldAmount"`
		SessionRef uint64    `json:"sessionRef,omitempty"`
		Source     string    `json:"source"`
		CreatedAt  time.Time `json:"createdAt"`
	}
	out := make([]entry, 0, len(events))
	for _, ev := range events {
		out = append(out, entry{
			EventType:  ev.EventType,
			XPAmount:   ev.XPAmount,
			GoldAmount: ev.GoldAmount,
			SessionRef: ev.SessionRef,
			Source:     ev.Source,
			CreatedAt:  ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subjectId": subjectID,
		"events":    out,
	})
}

// Leaderboard ranks subjects by a projection column.
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	limit := queryLimit(r, defaultLeaderboardTop)
	rows, err := s.store.Leaderboard(r.Context(), metric, limit)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownMetric) {
			writeError(w, http.StatusBadRequest, "UNKNOWN_METRIC", "metric must be xp, gold, sessions or wins")
			return
		}
		s.log.Error("leaderboard read failed", "metric", metric, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "leaderboard read failed")
		return
	}
	out := make([]statsResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, statsJSON(row))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric":  metric,
		"entries": out,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
