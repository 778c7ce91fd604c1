package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	var processed *bool
	if v := q.Get("processed"); v != "" {
		b := v == "true" || v == "1"
		processed = &b
	}

	events, err := d.Store.ListRawEvents(r.Context(), limit, processed)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := make([]RawEventResp, 0, len(events))
	for _, ev := range events {
		resp = append(resp, rawEventToResp(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := d.Store.ListSessions(r.Context())
	if err != nil {
		d.Logger.Error("failed to list sessions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list sessions"})
		return
	}

	resp := make([]SessionResp, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionToResp(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	sess, err := d.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("failed to get session", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get session"})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Session not found"})
		return
	}

	rounds, err := d.Store.ListRounds(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("failed to list rounds", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list rounds"})
		return
	}

	writeJSON(w, http.StatusOK, SessionDetailResp{
		SessionResp: sessionToResp(sess),
		Rounds:      roundsToResp(rounds),
	})
}

func (d *Dependencies) handleGetRound(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	roundNumber, err := strconv.Atoi(chi.URLParam(r, "round_number"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "round_number must be an integer"})
		return
	}

	round, err := d.Store.GetRound(r.Context(), sessionID, roundNumber)
	if err != nil {
		d.Logger.Error("failed to get round",
			zap.String("session_id", sessionID),
			zap.Int("round", roundNumber),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get round"})
		return
	}
	if round == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Round not found"})
		return
	}

	writeJSON(w, http.StatusOK, roundToResp(round))
}

func (d *Dependencies) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	metrics, err := d.Store.GetSessionMetrics(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("failed to get metrics", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get metrics"})
		return
	}
	if metrics == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No rounds recorded for session"})
		return
	}

	writeJSON(w, http.StatusOK, MetricsResp{
		SessionID:              metrics.SessionID,
		TotalRounds:            metrics.TotalRounds,
		AccuracyTrend:          metrics.AccuracyTrend,
		LossTrend:              metrics.LossTrend,
		AvgAccuracy:            metrics.AvgAccuracy,
		AvgLoss:                metrics.AvgLoss,
		FinalAccuracy:          metrics.FinalAccuracy,
		FinalLoss:              metrics.FinalLoss,
		TotalMaliciousDetected: metrics.TotalMaliciousDetected,
		Rounds:                 roundsToResp(metrics.Rounds),
	})
}

func (d *Dependencies) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(q, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	contents, err := d.Store.ListContents(r.Context(), limit, offset)
	if err != nil {
		d.Logger.Error("failed to list stored files", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list files"})
		return
	}

	resp := make([]ContentMetaResp, 0, len(contents))
	for _, c := range contents {
		resp = append(resp, contentMetaToResp(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetFile(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	content, err := d.Store.GetContentByEvent(r.Context(), eventID)
	if err != nil {
		d.Logger.Error("failed to get stored file", zap.String("event_id", eventID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get file"})
		return
	}
	if content == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "File not found"})
		return
	}

	writeJSON(w, http.StatusOK, ContentResp{
		ContentMetaResp: contentMetaToResp(content),
		Content:         content.Content,
	})
}
