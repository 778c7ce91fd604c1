package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fedwatch/fedwatch/internal/hub"
	"github.com/fedwatch/fedwatch/internal/pipeline"
	"github.com/fedwatch/fedwatch/internal/store"
)

// handleNotification is the ingress webhook. The secret is checked before
// any side effect; after that the notification is recorded, announced to
// subscribers, and driven through the pipeline synchronously — the relay's
// response waits for persistence, mirroring, and broadcast to complete.
func (d *Dependencies) handleNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.SecretKey), []byte(d.SecretKey)) != 1 {
		d.Logger.Warn("notification rejected: bad secret",
			zap.String("event_id", req.EventID),
		)
		writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid secret key"})
		return
	}

	if req.EventID == "" || req.Bucket == "" || req.Key == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "event_id, bucket and key are required"})
		return
	}

	ev := &store.RawEvent{
		EventID:     req.EventID,
		Bucket:      req.Bucket,
		Key:         req.Key,
		EventName:   req.EventName,
		EventTime:   req.EventTime,
		FileSize:    req.Size,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	}
	if err := d.Store.UpsertRawEvent(r.Context(), ev); err != nil {
		d.Logger.Error("failed to record notification",
			zap.String("event_id", req.EventID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to record event"})
		return
	}

	d.Cache.PutEvent(r.Context(), req.EventID, map[string]any{
		"event_id":   req.EventID,
		"bucket":     req.Bucket,
		"key":        req.Key,
		"event_name": req.EventName,
	})

	// Announce receipt before processing so dashboards see the upload as
	// soon as it is accepted.
	d.Hub.Broadcast(hub.DefaultRoom, map[string]any{
		"type":      hub.TypeUploadDetect,
		"event_id":  req.EventID,
		"bucket":    req.Bucket,
		"key":       req.Key,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	d.runPipeline(w, r, ev)
}

// handleReprocess re-runs the pipeline for an already recorded event, e.g.
// after a transient fetch failure with no retry notification coming.
func (d *Dependencies) handleReprocess(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	ev, err := d.Store.GetRawEvent(r.Context(), eventID)
	if err != nil {
		d.Logger.Error("failed to load event", zap.String("event_id", eventID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to load event"})
		return
	}
	if ev == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found"})
		return
	}

	d.runPipeline(w, r, ev)
}

// runPipeline maps pipeline outcomes onto the ingress response contract:
// a benign skip still acknowledges success, everything else surfaces as an
// error outcome so the notifier can decide whether to re-notify.
func (d *Dependencies) runPipeline(w http.ResponseWriter, r *http.Request, ev *store.RawEvent) {
	err := d.Pipeline.ProcessNotification(r.Context(), ev)
	switch {
	case err == nil, errors.Is(err, pipeline.ErrSkipped):
		writeJSON(w, http.StatusOK, IngressResp{Status: "success", EventID: ev.EventID})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: err.Error()})
	}
}
