// Package api exposes the HTTP surface: the ingress webhook for
// object-store notifications, the live WebSocket subscription, and the
// read-only report endpoints over the durable store.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fedwatch/fedwatch/internal/cache"
	"github.com/fedwatch/fedwatch/internal/store"
)

// Storage is the read/write surface the handlers need. *store.Store
// satisfies it.
type Storage interface {
	UpsertRawEvent(ctx context.Context, ev *store.RawEvent) error
	GetRawEvent(ctx context.Context, eventID string) (*store.RawEvent, error)
	ListRawEvents(ctx context.Context, limit int, processed *bool) ([]*store.RawEvent, error)
	GetContentByEvent(ctx context.Context, eventID string) (*store.StoredContent, error)
	ListContents(ctx context.Context, limit, offset int) ([]*store.StoredContent, error)
	ListSessions(ctx context.Context) ([]*store.Session, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	ListRounds(ctx context.Context, sessionID string) ([]*store.Round, error)
	GetRound(ctx context.Context, sessionID string, roundNumber int) (*store.Round, error)
	GetSessionMetrics(ctx context.Context, sessionID string) (*store.SessionMetrics, error)
}

// Processor drives one notification through the pipeline synchronously.
// *pipeline.Pipeline satisfies it.
type Processor interface {
	ProcessNotification(ctx context.Context, ev *store.RawEvent) error
}

// Broadcaster pushes messages to live subscribers. *hub.Hub satisfies it.
type Broadcaster interface {
	Broadcast(room string, msg any)
	Count() int
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store     Storage
	Pipeline  Processor
	Hub       Broadcaster
	Cache     *cache.EventCache // nil when Redis is not configured
	WSHandler http.HandlerFunc
	SecretKey string
	Logger    *zap.Logger
}

// NewRouter builds the HTTP router with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogging(deps.Logger))
	r.Use(corsMiddleware)

	r.Get("/", deps.handleRoot)
	r.Get("/healthz", deps.handleHealth)

	// Ingress webhook (shared-secret auth in the handler)
	r.Post("/webhook/lambda", deps.handleNotification)

	// Live subscription channel
	r.Get("/ws", deps.WSHandler)

	// Report endpoints (no auth — internal dashboard surface)
	r.Route("/api/db", func(r chi.Router) {
		r.Get("/events", deps.handleListEvents)
		r.Get("/sessions", deps.handleListSessions)
		r.Get("/sessions/{session_id}", deps.handleGetSession)
		r.Get("/sessions/{session_id}/rounds/{round_number}", deps.handleGetRound)
		r.Get("/sessions/{session_id}/metrics", deps.handleGetMetrics)
		r.Get("/files", deps.handleListFiles)
		r.Get("/file/{event_id}", deps.handleGetFile)
	})

	// Manual reprocess of a recorded notification
	r.Post("/api/s3/process/{event_id}", deps.handleReprocess)

	return r
}

func (d *Dependencies) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "fedwatch",
		"endpoints": map[string]string{
			"webhook":  "/webhook/lambda",
			"ws":       "/ws",
			"sessions": "/api/db/sessions",
			"events":   "/api/db/events",
			"health":   "/healthz",
		},
	})
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResp{
		Status:      "ok",
		Subscribers: d.Hub.Count(),
	})
}
