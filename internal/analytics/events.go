package analytics

import "time"

// PipelineEvent is one processed-artifact outcome written to analytics
// storage. Fire-and-forget: recording never affects the ingress response.
type PipelineEvent struct {
	EventID   string
	Key       string
	Kind      string // round, summary, shap, irrelevant
	SessionID string
	Round     int32
	Origin    string // ingress or watcher
	Outcome   string // processed, skipped, fetch_failed, parse_failed, persist_failed
	Error     string
	LatencyMs float32
	Timestamp time.Time
}

// EventWriter accepts pipeline events for asynchronous persistence.
type EventWriter interface {
	Write(event *PipelineEvent)
	Close()
}
