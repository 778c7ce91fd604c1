package api

import (
	"encoding/json"
	"time"

	"github.com/fedwatch/fedwatch/internal/store"
)

// ErrorResp is the standard error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// NotificationReq is the descriptor posted by the serverless relay for one
// object-store event.
type NotificationReq struct {
	EventID     string          `json:"event_id"`
	Bucket      string          `json:"bucket"`
	Key         string          `json:"key"`
	EventName   string          `json:"event_name"`
	EventTime   *time.Time      `json:"event_time,omitempty"`
	Size        *int64          `json:"size,omitempty"`
	ContentType *string         `json:"content_type,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	SecretKey   string          `json:"secret_key"`
}

// IngressResp acknowledges an accepted notification.
type IngressResp struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

type RawEventResp struct {
	EventID     string          `json:"event_id"`
	Bucket      string          `json:"bucket"`
	Key         string          `json:"key"`
	EventName   string          `json:"event_name"`
	EventTime   *time.Time      `json:"event_time"`
	Size        *int64          `json:"size"`
	ContentType *string         `json:"content_type"`
	Metadata    json.RawMessage `json:"metadata"`
	Processed   bool            `json:"processed"`
	CreatedAt   time.Time       `json:"created_at"`
}

type SessionResp struct {
	SessionID   string          `json:"session_id"`
	Bucket      *string         `json:"bucket"`
	Prefix      *string         `json:"prefix"`
	TotalRounds int             `json:"total_rounds"`
	Status      string          `json:"status"`
	Summary     json.RawMessage `json:"summary"`
	StartTime   *time.Time      `json:"start_time"`
	EndTime     *time.Time      `json:"end_time"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type RoundResp struct {
	SessionID          string          `json:"session_id"`
	RoundNumber        int             `json:"round_number"`
	Key                *string         `json:"key"`
	Accuracy           *float64        `json:"accuracy"`
	Loss               *float64        `json:"loss"`
	TotalClients       *int            `json:"total_clients"`
	MaliciousClients   *int            `json:"malicious_clients"`
	DefenseSuccessRate *float64        `json:"defense_success_rate"`
	Payload            json.RawMessage `json:"full_payload"`
	RoundTimestamp     *time.Time      `json:"round_timestamp"`
	CreatedAt          time.Time       `json:"created_at"`
}

type SessionDetailResp struct {
	SessionResp
	Rounds []RoundResp `json:"rounds"`
}

type MetricsResp struct {
	SessionID              string      `json:"session_id"`
	TotalRounds            int         `json:"total_rounds"`
	AccuracyTrend          []float64   `json:"accuracy_trend"`
	LossTrend              []float64   `json:"loss_trend"`
	AvgAccuracy            *float64    `json:"avg_accuracy"`
	AvgLoss                *float64    `json:"avg_loss"`
	FinalAccuracy          *float64    `json:"final_accuracy"`
	FinalLoss              *float64    `json:"final_loss"`
	TotalMaliciousDetected int         `json:"total_malicious_detected"`
	Rounds                 []RoundResp `json:"rounds"`
}

type ContentMetaResp struct {
	EventID     *string   `json:"event_id"`
	Key         string    `json:"key"`
	ContentHash string    `json:"content_hash"`
	StoredAt    time.Time `json:"stored_at"`
}

type ContentResp struct {
	ContentMetaResp
	Content string `json:"content"`
}

type HealthResp struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

func rawEventToResp(ev *store.RawEvent) RawEventResp {
	return RawEventResp{
		EventID:     ev.EventID,
		Bucket:      ev.Bucket,
		Key:         ev.Key,
		EventName:   ev.EventName,
		EventTime:   ev.EventTime,
		Size:        ev.FileSize,
		ContentType: ev.ContentType,
		Metadata:    ev.Metadata,
		Processed:   ev.Processed,
		CreatedAt:   ev.CreatedAt,
	}
}

func sessionToResp(s *store.Session) SessionResp {
	return SessionResp{
		SessionID:   s.SessionID,
		Bucket:      s.Bucket,
		Prefix:      s.Prefix,
		TotalRounds: s.TotalRounds,
		Status:      s.Status,
		Summary:     s.Summary,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func roundToResp(r *store.Round) RoundResp {
	return RoundResp{
		SessionID:          r.SessionID,
		RoundNumber:        r.RoundNumber,
		Key:                r.Key,
		Accuracy:           r.Accuracy,
		Loss:               r.Loss,
		TotalClients:       r.TotalClients,
		MaliciousClients:   r.MaliciousClients,
		DefenseSuccessRate: r.DefenseSuccessRate,
		Payload:            r.Payload,
		RoundTimestamp:     r.RoundTimestamp,
		CreatedAt:          r.CreatedAt,
	}
}

func roundsToResp(rounds []*store.Round) []RoundResp {
	out := make([]RoundResp, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, roundToResp(r))
	}
	return out
}

func contentMetaToResp(c *store.StoredContent) ContentMetaResp {
	return ContentMetaResp{
		EventID:     c.EventID,
		Key:         c.Key,
		ContentHash: c.ContentHash,
		StoredAt:    c.StoredAt,
	}
}
