package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/fedwatch/fedwatch/internal/classify"
)

// Session statuses. There is no automatic failed/stalled transition: a
// session only ever moves active -> completed, on receipt of a summary.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is one training run.
type Session struct {
	ID          int64
	SessionID   string
	Bucket      *string
	Prefix      *string
	TotalRounds int
	Status      string
	Summary     json.RawMessage
	StartTime   *time.Time
	EndTime     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Round is one training round within a session.
type Round struct {
	ID                 int64
	SessionID          string
	RoundNumber        int
	Key                *string
	Accuracy           *float64
	Loss               *float64
	TotalClients       *int
	MaliciousClients   *int
	DefenseSuccessRate *float64
	Payload            json.RawMessage
	RoundTimestamp     *time.Time
	CreatedAt          time.Time
}

// ArtifactWrite is the unit of work for one processed artifact.
type ArtifactWrite struct {
	EventID string // empty for watcher-originated artifacts
	Bucket  string
	Key     string
	Content string
	Hash    string
	Record  *classify.Record
}

// ApplyArtifact persists everything one artifact implies — content blob,
// session aggregate, and round row — in a single transaction. A failure
// partway rolls the whole unit back; earlier artifacts are unaffected.
func (s *Store) ApplyArtifact(ctx context.Context, aw ArtifactWrite) error {
	rec := aw.Record

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ApplyArtifact: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertContent(ctx, tx, aw.EventID, aw.Key, aw.Content, aw.Hash); err != nil {
		return fmt.Errorf("ApplyArtifact: %w", err)
	}

	if err := upsertSession(ctx, tx, aw, rec); err != nil {
		return fmt.Errorf("ApplyArtifact: %w", err)
	}

	if rec.Artifact.Kind == classify.KindRound {
		if err := upsertRound(ctx, tx, aw.Key, rec); err != nil {
			return fmt.Errorf("ApplyArtifact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ApplyArtifact: %w", err)
	}
	return nil
}

// upsertSession creates or advances the session aggregate. total_rounds is
// monotonic: GREATEST in the statement means an out-of-order round 1 after
// round 3 never lowers the counter, and concurrent writers cannot lose an
// update. The status CASE keeps completed terminal.
func upsertSession(ctx context.Context, q dbtx, aw ArtifactWrite, rec *classify.Record) error {
	totalRounds := 0
	status := StatusActive
	var summary any
	var endTime *time.Time

	switch rec.Artifact.Kind {
	case classify.KindRound:
		totalRounds = rec.Round
	case classify.KindSummary:
		totalRounds = rec.TotalRounds
		status = StatusCompleted
		summary = []byte(rec.Payload)
		endTime = rec.EndTime
	}

	var bucket, prefix *string
	if aw.Bucket != "" {
		bucket = &aw.Bucket
	}
	if dir := path.Dir(aw.Key); dir != "." && dir != "/" {
		prefix = &dir
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (session_id, bucket, prefix, total_rounds, status, summary, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			bucket       = COALESCE(EXCLUDED.bucket, sessions.bucket),
			prefix       = COALESCE(EXCLUDED.prefix, sessions.prefix),
			total_rounds = GREATEST(sessions.total_rounds, EXCLUDED.total_rounds),
			status       = CASE WHEN EXCLUDED.status = 'completed'
			                    THEN 'completed' ELSE sessions.status END,
			summary      = COALESCE(EXCLUDED.summary, sessions.summary),
			end_time     = COALESCE(EXCLUDED.end_time, sessions.end_time),
			updated_at   = now()`,
		rec.SessionID, bucket, prefix, totalRounds, status, summary, endTime)
	if err != nil {
		return fmt.Errorf("upsertSession: %w", err)
	}
	return nil
}

// upsertRound writes one round row. Last write for a (session, round) key
// wins; no revision history is kept.
func upsertRound(ctx context.Context, q dbtx, key string, rec *classify.Record) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rounds (session_id, round_number, storage_key, accuracy, loss,
		                    total_clients, malicious_clients, defense_success_rate,
		                    payload, round_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, round_number) DO UPDATE SET
			storage_key          = EXCLUDED.storage_key,
			accuracy             = EXCLUDED.accuracy,
			loss                 = EXCLUDED.loss,
			total_clients        = EXCLUDED.total_clients,
			malicious_clients    = EXCLUDED.malicious_clients,
			defense_success_rate = EXCLUDED.defense_success_rate,
			payload              = EXCLUDED.payload,
			round_timestamp      = EXCLUDED.round_timestamp`,
		rec.SessionID, rec.Round, key, rec.Accuracy, rec.Loss,
		rec.TotalClients, rec.MaliciousClients, rec.DefenseSuccessRate,
		[]byte(rec.Payload), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("upsertRound: %w", err)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, bucket, prefix, total_rounds, status,
		       COALESCE(summary, 'null'::jsonb), start_time, end_time, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.SessionID, &sess.Bucket, &sess.Prefix,
			&sess.TotalRounds, &sess.Status, &sess.Summary,
			&sess.StartTime, &sess.EndTime, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListSessions: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// GetSession returns one session by its external id, or nil if not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, bucket, prefix, total_rounds, status,
		       COALESCE(summary, 'null'::jsonb), start_time, end_time, created_at, updated_at
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&sess.ID, &sess.SessionID, &sess.Bucket, &sess.Prefix,
		&sess.TotalRounds, &sess.Status, &sess.Summary,
		&sess.StartTime, &sess.EndTime, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	return &sess, nil
}

// ListRounds returns a session's rounds ordered by round number.
func (s *Store) ListRounds(ctx context.Context, sessionID string) ([]*Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, round_number, storage_key, accuracy, loss,
		       total_clients, malicious_clients, defense_success_rate,
		       COALESCE(payload, 'null'::jsonb), round_timestamp, created_at
		FROM rounds WHERE session_id = $1 ORDER BY round_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ListRounds: %w", err)
	}
	defer rows.Close()

	var rounds []*Round
	for rows.Next() {
		var r Round
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RoundNumber, &r.Key,
			&r.Accuracy, &r.Loss, &r.TotalClients, &r.MaliciousClients,
			&r.DefenseSuccessRate, &r.Payload, &r.RoundTimestamp, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListRounds: %w", err)
		}
		rounds = append(rounds, &r)
	}
	return rounds, rows.Err()
}

// GetRound returns one round, or nil if not found.
func (s *Store) GetRound(ctx context.Context, sessionID string, roundNumber int) (*Round, error) {
	var r Round
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, round_number, storage_key, accuracy, loss,
		       total_clients, malicious_clients, defense_success_rate,
		       COALESCE(payload, 'null'::jsonb), round_timestamp, created_at
		FROM rounds WHERE session_id = $1 AND round_number = $2`, sessionID, roundNumber,
	).Scan(&r.ID, &r.SessionID, &r.RoundNumber, &r.Key,
		&r.Accuracy, &r.Loss, &r.TotalClients, &r.MaliciousClients,
		&r.DefenseSuccessRate, &r.Payload, &r.RoundTimestamp, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRound: %w", err)
	}
	return &r, nil
}

// SessionMetrics aggregates metric trends over a session's rounds.
type SessionMetrics struct {
	SessionID              string
	TotalRounds            int
	AccuracyTrend          []float64
	LossTrend              []float64
	AvgAccuracy            *float64
	AvgLoss                *float64
	FinalAccuracy          *float64
	FinalLoss              *float64
	TotalMaliciousDetected int
	Rounds                 []*Round
}

// GetSessionMetrics projects the stored rounds into trend aggregates.
// Returns nil when the session has no rounds.
func (s *Store) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	rounds, err := s.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("GetSessionMetrics: %w", err)
	}
	if len(rounds) == 0 {
		return nil, nil
	}

	m := &SessionMetrics{SessionID: sessionID, TotalRounds: len(rounds), Rounds: rounds}
	for _, r := range rounds {
		if r.Accuracy != nil {
			m.AccuracyTrend = append(m.AccuracyTrend, *r.Accuracy)
		}
		if r.Loss != nil {
			m.LossTrend = append(m.LossTrend, *r.Loss)
		}
		if r.MaliciousClients != nil {
			m.TotalMaliciousDetected += *r.MaliciousClients
		}
	}
	if n := len(m.AccuracyTrend); n > 0 {
		avg := sum(m.AccuracyTrend) / float64(n)
		last := m.AccuracyTrend[n-1]
		m.AvgAccuracy, m.FinalAccuracy = &avg, &last
	}
	if n := len(m.LossTrend); n > 0 {
		avg := sum(m.LossTrend) / float64(n)
		last := m.LossTrend[n-1]
		m.AvgLoss, m.FinalLoss = &avg, &last
	}
	return m, nil
}

func sum(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total
}
