package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RawEvent is one inbound notification from the object-store relay.
type RawEvent struct {
	ID          int64
	EventID     string
	Bucket      string
	Key         string
	EventName   string
	EventTime   *time.Time
	FileSize    *int64
	ContentType *string
	Metadata    json.RawMessage
	Processed   bool
	CreatedAt   time.Time
}

// StoredContent is the raw text of one fetched or watched artifact.
type StoredContent struct {
	ID          int64
	EventID     *string
	Key         string
	Content     string
	ContentHash string
	StoredAt    time.Time
}

// UpsertRawEvent records a notification. A duplicate event id overwrites
// the descriptor fields in place; the processed flag is left untouched so
// a retry notification re-attempts an unprocessed event.
func (s *Store) UpsertRawEvent(ctx context.Context, ev *RawEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events (event_id, bucket, storage_key, event_name, event_time,
		                        file_size, content_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO UPDATE SET
			bucket       = EXCLUDED.bucket,
			storage_key  = EXCLUDED.storage_key,
			event_name   = EXCLUDED.event_name,
			event_time   = EXCLUDED.event_time,
			file_size    = EXCLUDED.file_size,
			content_type = EXCLUDED.content_type,
			metadata     = EXCLUDED.metadata`,
		ev.EventID, ev.Bucket, ev.Key, ev.EventName, ev.EventTime,
		ev.FileSize, ev.ContentType, nullableJSON(ev.Metadata))
	if err != nil {
		return fmt.Errorf("UpsertRawEvent: %w", err)
	}
	return nil
}

// MarkProcessed flips the processed flag for an event. Called once the
// pipeline finishes, on success or benign skip.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_events SET processed = TRUE WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}
	return nil
}

// GetRawEvent returns one event by id, or nil if not found.
func (s *Store) GetRawEvent(ctx context.Context, eventID string) (*RawEvent, error) {
	ev, err := scanRawEvent(s.db.QueryRowContext(ctx, `
		SELECT id, event_id, bucket, storage_key, event_name, event_time,
		       file_size, content_type, COALESCE(metadata, 'null'::jsonb), processed, created_at
		FROM raw_events WHERE event_id = $1`, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRawEvent: %w", err)
	}
	return ev, nil
}

// ListRawEvents returns recent events, newest first. A non-nil processed
// filters by the processed flag.
func (s *Store) ListRawEvents(ctx context.Context, limit int, processed *bool) ([]*RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, bucket, storage_key, event_name, event_time,
		       file_size, content_type, COALESCE(metadata, 'null'::jsonb), processed, created_at
		FROM raw_events
		WHERE ($2::boolean IS NULL OR processed = $2)
		ORDER BY created_at DESC
		LIMIT $1`, limit, processed)
	if err != nil {
		return nil, fmt.Errorf("ListRawEvents: %w", err)
	}
	defer rows.Close()

	var events []*RawEvent
	for rows.Next() {
		var ev RawEvent
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Bucket, &ev.Key, &ev.EventName,
			&ev.EventTime, &ev.FileSize, &ev.ContentType, &ev.Metadata,
			&ev.Processed, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListRawEvents: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// upsertContent writes artifact bytes keyed by event id when present,
// otherwise by storage key (locally-originated artifacts have no event).
func upsertContent(ctx context.Context, q dbtx, eventID, key, content, hash string) error {
	if eventID != "" {
		_, err := q.ExecContext(ctx, `
			INSERT INTO stored_contents (event_id, storage_key, content, content_hash, stored_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO UPDATE SET
				storage_key  = EXCLUDED.storage_key,
				content      = EXCLUDED.content,
				content_hash = EXCLUDED.content_hash,
				stored_at    = now()`,
			eventID, key, content, hash)
		if err != nil {
			return fmt.Errorf("upsertContent: %w", err)
		}
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO stored_contents (event_id, storage_key, content, content_hash, stored_at)
		VALUES (NULL, $1, $2, $3, now())
		ON CONFLICT (storage_key) WHERE event_id IS NULL DO UPDATE SET
			content      = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			stored_at    = now()`,
		key, content, hash)
	if err != nil {
		return fmt.Errorf("upsertContent: %w", err)
	}
	return nil
}

// GetContentByEvent returns stored content for an event id, or nil.
func (s *Store) GetContentByEvent(ctx context.Context, eventID string) (*StoredContent, error) {
	var c StoredContent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, storage_key, content, content_hash, stored_at
		FROM stored_contents WHERE event_id = $1`, eventID,
	).Scan(&c.ID, &c.EventID, &c.Key, &c.Content, &c.ContentHash, &c.StoredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetContentByEvent: %w", err)
	}
	return &c, nil
}

// ListContents returns stored content records (without bodies), newest first.
func (s *Store) ListContents(ctx context.Context, limit, offset int) ([]*StoredContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, storage_key, content_hash, stored_at
		FROM stored_contents
		ORDER BY stored_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ListContents: %w", err)
	}
	defer rows.Close()

	var contents []*StoredContent
	for rows.Next() {
		var c StoredContent
		if err := rows.Scan(&c.ID, &c.EventID, &c.Key, &c.ContentHash, &c.StoredAt); err != nil {
			return nil, fmt.Errorf("ListContents: %w", err)
		}
		contents = append(contents, &c)
	}
	return contents, rows.Err()
}

func scanRawEvent(row *sql.Row) (*RawEvent, error) {
	var ev RawEvent
	err := row.Scan(&ev.ID, &ev.EventID, &ev.Bucket, &ev.Key, &ev.EventName,
		&ev.EventTime, &ev.FileSize, &ev.ContentType, &ev.Metadata,
		&ev.Processed, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// nullableJSON maps empty metadata to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
