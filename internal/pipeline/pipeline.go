// Package pipeline is the shared normalize → persist → mirror → broadcast
// path fed by both entry points: the ingress gateway (which first fetches
// from object storage) and the session file watcher (which already holds
// local bytes and skips fetch and mirror).
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fedwatch/fedwatch/internal/analytics"
	"github.com/fedwatch/fedwatch/internal/classify"
	"github.com/fedwatch/fedwatch/internal/hub"
	"github.com/fedwatch/fedwatch/internal/store"
)

// Failure kinds. ErrSkipped is benign: the artifact failed classification
// and the caller acknowledges success. Everything else propagates to the
// ingress response so the notifier can decide whether to re-notify.
var (
	ErrSkipped = errors.New("artifact not relevant")
	ErrFetch   = errors.New("fetch failed")
	ErrParse   = errors.New("parse failed")
	ErrPersist = errors.New("persist failed")
)

// Fetcher retrieves raw artifact bytes from object storage.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	ApplyArtifact(ctx context.Context, aw store.ArtifactWrite) error
	MarkProcessed(ctx context.Context, eventID string) error
}

// Mirror writes fetched artifacts into the local session tree.
type Mirror interface {
	Write(rec *classify.Record) (string, error)
}

// Broadcaster pushes a message to live subscribers in a room.
type Broadcaster interface {
	Broadcast(room string, msg any)
}

// Pipeline drives one artifact through the processing stages. Construct
// with explicit dependencies; there are no package-level singletons.
type Pipeline struct {
	Fetcher   Fetcher
	Store     Store
	Mirror    Mirror
	Hub       Broadcaster
	Analytics analytics.EventWriter // nil disables analytics
	Logger    *zap.Logger

	// Now is the clock used for fallback session ids and message
	// timestamps. Nil means time.Now.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// ProcessNotification runs the ingress path for one recorded notification:
// classify, fetch, normalize, persist, mirror, broadcast, mark processed.
// Runs synchronously; the caller's response waits for the outcome.
func (p *Pipeline) ProcessNotification(ctx context.Context, ev *store.RawEvent) error {
	start := p.now()
	art := classify.Classify(ev.Key)

	if !art.Relevant() {
		p.Logger.Info("skipping irrelevant artifact",
			zap.String("event_id", ev.EventID),
			zap.String("key", ev.Key),
		)
		// Benign skip still counts as handled.
		if err := p.Store.MarkProcessed(ctx, ev.EventID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
		p.record(ev.EventID, ev.Key, art, nil, "ingress", "skipped", nil, start)
		return ErrSkipped
	}

	raw, err := p.Fetcher.Fetch(ctx, ev.Bucket, ev.Key)
	if err != nil {
		p.Logger.Error("artifact fetch failed",
			zap.String("event_id", ev.EventID),
			zap.String("key", ev.Key),
			zap.Error(err),
		)
		p.record(ev.EventID, ev.Key, art, nil, "ingress", "fetch_failed", err, start)
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}

	rec, err := classify.Normalize(art, raw, p.now())
	if err != nil {
		p.Logger.Error("artifact parse failed",
			zap.String("event_id", ev.EventID),
			zap.String("key", ev.Key),
			zap.Error(err),
		)
		p.record(ev.EventID, ev.Key, art, nil, "ingress", "parse_failed", err, start)
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	if err := p.persist(ctx, ev.EventID, ev.Bucket, ev.Key, raw, rec); err != nil {
		p.record(ev.EventID, ev.Key, art, rec, "ingress", "persist_failed", err, start)
		return err
	}

	if path, err := p.Mirror.Write(rec); err != nil {
		// The durable write already committed; a mirror failure only
		// degrades the local tree. Logged, not fatal.
		p.Logger.Warn("local mirror write failed",
			zap.String("key", ev.Key),
			zap.Error(err),
		)
	} else {
		p.Logger.Debug("mirrored artifact", zap.String("path", path))
	}

	p.broadcastFetched(ev.Key, rec)

	if err := p.Store.MarkProcessed(ctx, ev.EventID); err != nil {
		p.record(ev.EventID, ev.Key, art, rec, "ingress", "persist_failed", err, start)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	p.record(ev.EventID, ev.Key, art, rec, "ingress", "processed", nil, start)
	p.Logger.Info("artifact processed",
		zap.String("event_id", ev.EventID),
		zap.String("key", ev.Key),
		zap.String("kind", art.Kind.String()),
		zap.String("session_id", rec.SessionID),
		zap.Int("round", rec.Round),
	)
	return nil
}

// ProcessLocalFile runs the watcher path: the artifact is already on disk
// in the canonical layout, so fetch and mirror are skipped and there is no
// raw event to mark. key must be the slash-separated path relative to the
// sessions root, prefixed with "sessions/".
func (p *Pipeline) ProcessLocalFile(ctx context.Context, key string, raw []byte, fsEvent string) error {
	start := p.now()
	art := classify.Classify(key)
	if !art.Relevant() {
		return ErrSkipped
	}

	rec, err := classify.Normalize(art, raw, p.now())
	if err != nil {
		p.Logger.Error("local artifact parse failed",
			zap.String("path", key),
			zap.Error(err),
		)
		p.record("", key, art, nil, "watcher", "parse_failed", err, start)
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	if err := p.persist(ctx, "", "", key, raw, rec); err != nil {
		p.record("", key, art, rec, "watcher", "persist_failed", err, start)
		return err
	}

	p.broadcastWatched(rec, fsEvent)
	p.record("", key, art, rec, "watcher", "processed", nil, start)
	return nil
}

func (p *Pipeline) persist(ctx context.Context, eventID, bucket, key string, raw []byte, rec *classify.Record) error {
	hash := sha256.Sum256(raw)
	aw := store.ArtifactWrite{
		EventID: eventID,
		Bucket:  bucket,
		Key:     key,
		Content: string(raw),
		Hash:    hex.EncodeToString(hash[:]),
		Record:  rec,
	}
	if err := p.Store.ApplyArtifact(ctx, aw); err != nil {
		p.Logger.Error("artifact persist failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// broadcastFetched pushes the fetch-channel message for a processed record.
func (p *Pipeline) broadcastFetched(key string, rec *classify.Record) {
	ts := p.now().UTC().Format(time.RFC3339)
	switch rec.Artifact.Kind {
	case classify.KindRound:
		p.Hub.Broadcast(hub.DefaultRoom, map[string]any{
			"type":      hub.TypeRoundUpdate,
			"source":    "s3",
			"event":     "s3_download",
			"sessionId": rec.SessionID,
			"round":     rec.Round,
			"timestamp": ts,
			"s3_key":    key,
			"data":      rec.Payload,
		})
	case classify.KindSummary:
		p.Hub.Broadcast(hub.DefaultRoom, map[string]any{
			"type":      hub.TypeSummary,
			"source":    "s3",
			"timestamp": ts,
			"data":      rec.Payload,
		})
	case classify.KindSHAP:
		p.Hub.Broadcast(hub.DefaultRoom, map[string]any{
			"type":      hub.TypeSHAPUpdate,
			"source":    "s3",
			"sessionId": rec.SessionID,
			"timestamp": ts,
			"s3_key":    key,
		})
	}
}

// broadcastWatched pushes the watcher-channel message for a processed record.
func (p *Pipeline) broadcastWatched(rec *classify.Record, fsEvent string) {
	ts := p.now().UTC().Format(time.RFC3339)
	switch rec.Artifact.Kind {
	case classify.KindRound:
		p.Hub.Broadcast(hub.DefaultRoom, map[string]any{
			"type":      hub.TypeRoundComplete,
			"event":     fsEvent,
			"sessionId": rec.SessionID,
			"round":     rec.Round,
			"timestamp": ts,
			"data":      rec.Payload,
		})
	case classify.KindSummary:
		p.Hub.Broadcast(hub.DefaultRoom, map[string]any{
			"type":      hub.TypeTrainDone,
			"timestamp": ts,
			"data":      rec.Payload,
		})
	case classify.KindSHAP:
		p.Hub.Broadcast(hub.DefaultRoom, map[string]any{
			"type":      hub.TypeSHAPUpdate,
			"source":    "local",
			"sessionId": rec.SessionID,
			"timestamp": ts,
		})
	}
}

func (p *Pipeline) record(eventID, key string, art classify.Artifact, rec *classify.Record, origin, outcome string, cause error, start time.Time) {
	if p.Analytics == nil {
		return
	}
	e := &analytics.PipelineEvent{
		EventID:   eventID,
		Key:       key,
		Kind:      art.Kind.String(),
		Origin:    origin,
		Outcome:   outcome,
		LatencyMs: float32(p.now().Sub(start)) / float32(time.Millisecond),
		Timestamp: p.now(),
	}
	if rec != nil {
		e.SessionID = rec.SessionID
		e.Round = int32(rec.Round)
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	p.Analytics.Write(e)
}
