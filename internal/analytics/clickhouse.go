// Package analytics records pipeline outcomes in ClickHouse for the
// operations dashboard. Events are buffered and batch-inserted off the
// request path; when no DSN is configured a log-backed writer stands in.
package analytics

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
)

// ClickHouseWriter writes pipeline events to ClickHouse asynchronously.
// Write() is non-blocking — events are buffered and batch-inserted in a
// background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *PipelineEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	flushFn func([]*PipelineEvent)
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background
// flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN only sets TLS when ?secure=true is in the DSN; enforce it
	// for hosted ClickHouse endpoints that require it.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *PipelineEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	w.flushFn = w.flush
	go w.flushLoop()
	return w, nil
}

// Write queues a pipeline event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *PipelineEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("analytics buffer full, dropping event",
			zap.String("event_id", event.EventID),
		)
	}
}

// Close signals the flush loop to drain buffered events and waits for it
// to finish. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*PipelineEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flushFn(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushFn(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Write() stops once Close is called, so everything still
			// pending is already in the buffer; drain it without blocking.
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						w.flushFn(batch)
					}
					return
				}
			}
		}
	}
}

func (w *ClickHouseWriter) flush(events []*PipelineEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO pipeline_events (
			event_id, storage_key, kind, session_id, round_number,
			origin, outcome, error, latency_ms, timestamp
		)
	`)
	if err != nil {
		w.logger.Error("analytics prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Key,
			e.Kind,
			e.SessionID,
			e.Round,
			e.Origin,
			e.Outcome,
			e.Error,
			e.LatencyMs,
			e.Timestamp,
		); err != nil {
			w.logger.Error("analytics append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("analytics batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *PipelineEvent) {
	w.logger.Info("pipeline_event",
		zap.String("event_id", event.EventID),
		zap.String("storage_key", event.Key),
		zap.String("kind", event.Kind),
		zap.String("session_id", event.SessionID),
		zap.Int32("round", event.Round),
		zap.String("origin", event.Origin),
		zap.String("outcome", event.Outcome),
		zap.String("error", event.Error),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
