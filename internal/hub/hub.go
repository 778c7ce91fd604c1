// Package hub maintains live dashboard subscriber connections grouped by
// room and fans JSON messages out to them. All registry state is owned by
// a single run loop; connect, disconnect, and broadcast-time pruning are
// serialized through its channels, so the room map needs no locking.
package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultRoom receives subscribers that did not name a room.
const DefaultRoom = "default"

// Message type values pushed to subscribers.
const (
	TypeConnected     = "CONNECTED"
	TypeUploadDetect  = "s3_upload_detected"
	TypeRoundComplete = "ROUND_COMPLETE"
	TypeTrainDone     = "TRAINING_COMPLETE"
	TypeRoundUpdate   = "round_update"
	TypeSummary       = "session_summary"
	TypeSHAPUpdate    = "shap_analysis_update"
	TypePong          = "pong"
	TypePing          = "ping"
)

type envelope struct {
	room string
	data []byte
}

// Hub is the broadcast registry. Create with NewHub and start Run before
// connecting subscribers.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcasts chan envelope
	rooms      map[string]map[*Client]bool
	count      atomic.Int64
	logger     *zap.Logger
}

// NewHub creates a Hub. Run must be started for it to make progress.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcasts: make(chan envelope, 256),
		rooms:      make(map[string]map[*Client]bool),
		logger:     logger,
	}
}

// Run owns the room registry until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case env := <-h.broadcasts:
			h.fanOut(env)
		case <-ctx.Done():
			for _, room := range h.rooms {
				for c := range room {
					c.close()
				}
			}
			return
		}
	}
}

// Broadcast delivers a message to every subscriber currently in the room.
// At most one delivery attempt per subscriber; a subscriber that cannot
// receive is pruned. Fire-and-forget: the message is dropped with a warning
// if the hub's queue is full.
func (h *Hub) Broadcast(room string, msg any) {
	if room == "" {
		room = DefaultRoom
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.Error(err))
		return
	}
	select {
	case h.broadcasts <- envelope{room: room, data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("room", room))
	}
}

// Count returns the number of live subscribers across all rooms.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

func (h *Hub) add(c *Client) {
	room := h.rooms[c.room]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[c.room] = room
	}
	room[c] = true
	h.count.Add(1)
	h.logger.Info("subscriber connected",
		zap.String("room", c.room),
		zap.String("subscriber_id", c.id),
		zap.Int("total", h.Count()),
	)

	// Connection ack goes to this subscriber alone.
	ack, _ := json.Marshal(map[string]any{
		"type":      TypeConnected,
		"message":   "Connected to FL event stream",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.trySend(ack)
}

func (h *Hub) remove(c *Client) {
	room, ok := h.rooms[c.room]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.room)
	}
	h.count.Add(-1)
	c.close()
	h.logger.Info("subscriber disconnected",
		zap.String("room", c.room),
		zap.String("subscriber_id", c.id),
		zap.Int("total", h.Count()),
	)
}

func (h *Hub) fanOut(env envelope) {
	for c := range h.rooms[env.room] {
		if !c.trySend(env.data) {
			h.logger.Warn("delivery failed, pruning subscriber",
				zap.String("room", c.room),
				zap.String("subscriber_id", c.id),
			)
			h.remove(c)
		}
	}
}
