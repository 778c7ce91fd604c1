package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeConn is an in-memory wsConn. Writes land on the writes channel unless
// failing is set, in which case WriteMessage errors like a dead peer.
type fakeConn struct {
	writes  chan []byte
	failing atomic.Bool
	closed  atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan []byte, 64)}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.failing.Load() {
		return errors.New("connection reset")
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {} // tests do not run readPump
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// connect registers a fake subscriber, starts its write pump, and consumes
// the connection ack.
func connect(t *testing.T, h *Hub, room string) (*Client, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	c := newClient(h, fc, room)
	h.register <- c
	go c.writePump()

	ack := recvMsg(t, fc)
	if ack["type"] != TypeConnected {
		t.Fatalf("expected %s ack, got %v", TypeConnected, ack["type"])
	}
	return c, fc
}

func recvMsg(t *testing.T, fc *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-fc.writes:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid JSON delivered: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func waitCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers, have %d", want, h.Count())
}

func TestHub_ConnectAckGoesToNewSubscriberOnly(t *testing.T) {
	h := startHub(t)
	_, fc1 := connect(t, h, "")
	connect(t, h, "")

	// fc1 must not see fc2's ack.
	select {
	case data := <-fc1.writes:
		t.Fatalf("unexpected extra delivery to first subscriber: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
	waitCount(t, h, 2)
}

func TestHub_BroadcastFanOut(t *testing.T) {
	h := startHub(t)
	_, fc1 := connect(t, h, "")
	_, fc2 := connect(t, h, "")
	_, fc3 := connect(t, h, "")

	h.Broadcast("", map[string]any{"type": TypeRoundUpdate, "round": 1})

	for _, fc := range []*fakeConn{fc1, fc2, fc3} {
		msg := recvMsg(t, fc)
		if msg["type"] != TypeRoundUpdate {
			t.Errorf("expected %s, got %v", TypeRoundUpdate, msg["type"])
		}
	}
}

func TestHub_RoomsAreIsolated(t *testing.T) {
	h := startHub(t)
	_, def := connect(t, h, "")
	_, other := connect(t, h, "ops")

	h.Broadcast("ops", map[string]any{"type": TypeSummary})

	if msg := recvMsg(t, other); msg["type"] != TypeSummary {
		t.Errorf("expected %s in ops room, got %v", TypeSummary, msg["type"])
	}
	select {
	case data := <-def.writes:
		t.Fatalf("default room should not receive ops broadcast, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_FailedDeliveryPrunesSubscriber(t *testing.T) {
	h := startHub(t)
	_, fc1 := connect(t, h, "")
	_, fc2 := connect(t, h, "")
	_, bad := connect(t, h, "")
	bad.failing.Store(true)

	h.Broadcast("", map[string]any{"type": TypeRoundUpdate, "round": 1})

	// The healthy subscribers still receive the in-flight message.
	recvMsg(t, fc1)
	recvMsg(t, fc2)

	// The failed one is removed once its write pump surfaces the error.
	waitCount(t, h, 2)
	if !bad.closed.Load() {
		t.Error("pruned subscriber's connection should be closed")
	}

	h.Broadcast("", map[string]any{"type": TypeRoundUpdate, "round": 2})
	recvMsg(t, fc1)
	recvMsg(t, fc2)
}

func TestHub_WritePumpExitsAfterHubStops(t *testing.T) {
	// No Run loop: nothing receives on unregister, as after shutdown. A
	// failed write must not leave the pump goroutine parked forever.
	h := NewHub(zap.NewNop())
	fc := newFakeConn()
	fc.failing.Store(true)
	c := newClient(h, fc, "")

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		c.writePump()
	}()

	c.send <- []byte(`{"type":"round_update"}`)
	time.Sleep(20 * time.Millisecond)
	c.close()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump still blocked after client close")
	}
}

func TestHub_ExplicitDisconnect(t *testing.T) {
	h := startHub(t)
	c, _ := connect(t, h, "")
	waitCount(t, h, 1)

	h.unregister <- c
	waitCount(t, h, 0)
}
