package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fedwatch/fedwatch/internal/hub"
	"github.com/fedwatch/fedwatch/internal/pipeline"
	"github.com/fedwatch/fedwatch/internal/store"
)

const testSecret = "test-secret"

// --- Fakes ---

type fakeStorage struct {
	upserted  []*store.RawEvent
	events    map[string]*store.RawEvent
	sessions  map[string]*store.Session
	rounds    map[string][]*store.Round
	contents  map[string]*store.StoredContent
	upsertErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		events:   map[string]*store.RawEvent{},
		sessions: map[string]*store.Session{},
		rounds:   map[string][]*store.Round{},
		contents: map[string]*store.StoredContent{},
	}
}

func (f *fakeStorage) UpsertRawEvent(_ context.Context, ev *store.RawEvent) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, ev)
	f.events[ev.EventID] = ev
	return nil
}

func (f *fakeStorage) GetRawEvent(_ context.Context, eventID string) (*store.RawEvent, error) {
	return f.events[eventID], nil
}

func (f *fakeStorage) ListRawEvents(_ context.Context, limit int, processed *bool) ([]*store.RawEvent, error) {
	var out []*store.RawEvent
	for _, ev := range f.events {
		if processed != nil && ev.Processed != *processed {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) GetContentByEvent(_ context.Context, eventID string) (*store.StoredContent, error) {
	return f.contents[eventID], nil
}

func (f *fakeStorage) ListContents(_ context.Context, limit, _ int) ([]*store.StoredContent, error) {
	var out []*store.StoredContent
	for _, c := range f.contents {
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) ListSessions(_ context.Context) ([]*store.Session, error) {
	var out []*store.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStorage) GetSession(_ context.Context, sessionID string) (*store.Session, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeStorage) ListRounds(_ context.Context, sessionID string) ([]*store.Round, error) {
	return f.rounds[sessionID], nil
}

func (f *fakeStorage) GetRound(_ context.Context, sessionID string, roundNumber int) (*store.Round, error) {
	for _, r := range f.rounds[sessionID] {
		if r.RoundNumber == roundNumber {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) GetSessionMetrics(_ context.Context, sessionID string) (*store.SessionMetrics, error) {
	rounds := f.rounds[sessionID]
	if len(rounds) == 0 {
		return nil, nil
	}
	return &store.SessionMetrics{SessionID: sessionID, TotalRounds: len(rounds), Rounds: rounds}, nil
}

type fakePipeline struct {
	processed []*store.RawEvent
	err       error
}

func (f *fakePipeline) ProcessNotification(_ context.Context, ev *store.RawEvent) error {
	f.processed = append(f.processed, ev)
	return f.err
}

type fakeHub struct {
	msgs []any
}

func (f *fakeHub) Broadcast(_ string, msg any) { f.msgs = append(f.msgs, msg) }
func (f *fakeHub) Count() int                  { return 2 }

func newTestRouter(st *fakeStorage, pl *fakePipeline, h *fakeHub) http.Handler {
	return NewRouter(&Dependencies{
		Store:     st,
		Pipeline:  pl,
		Hub:       h,
		WSHandler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
		SecretKey: testSecret,
		Logger:    zap.NewNop(),
	})
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func notification(secret string) map[string]any {
	return map[string]any{
		"event_id":   "e1",
		"bucket":     "b",
		"key":        "sessions/S1/rounds/round_001.json",
		"event_name": "ObjectCreated",
		"event_time": "2025-01-01T00:00:00Z",
		"secret_key": secret,
	}
}

// --- Webhook ---

func TestWebhookAcceptsValidNotification(t *testing.T) {
	st, pl, h := newFakeStorage(), &fakePipeline{}, &fakeHub{}
	router := newTestRouter(st, pl, h)

	rr := postJSON(t, router, "/webhook/lambda", notification(testSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp IngressResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "success" || resp.EventID != "e1" {
		t.Errorf("resp = %+v", resp)
	}
	if len(st.upserted) != 1 || st.upserted[0].EventID != "e1" {
		t.Errorf("upserted = %+v", st.upserted)
	}
	if len(pl.processed) != 1 {
		t.Fatalf("pipeline calls = %d", len(pl.processed))
	}
	if len(h.msgs) != 1 {
		t.Fatalf("broadcasts = %d", len(h.msgs))
	}
	msg := h.msgs[0].(map[string]any)
	if msg["type"] != "s3_upload_detected" || msg["event_id"] != "e1" {
		t.Errorf("broadcast = %+v", msg)
	}
}

func TestWebhookWrongSecretHasNoSideEffects(t *testing.T) {
	st, pl, h := newFakeStorage(), &fakePipeline{}, &fakeHub{}
	router := newTestRouter(st, pl, h)

	rr := postJSON(t, router, "/webhook/lambda", notification("wrong"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(st.upserted) != 0 {
		t.Error("event recorded despite bad secret")
	}
	if len(pl.processed) != 0 {
		t.Error("pipeline ran despite bad secret")
	}
	if len(h.msgs) != 0 {
		t.Error("broadcast sent despite bad secret")
	}
}

func TestWebhookSkippedArtifactStillSucceeds(t *testing.T) {
	st, h := newFakeStorage(), &fakeHub{}
	pl := &fakePipeline{err: pipeline.ErrSkipped}
	router := newTestRouter(st, pl, h)

	rr := postJSON(t, router, "/webhook/lambda", notification(testSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp IngressResp
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Status != "success" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWebhookPipelineFailureSurfaces(t *testing.T) {
	st, h := newFakeStorage(), &fakeHub{}
	pl := &fakePipeline{err: pipeline.ErrFetch}
	router := newTestRouter(st, pl, h)

	rr := postJSON(t, router, "/webhook/lambda", notification(testSecret))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp ErrorResp
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Detail == "" {
		t.Error("error detail missing")
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/lambda", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookRequiresDescriptorFields(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	rr := postJSON(t, router, "/webhook/lambda", map[string]any{
		"event_id":   "e1",
		"secret_key": testSecret,
	})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

// --- Reprocess ---

func TestReprocessUnknownEvent(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	rr := postJSON(t, router, "/api/s3/process/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReprocessKnownEvent(t *testing.T) {
	st, pl, h := newFakeStorage(), &fakePipeline{}, &fakeHub{}
	st.events["e9"] = &store.RawEvent{
		EventID: "e9",
		Bucket:  "b",
		Key:     "sessions/S1/summary.json",
	}
	router := newTestRouter(st, pl, h)

	rr := postJSON(t, router, "/api/s3/process/e9", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(pl.processed) != 1 || pl.processed[0].EventID != "e9" {
		t.Errorf("pipeline calls = %+v", pl.processed)
	}
	// Reprocess is not a fresh upload: no announcement broadcast.
	if len(h.msgs) != 0 {
		t.Errorf("broadcasts = %d", len(h.msgs))
	}
}

// --- Reports ---

func TestGetSessionWithRounds(t *testing.T) {
	st := newFakeStorage()
	acc := 0.95
	st.sessions["S1"] = &store.Session{SessionID: "S1", TotalRounds: 1, Status: "active"}
	st.rounds["S1"] = []*store.Round{{SessionID: "S1", RoundNumber: 1, Accuracy: &acc}}
	router := newTestRouter(st, &fakePipeline{}, &fakeHub{})

	rr := get(router, "/api/db/sessions/S1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp SessionDetailResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SessionID != "S1" || len(resp.Rounds) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Rounds[0].Accuracy == nil || *resp.Rounds[0].Accuracy != 0.95 {
		t.Errorf("accuracy = %v", resp.Rounds[0].Accuracy)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	rr := get(router, "/api/db/sessions/missing")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGetRoundBadNumber(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	rr := get(router, "/api/db/sessions/S1/rounds/abc")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGetFileByEvent(t *testing.T) {
	st := newFakeStorage()
	eid := "e1"
	st.contents["e1"] = &store.StoredContent{
		EventID:     &eid,
		Key:         "sessions/S1/rounds/round_001.json",
		Content:     `{"x":1}`,
		ContentHash: "abc",
		StoredAt:    time.Now(),
	}
	router := newTestRouter(st, &fakePipeline{}, &fakeHub{})

	rr := get(router, "/api/db/file/e1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp ContentResp
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Content != `{"x":1}` {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestHealthReportsSubscribers(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	rr := get(router, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp HealthResp
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Status != "ok" || resp.Subscribers != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWebSocketConnectsThroughRouter(t *testing.T) {
	// Drives the assembled router, not a bare handler: the upgrade must
	// hijack the connection from inside the logging middleware.
	h := hub.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	router := NewRouter(&Dependencies{
		Store:     newFakeStorage(),
		Pipeline:  &fakePipeline{},
		Hub:       h,
		WSHandler: hub.ServeWS(h, zap.NewNop()),
		SecretKey: testSecret,
		Logger:    zap.NewNop(),
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if msg["type"] != hub.TypeConnected {
		t.Errorf("ack type = %v, want %s", msg["type"], hub.TypeConnected)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(newFakeStorage(), &fakePipeline{}, &fakeHub{})

	req := httptest.NewRequest(http.MethodOptions, "/api/db/sessions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
