package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fedwatch/fedwatch/internal/pipeline"
)

type sinkCall struct {
	key     string
	raw     string
	fsEvent string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *fakeSink) ProcessLocalFile(_ context.Context, key string, raw []byte, fsEvent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{key: key, raw: string(raw), fsEvent: fsEvent})
	return s.err
}

func (s *fakeSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func startWatcher(t *testing.T, sink Sink) (string, func()) {
	t.Helper()
	root := t.TempDir()
	w := New(root, 50*time.Millisecond, sink, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	return root, func() {
		cancel()
		w.Wait()
	}
}

func waitCalls(t *testing.T, sink *fakeSink, n int) []sinkCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := sink.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sink calls, got %d", n, len(sink.snapshot()))
	return nil
}

func TestWatcherDeliversRoundFile(t *testing.T) {
	sink := &fakeSink{}
	root, stop := startWatcher(t, sink)
	defer stop()

	dir := filepath.Join(root, "2024-01-15_10-30-00", "rounds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	payload := `{"metadata":{"sessionId":"2024-01-15_10-30-00","round":1}}`
	if err := os.WriteFile(filepath.Join(dir, "round_001.json"), []byte(payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	calls := waitCalls(t, sink, 1)
	got := calls[0]
	if got.key != "sessions/2024-01-15_10-30-00/rounds/round_001.json" {
		t.Errorf("key = %q", got.key)
	}
	if got.raw != payload {
		t.Errorf("raw = %q", got.raw)
	}
	if got.fsEvent != "created" {
		t.Errorf("fsEvent = %q, want created", got.fsEvent)
	}
}

func TestWatcherDebouncesRewrites(t *testing.T) {
	sink := &fakeSink{}
	root, stop := startWatcher(t, sink)
	defer stop()

	dir := filepath.Join(root, "sess-a")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "summary.json")
	// Several writes inside one settle window should settle into a single
	// delivery carrying the final contents.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"status":"completed","pass":5}`), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	calls := waitCalls(t, sink, 1)
	time.Sleep(200 * time.Millisecond)
	calls = sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("got %d deliveries, want 1 after debounce", len(calls))
	}
	if calls[0].raw != `{"status":"completed","pass":5}` {
		t.Errorf("raw = %q", calls[0].raw)
	}
}

func TestWatcherIgnoresIrrelevantFiles(t *testing.T) {
	sink := &fakeSink{}
	root, stop := startWatcher(t, sink)
	defer stop()

	dir := filepath.Join(root, "sess-b", "rounds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "round_002.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	calls := waitCalls(t, sink, 1)
	for _, c := range calls {
		if c.key == "sessions/sess-b/rounds/notes.txt" {
			t.Errorf("irrelevant file delivered: %q", c.key)
		}
	}
}

func TestWatcherSkipErrorNotLogged(t *testing.T) {
	// A sink returning the benign skip error must not disturb delivery of
	// later files.
	sink := &fakeSink{err: pipeline.ErrSkipped}
	root, stop := startWatcher(t, sink)
	defer stop()

	dir := filepath.Join(root, "sess-c")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "shap_analysis.csv"), []byte("feature,value\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitCalls(t, sink, 1)
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	sink := &fakeSink{}
	root, stop := startWatcher(t, sink)
	defer stop()

	// Directory tree created after Start must still be observed.
	dir := filepath.Join(root, "2024-02-01_08-00-00", "rounds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "round_010.json"), []byte(`{"metadata":{"round":10}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	calls := waitCalls(t, sink, 1)
	if calls[0].key != "sessions/2024-02-01_08-00-00/rounds/round_010.json" {
		t.Errorf("key = %q", calls[0].key)
	}
}
