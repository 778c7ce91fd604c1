package mirror

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fedwatch/fedwatch/internal/classify"
)

func TestWriter_RoundLayout(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	rec := &classify.Record{
		Artifact:  classify.Artifact{Kind: classify.KindRound},
		SessionID: "2025-01-01_00-00-00",
		Round:     7,
		Payload:   json.RawMessage(`{"metadata":{"round":7}}`),
		Timestamp: time.Now(),
	}
	got, err := w.Write(rec)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	want := filepath.Join(root, "2025-01-01_00-00-00", "rounds", "round_007.json")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading mirrored file: %v", err)
	}
	if string(data) != `{"metadata":{"round":7}}` {
		t.Errorf("unexpected mirrored content: %s", data)
	}
}

func TestWriter_SummaryAndSHAPLayout(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	summary := &classify.Record{
		Artifact:  classify.Artifact{Kind: classify.KindSummary},
		SessionID: "S1",
		Payload:   json.RawMessage(`{"totalRounds":3}`),
	}
	if _, err := w.Write(summary); err != nil {
		t.Fatalf("Write summary failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "S1", "summary.json")); err != nil {
		t.Errorf("summary.json not at canonical path: %v", err)
	}

	shap := &classify.Record{
		Artifact:  classify.Artifact{Kind: classify.KindSHAP},
		SessionID: "S1",
		Text:      "client,feature,value\nc1,f1,0.2\n",
	}
	if _, err := w.Write(shap); err != nil {
		t.Fatalf("Write shap failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "S1", "shap_analysis.csv"))
	if err != nil {
		t.Fatalf("reading shap csv: %v", err)
	}
	if string(data) != shap.Text {
		t.Errorf("unexpected csv content: %s", data)
	}
}

func TestWriter_OverwriteInPlace(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	rec := &classify.Record{
		Artifact:  classify.Artifact{Kind: classify.KindRound},
		SessionID: "S1",
		Round:     1,
		Payload:   json.RawMessage(`{"v":1}`),
	}
	if _, err := w.Write(rec); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	rec.Payload = json.RawMessage(`{"v":2}`)
	path, err := w.Write(rec)
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"v":2}` {
		t.Errorf("expected overwrite, got %s", data)
	}
}

func TestWriter_PathsMatchWatcherGrammar(t *testing.T) {
	// The writer shares its root with the session watcher, which maps a
	// file back to a "sessions/<rel>" key. Every mirrored path must
	// classify as the same artifact through that grammar, so a
	// re-observed mirror write replays as an idempotent upsert of the
	// same record.
	root := t.TempDir()
	w := NewWriter(root)

	recs := []*classify.Record{
		{Artifact: classify.Artifact{Kind: classify.KindRound}, SessionID: "2025-01-01_00-00-00", Round: 12, Payload: json.RawMessage(`{}`)},
		{Artifact: classify.Artifact{Kind: classify.KindSummary}, SessionID: "2025-01-01_00-00-00", Payload: json.RawMessage(`{}`)},
		{Artifact: classify.Artifact{Kind: classify.KindSHAP}, SessionID: "2025-01-01_00-00-00", Text: "a,b\n"},
	}
	for _, rec := range recs {
		path, err := w.Write(rec)
		if err != nil {
			t.Fatalf("Write %s failed: %v", rec.Artifact.Kind, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			t.Fatalf("Rel: %v", err)
		}
		art := classify.Classify("sessions/" + filepath.ToSlash(rel))
		if art.Kind != rec.Artifact.Kind {
			t.Errorf("%s reclassified as %s", rec.Artifact.Kind, art.Kind)
		}
		if art.SessionID != rec.SessionID {
			t.Errorf("session id %q reclassified as %q", rec.SessionID, art.SessionID)
		}
		if rec.Artifact.Kind == classify.KindRound && art.Round != rec.Round {
			t.Errorf("round %d reclassified as %d", rec.Round, art.Round)
		}
	}
}

func TestWriter_IrrelevantKindRejected(t *testing.T) {
	w := NewWriter(t.TempDir())
	if _, err := w.Write(&classify.Record{Artifact: classify.Artifact{Kind: classify.KindIrrelevant}}); err == nil {
		t.Fatal("expected error for irrelevant artifact")
	}
}
