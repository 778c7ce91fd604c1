// Package mirror writes fetched artifacts into the same local directory
// layout the session watcher observes, so consumers of either channel see
// one consistent tree.
package mirror

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fedwatch/fedwatch/internal/classify"
)

// Writer places artifacts under a sessions root:
//
//	<root>/<session-id>/rounds/round_NNN.json
//	<root>/<session-id>/summary.json
//	<root>/<session-id>/shap_analysis.csv
type Writer struct {
	root string
}

// NewWriter creates a Writer rooted at the given sessions directory.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Path returns where a record lands in the local tree.
func (w *Writer) Path(rec *classify.Record) string {
	switch rec.Artifact.Kind {
	case classify.KindRound:
		return filepath.Join(w.root, rec.SessionID, "rounds", fmt.Sprintf("round_%03d.json", rec.Round))
	case classify.KindSummary:
		return filepath.Join(w.root, rec.SessionID, "summary.json")
	case classify.KindSHAP:
		return filepath.Join(w.root, rec.SessionID, "shap_analysis.csv")
	}
	return ""
}

// Write stores the record's content at its canonical path. The write goes
// through a temp file and rename, so the watcher never observes a file with
// partial content from this writer.
func (w *Writer) Write(rec *classify.Record) (string, error) {
	dst := w.Path(rec)
	if dst == "" {
		return "", fmt.Errorf("mirror.Write: no local path for %s artifact", rec.Artifact.Kind)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mirror.Write: %w", err)
	}

	var data []byte
	if rec.Artifact.Kind == classify.KindSHAP {
		data = []byte(rec.Text)
	} else {
		data = []byte(rec.Payload)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".mirror-*")
	if err != nil {
		return "", fmt.Errorf("mirror.Write: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror.Write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror.Write: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror.Write: %w", err)
	}
	return dst, nil
}
