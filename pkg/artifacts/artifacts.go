// Package artifacts manages the write-once on-disk artifact tree that sits
// next to the database. Every stage outcome leaves a file here so a human can
// reconstruct any run post-mortem without touching the store.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prodpilot/prodpilot/pkg/models"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Writer lays out files under a single artifacts root:
//
//	<root>/<post_id>/<stage>_<unix_ts>.<ext>
//	<root>/<post_id>/verify_attempt_<n>.json
//	<root>/<post_id>/error_logs/<stage>_<unix_ts>.json
//	<root>/abort_<run_id>.json
//
// All files are created with O_EXCL; an existing path is an error, never an
// overwrite.
type Writer struct {
	root string
	now  func() time.Time
}

// NewWriter creates a Writer rooted at root, creating the directory if needed.
func NewWriter(root string) (*Writer, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create artifacts root %s: %w", root, err)
	}
	return &Writer{root: root, now: time.Now}, nil
}

// NewWriterWithClock is NewWriter with an injected clock, for tests.
func NewWriterWithClock(root string, now func() time.Time) (*Writer, error) {
	w, err := NewWriter(root)
	if err != nil {
		return nil, err
	}
	w.now = now
	return w, nil
}

// Root returns the artifacts root directory.
func (w *Writer) Root() string {
	return w.root
}

// WriteJSON persists a structured stage output as pretty-printed JSON and
// returns the created path.
func (w *Writer) WriteJSON(postID string, stage models.Stage, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s artifact: %w", stage, err)
	}
	return w.writeStampedFile(postID, string(stage), "json", data)
}

// WriteMarkdown persists generated content.
func (w *Writer) WriteMarkdown(postID string, stage models.Stage, text string) (string, error) {
	return w.writeStampedFile(postID, string(stage), "md", []byte(text))
}

// WriteText persists plain-text stage output, such as listing copy.
func (w *Writer) WriteText(postID string, stage models.Stage, text string) (string, error) {
	return w.writeStampedFile(postID, string(stage), "txt", []byte(text))
}

// WriteVerifyAttempt persists one verification verdict. Attempts are numbered
// from 1 so regeneration history reads naturally on disk. When a post is
// reprocessed in a later run the plain name already exists; the verdict then
// gets a timestamp suffix instead of violating write-once.
func (w *Writer) WriteVerifyAttempt(postID string, attempt int, verdict any) (string, error) {
	data, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal verify artifact: %w", err)
	}
	path, err := w.writeStageFile(postID, fmt.Sprintf("verify_attempt_%d.json", attempt), data)
	if err == nil || !errors.Is(err, os.ErrExist) {
		return path, err
	}
	return w.writeStageFile(postID, fmt.Sprintf("verify_attempt_%d_%d.json", attempt, w.now().Unix()), data)
}

// ErrorRecord is the sidecar written when a stage fails. It is for humans and
// is never read back by the pipeline.
type ErrorRecord struct {
	PostID    string `json:"post_id"`
	Stage     string `json:"stage"`
	RunID     string `json:"run_id"`
	Error     string `json:"error"`
	Stack     string `json:"stack,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteError persists an error sidecar under <post_id>/error_logs/ and
// returns the created path.
func (w *Writer) WriteError(postID string, stage models.Stage, rec ErrorRecord) (string, error) {
	rec.PostID = postID
	rec.Stage = string(stage)
	rec.Timestamp = w.now().UTC().Format(time.RFC3339)

	dir := filepath.Join(w.root, postID, "error_logs")
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create error log dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal error artifact: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.json", stage, w.now().Unix()))
	if err := writeOnce(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// AbortRecord captures the state of a run at the moment the cost governor
// refused a call.
type AbortRecord struct {
	RunID          string  `json:"run_id"`
	Reason         string  `json:"reason"`
	TokensSent     int64   `json:"tokens_sent"`
	TokensReceived int64   `json:"tokens_received"`
	RunCost        float64 `json:"run_cost"`
	Timestamp      string  `json:"timestamp"`
}

// WriteAbort persists the run-level abort record at the artifacts root.
func (w *Writer) WriteAbort(rec AbortRecord) (string, error) {
	rec.Timestamp = w.now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal abort artifact: %w", err)
	}
	path := filepath.Join(w.root, fmt.Sprintf("abort_%s.json", rec.RunID))
	if err := writeOnce(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeStampedFile names the file <prefix>_<unix_ts>.<ext>. Regeneration can
// produce two artifacts for the same stage within one second; the timestamp is
// bumped until a free name is found rather than overwriting.
func (w *Writer) writeStampedFile(postID, prefix, ext string, data []byte) (string, error) {
	ts := w.now().Unix()
	for offset := int64(0); offset < 60; offset++ {
		path, err := w.writeStageFile(postID, fmt.Sprintf("%s_%d.%s", prefix, ts+offset, ext), data)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to find free artifact name for %s/%s", postID, prefix)
}

func (w *Writer) writeStageFile(postID, name string, data []byte) (string, error) {
	dir := filepath.Join(w.root, postID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create artifact dir for %s: %w", postID, err)
	}
	path := filepath.Join(dir, name)
	if err := writeOnce(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func writeOnce(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close artifact %s: %w", path, err)
	}
	return nil
}
