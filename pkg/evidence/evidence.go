// Package evidence writes an on-disk record of every supervisor run: one
// file per step and the terminal state.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// RunRecord is the content of run.json.
type RunRecord struct {
	State      supervisor.State `json:"state"`
	Reason     string           `json:"reason"`
	BodyRef    string           `json:"body_ref,omitempty"`
	BodySHA256 string           `json:"body_sha256,omitempty"`
	WrittenAt  time.Time        `json:"written_at"`
}

// StepRecord is the content of steps/NNN-<strategy>.json.
type StepRecord struct {
	supervisor.Step
	DurationMillis int64 `json:"duration_ms"`
}

// Writer writes the evidence bundle for one run.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "steps"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes the terminal state to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStep writes a step record to steps/<index>-<strategy>.json.
func (w *Writer) WriteStep(record StepRecord) error {
	name := fmt.Sprintf("%03d-%s.json", record.Index, record.Strategy.Short())
	return writeJSON(filepath.Join(w.runDir, "steps", name), record)
}

// WriteBlob stores content under blobs/ keyed by its digest and returns
// the path relative to the run directory. Writing the same content twice
// returns the same reference.
func (w *Writer) WriteBlob(kind string, content []byte) (ref, sha string, err error) {
	sum := sha256.Sum256(content)
	sha = hex.EncodeToString(sum[:])
	ref = filepath.ToSlash(filepath.Join("blobs", fmt.Sprintf("%s-%s.txt", sanitizeKind(kind), sha[:16])))

	path := filepath.Join(w.runDir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

func sanitizeKind(kind string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(kind) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "blob"
	}
	return sb.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Recorder is a supervisor observer and persister that keeps one Writer
// per run under a shared base directory.
type Recorder struct {
	baseDir string
	now     func() time.Time

	mu      sync.Mutex
	writers map[string]*Writer
}

// NewRecorder creates a recorder rooted at baseDir.
func NewRecorder(baseDir string) (*Recorder, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create evidence directory: %w", err)
	}
	return &Recorder{baseDir: baseDir, now: time.Now, writers: map[string]*Writer{}}, nil
}

// RunDir returns where a run's evidence lives.
func (r *Recorder) RunDir(runID string) string {
	return filepath.Join(r.baseDir, runID)
}

func (r *Recorder) writer(runID string) (*Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[runID]; ok {
		return w, nil
	}
	w, err := NewWriter(r.baseDir, runID)
	if err != nil {
		return nil, err
	}
	r.writers[runID] = w
	return w, nil
}

// ObserveStep implements supervisor.StepObserver.
func (r *Recorder) ObserveStep(ctx context.Context, step supervisor.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := r.writer(step.RunID)
	if err != nil {
		return err
	}
	return w.WriteStep(StepRecord{Step: step, DurationMillis: step.Duration.Milliseconds()})
}

// Save implements supervisor.Persister. The article body is moved to a
// blob so run.json stays readable.
func (r *Recorder) Save(ctx context.Context, st *supervisor.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := r.writer(st.RunID)
	if err != nil {
		return err
	}

	record := RunRecord{State: st.Snapshot(), Reason: st.Reason(), WrittenAt: r.now().UTC()}
	if a := record.State.Article; a != nil && a.Body != "" {
		ref, sha, err := w.WriteBlob("body", []byte(a.Body))
		if err != nil {
			return fmt.Errorf("write article body: %w", err)
		}
		trimmed := *a
		trimmed.Body = ""
		record.State.Article = &trimmed
		record.BodyRef, record.BodySHA256 = ref, sha
	}
	if err := w.WriteRun(record); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.writers, st.RunID)
	r.mu.Unlock()
	return nil
}
