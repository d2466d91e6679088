// Package history writes one prompt/response text file per agent loop
// round, scoped by instance ID, grounded on
// original_source/llm_ide_agent.py's _get_history_dir/_save_history_text.
package history

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vsavkov/patchtree/internal/fingerprint"
)

// Writer persists round-by-round prompt and response text under
// OutputPath/InstanceID/<round>_<kind>_<fingerprint>.txt. A zero-value Writer (empty
// OutputPath) is a documented no-op, matching the teacher's
// "history_output_path unset => no history" behavior.
type Writer struct {
	OutputPath string
	InstanceID string

	dir     string
	dirErr  error
	dirOnce bool
}

// New returns a Writer rooted at outputPath, scoped to instanceID (slashes
// replaced with "__" so nested instance IDs don't create subdirectories;
// "" becomes "default").
func New(outputPath, instanceID string) *Writer {
	id := strings.ReplaceAll(instanceID, "/", "__")
	if id == "" {
		id = "default"
	}
	return &Writer{OutputPath: outputPath, InstanceID: id}
}

func (w *Writer) resolveDir() (string, error) {
	if w.OutputPath == "" {
		return "", nil
	}
	if w.dirOnce {
		return w.dir, w.dirErr
	}
	w.dirOnce = true
	dir := filepath.Join(w.OutputPath, w.InstanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.dirErr = err
		return "", err
	}
	w.dir = dir
	return dir, nil
}

// Save writes text to "<round>_<kind>_<fingerprint>.txt" under the writer's
// directory, where fingerprint is a short content hash of text. Naming the
// file after its own content (rather than just round/kind) means a resumed
// run can tell at a glance, from the directory listing alone, whether two
// rounds produced byte-identical prompt or response text without opening
// either file. No-op if OutputPath is unset.
func (w *Writer) Save(round int, kind, text string) error {
	dir, err := w.resolveDir()
	if err != nil {
		return err
	}
	if dir == "" {
		return nil
	}
	name := strconv.Itoa(round) + "_" + kind + "_" + fingerprint.Short(text) + ".txt"
	path := filepath.Join(dir, name)
	return os.WriteFile(path, []byte(text), 0o644)
}

// Clear removes the writer's directory (and everything in it), run once at
// the start of a session so a resumed instance ID starts from a clean
// history (SPEC_FULL.md SUPPLEMENTED FEATURES).
func (w *Writer) Clear() error {
	if w.OutputPath == "" {
		return nil
	}
	dir := filepath.Join(w.OutputPath, w.InstanceID)
	w.dirOnce = false
	return os.RemoveAll(dir)
}

// FormatPromptText renders the saved "prompt" text the way the teacher
// does: the system message's content, then the first user message's
// content, labeled, matching _format_prompt_text.
func FormatPromptText(systemText, userText string) string {
	return strings.TrimSpace("[system text]\n" + systemText + "\n\n[prompt text]\n" + userText)
}

