package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/sonda/internal/redact"
)

// Artifacts persists per-run JSON artifacts. Every write is redacted and
// atomic, so a crash mid-run leaves a complete partial record and readers
// never see half a document.
type Artifacts struct {
	dir      string
	redactor *redact.Redactor
}

// NewArtifacts creates the run directory and returns a writer for it.
func NewArtifacts(runDir string, redactor *redact.Redactor) (*Artifacts, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Artifacts{dir: runDir, redactor: redactor}, nil
}

// Dir returns the run directory path.
func (a *Artifacts) Dir() string {
	return a.dir
}

// WriteJSON marshals value, redacts it and writes it under the given
// file name.
func (a *Artifacts) WriteJSON(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return a.writeAtomic(name, append(a.redactor.JSON(data), '\n'))
}

// Screenshot stores step screenshot bytes under screenshots/<stepID>.png.
func (a *Artifacts) Screenshot(stepID string, png []byte) error {
	shotsDir := filepath.Join(a.dir, "screenshots")
	if err := os.MkdirAll(shotsDir, 0o755); err != nil {
		return fmt.Errorf("create screenshots dir: %w", err)
	}
	path := filepath.Join(shotsDir, stepID+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (a *Artifacts) writeAtomic(name string, data []byte) error {
	final := filepath.Join(a.dir, name)
	tmp, err := os.CreateTemp(a.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
