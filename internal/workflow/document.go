package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/maxkimambo/chainbuild/internal/utils"
)

// Encode serialises a workflow document. Tasks and results keep their order.
func Encode(w *Workflow) ([]byte, error) {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses a workflow document, rejecting unknown fields and trailing content.
func Decode(data []byte) (*Workflow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w Workflow
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode workflow: trailing content")
	}
	if w.Results == nil {
		w.Results = []Result{}
	}
	for _, r := range w.Results {
		if !r.Outcome.Valid() {
			return nil, fmt.Errorf("decode workflow: result %s has unknown outcome %q", r.ID, r.Outcome)
		}
	}
	return &w, nil
}

// ReadFile loads and validates a workflow document.
func ReadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := Validate(w.Tasks); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteFile persists w atomically: temp file in the same directory, fsync, rename.
func WriteFile(path string, w *Workflow) error {
	data, err := Encode(w)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}
