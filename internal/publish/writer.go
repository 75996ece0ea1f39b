// Package publish persists the generated document to its single output path.
package publish

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrWriteFailure wraps any failure to persist the output file.
var ErrWriteFailure = errors.New("write failure")

// Writer overwrites one output file atomically: the document lands in a temp
// file in the target directory, is synced, then renamed over the destination.
// A failed write never corrupts or removes a previously published file.
type Writer struct {
	path string
}

// NewWriter creates a Writer for the given output path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the destination path.
func (w *Writer) Path() string {
	return w.path
}

// Write persists data. Errors wrap ErrWriteFailure.
func (w *Writer) Write(data []byte) error {
	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrWriteFailure, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", ErrWriteFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync temp file: %v", ErrWriteFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrWriteFailure, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod temp file: %v", ErrWriteFailure, err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename into place: %v", ErrWriteFailure, err)
	}
	return nil
}
