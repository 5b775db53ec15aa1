package atomicfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// rename is swapped in tests to simulate a crash between write and rename.
var rename = os.Rename

// PersistenceError reports a failed write of an output file.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// WriteFile replaces destPath with data. The destination is either fully
// replaced or left as it was.
func WriteFile(destPath string, data []byte) error {
	return write(destPath, bytes.NewReader(data))
}

// WriteText writes text as UTF-8 without a BOM, terminated by exactly one newline.
func WriteText(destPath string, text string) error {
	return WriteFile(destPath, NormalizeText(text))
}

// WriteJSON writes v as two-space indented JSON followed by a newline.
func WriteJSON(destPath string, v any) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return &PersistenceError{Path: destPath, Op: "encode json", Err: err}
	}
	return WriteFile(destPath, data)
}

// MarshalJSON renders v the way WriteJSON stores it. Map keys come out sorted.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NormalizeText strips a leading BOM and trailing newlines, then appends a single newline.
func NormalizeText(text string) []byte {
	text = strings.TrimPrefix(text, string(utf8BOM))
	text = strings.TrimRight(text, "\r\n")
	return []byte(text + "\n")
}

func write(destPath string, data io.Reader) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Path: destPath, Op: "create dir", Err: err}
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+"-*.tmp")
	if err != nil {
		return &PersistenceError{Path: destPath, Op: "create temp file", Err: err}
	}
	defer func() {
		// no-op once the rename succeeded
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return &PersistenceError{Path: destPath, Op: "copy data", Err: err}
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return &PersistenceError{Path: destPath, Op: "sync temp file", Err: err}
	}

	if err := tmpFile.Close(); err != nil {
		return &PersistenceError{Path: destPath, Op: "close temp file", Err: err}
	}

	if err := os.Chmod(tmpFile.Name(), 0o644); err != nil {
		return &PersistenceError{Path: destPath, Op: "chmod temp file", Err: err}
	}

	if err := rename(tmpFile.Name(), destPath); err != nil {
		return &PersistenceError{Path: destPath, Op: "replace file", Err: err}
	}

	return nil
}
