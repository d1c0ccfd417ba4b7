package observability

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxBytes is the size at which the current file is rotated.
const DefaultMaxBytes = 10 * 1024 * 1024

// JSONLWriter appends one JSON object per line. When a write would push the
// file past maxBytes, the file is renamed with a timestamp and gzipped.
type JSONLWriter struct {
	path     string
	maxBytes int64
	clock    func() time.Time
}

// NewJSONLWriter creates a writer for path.
func NewJSONLWriter(path string, maxBytes int64) *JSONLWriter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &JSONLWriter{
		path:     path,
		maxBytes: maxBytes,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

func (w *JSONLWriter) Write(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create event directory: %w", err)
	}
	if err := w.rotateIfNeeded(int64(len(line))); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event file: %w", err)
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

func (w *JSONLWriter) rotateIfNeeded(incoming int64) error {
	info, err := os.Stat(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size()+incoming <= w.maxBytes {
		return nil
	}

	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	rotated := fmt.Sprintf("%s.%s%s", base, w.clock().Format("20060102T150405"), ext)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	return compressFile(rotated)
}

// compressFile writes name.gz and removes name.
func compressFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
