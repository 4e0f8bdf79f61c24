package artifacts

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
)

// JSONLWriter appends one JSON document per line to a file, optionally
// gzip-compressed. Close must run on every exit path so partial captures
// survive deadline hits intact.
type JSONLWriter struct {
	file *os.File
	gzip *gzip.Writer
	buf  *bufio.Writer
}

// NewJSONLWriter opens path for appending. With gzipped=true each session
// appends an independent gzip member, which gunzip reads as one stream.
func NewJSONLWriter(path string, gzipped bool) (*JSONLWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := &JSONLWriter{file: file}
	if gzipped {
		w.gzip = gzip.NewWriter(file)
		w.buf = bufio.NewWriter(w.gzip)
	} else {
		w.buf = bufio.NewWriter(file)
	}
	return w, nil
}

// Write appends v as one JSON line.
func (w *JSONLWriter) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

// Close flushes buffers, finalizes the gzip member, and closes the file.
func (w *JSONLWriter) Close() error {
	flushErr := w.buf.Flush()
	if w.gzip != nil {
		if err := w.gzip.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	if err := w.file.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}
