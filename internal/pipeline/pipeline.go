// Package pipeline moves records between storage shapes and the engine:
// newline-delimited JSON streams, Mongo collections and FHIR bundles all
// surface as the same pull iterator.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/meddexhq/deidentify/internal/record"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 16 * 1024 * 1024
)

// Source yields one record per call. io.EOF ends iteration. A non-EOF
// error that wraps record.ErrMalformed is scoped to a single record and
// the source stays usable for the next call.
type Source interface {
	Next(ctx context.Context) (map[string]any, error)
}

// Sink receives processed records.
type Sink interface {
	Write(rec map[string]any) error
}

// NDJSONSource reads one JSON object per line. Blank lines are skipped.
type NDJSONSource struct {
	scanner *bufio.Scanner
	line    int
}

func NewNDJSONSource(r io.Reader) *NDJSONSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &NDJSONSource{scanner: scanner}
}

// Line reports the input line of the most recently returned record.
func (s *NDJSONSource) Line() int {
	return s.line
}

func (s *NDJSONSource) Next(ctx context.Context) (map[string]any, error) {
	for s.scanner.Scan() {
		s.line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := bytes.TrimSpace(s.scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", s.line, record.ErrMalformed, err)
		}
		return rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return nil, io.EOF
}

// NDJSONWriter writes one JSON object per line.
type NDJSONWriter struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	bw := bufio.NewWriter(w)
	return &NDJSONWriter{bw: bw, enc: json.NewEncoder(bw)}
}

func (w *NDJSONWriter) Write(rec map[string]any) error {
	return w.enc.Encode(rec)
}

func (w *NDJSONWriter) Flush() error {
	return w.bw.Flush()
}
