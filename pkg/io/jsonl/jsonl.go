// Package jsonl reads events from and writes results to JSON-lines streams.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/hed1ad/eventguard/pkg/event"
	eventio "github.com/hed1ad/eventguard/pkg/io"
)

const maxLine = 1 << 20

// Reader decodes one SecurityEvent per line. Blank lines are ignored.
// Lines that fail to decode or lack a required field are skipped.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	skipped atomic.Int64
}

// Open creates a reader for the named file, or stdin when filename is "-".
func Open(filename string) (*Reader, error) {
	if filename == "-" {
		return NewReader(os.Stdin), nil
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r := NewReader(f)
	r.closer = f
	return r, nil
}

// NewReader creates a reader over src.
func NewReader(src io.Reader) *Reader {
	s := bufio.NewScanner(src)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{scanner: s}
}

// Skipped reports how many lines could not be decoded so far.
func (r *Reader) Skipped() int {
	return int(r.skipped.Load())
}

// Read returns every remaining event.
func (r *Reader) Read() ([]event.SecurityEvent, error) {
	return eventio.Drain(r.next, r.skip)
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan event.SecurityEvent, error) {
	return eventio.Pump(ctx, 100, r.next, r.skip), nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) skip(error) { r.skipped.Add(1) }

func (r *Reader) next() (event.SecurityEvent, bool, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec eventio.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return event.SecurityEvent{}, true, fmt.Errorf("jsonl: line %d: %w", r.line, err)
		}
		e, err := rec.Event()
		if err != nil {
			return event.SecurityEvent{}, true, fmt.Errorf("jsonl: line %d: %w", r.line, err)
		}
		return e, true, nil
	}
	return event.SecurityEvent{}, false, r.scanner.Err()
}

// Writer encodes one value per line.
type Writer struct {
	w      *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewWriter returns a Writer on dst. If dst is an io.Closer other than
// os.Stdout or os.Stderr, Close closes it.
func NewWriter(dst io.Writer) *Writer {
	bw := bufio.NewWriter(dst)
	w := &Writer{w: bw, enc: json.NewEncoder(bw)}
	if c, ok := dst.(io.Closer); ok && dst != os.Stdout && dst != os.Stderr {
		w.closer = c
	}
	return w
}

// Write implements eventio.ResultWriter.
func (w *Writer) Write(result event.AnomalyResult) error {
	return w.enc.Encode(result)
}

// WriteAll implements eventio.ResultWriter.
func (w *Writer) WriteAll(results []event.AnomalyResult) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteEvent writes one event.
func (w *Writer) WriteEvent(e event.SecurityEvent) error {
	return w.enc.Encode(e)
}

// Encode writes any JSON-encodable value as one line.
func (w *Writer) Encode(v any) error {
	return w.enc.Encode(v)
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes and releases resources.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

var _ eventio.ResultWriter = (*Writer)(nil)
var _ eventio.EventReader = (*Reader)(nil)
