package csv

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hed1ad/eventguard/pkg/event"
)

// Writer writes events with a header row of Columns.
type Writer struct {
	w           *csv.Writer
	closer      io.Closer
	wroteHeader bool
}

// NewWriter returns a Writer on dst. If dst is an io.Closer other than
// os.Stdout, Close closes it.
func NewWriter(dst io.Writer) *Writer {
	w := &Writer{w: csv.NewWriter(dst)}
	if c, ok := dst.(io.Closer); ok && dst != os.Stdout {
		w.closer = c
	}
	return w
}

// WriteEvent writes one event.
func (w *Writer) WriteEvent(e event.SecurityEvent) error {
	if !w.wroteHeader {
		if err := w.w.Write(Columns); err != nil {
			return err
		}
		w.wroteHeader = true
	}
	ts := ""
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return w.w.Write([]string{
		e.ID,
		ts,
		e.UserID,
		e.SourceIP,
		e.EventType,
		strconv.FormatBool(e.Success),
		strconv.FormatFloat(e.ResponseTime, 'f', -1, 64),
		strconv.FormatInt(e.BytesTransferred, 10),
		strconv.Itoa(e.HourOfDay),
		strconv.Itoa(e.DayOfWeek),
	})
}

// WriteEvents writes every event.
func (w *Writer) WriteEvents(events []event.SecurityEvent) error {
	for _, e := range events {
		if err := w.WriteEvent(e); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered rows.
func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
