package msgio

import (
	"io"
	"log/slog"

	"github.com/mjl-/sectfetch/mlog"
)

// TraceWriter logs all data written, then passes it on.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

// NewTraceWriter wraps "w" into a writer that logs all writes to "log" with
// log level trace, prefixed with "prefix".
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

// SetTrace changes the level for following writes, e.g. to LevelTracedata
// while writing message data.
func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader logs all data read from its underlying reader.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

// SetTrace changes the level for following reads, e.g. to LevelTracedata
// while reading message data.
func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}
