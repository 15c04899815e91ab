// Package mlog provides logging with per-package log levels on top of log/slog.
//
// Each log level has a function to log with and without error. Variable data
// should be in attributes. Logging strings themselves should be constant, for
// easier log processing.
//
// The log levels can be configured per originating package, e.g. imapfetch,
// store. The configuration is application-global, so each Log instance uses the
// same log levels.
//
// Print should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Levels beyond the slog defaults. Trace levels are below debug, print and
// fatal are always logged.
const (
	LevelPrint     slog.Level = 16
	LevelFatal     slog.Level = 12
	LevelError     slog.Level = slog.LevelError
	LevelInfo      slog.Level = slog.LevelInfo
	LevelDebug     slog.Level = slog.LevelDebug
	LevelTrace     slog.Level = -8
	LevelTracedata slog.Level = -12
)

var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTracedata: "tracedata",
}

var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// Output for all loggers created with a nil slog.Logger. Tests replace it.
var (
	outputMutex sync.Mutex
	output      io.Writer = os.Stderr
)

// SetOutput changes where log lines are written, returning the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outputMutex.Lock()
	defer outputMutex.Unlock()
	prev := output
	output = w
	return prev
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger with convenience functions that take an error.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds attribute "pkg" to each line. If elog is nil, a
// logger with the package-level levels and output is created.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{})
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid". Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With returns a Log that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.logx(LevelPrint, nil, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

// Fatalx logs and exits the program.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

// Trace logs protocol data at a trace level. If the data level is not enabled
// but regular tracing is, the data is replaced with "...".
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	ctx := context.Background()
	if l.Enabled(ctx, level) {
		l.LogAttrs(ctx, level, prefix+string(data))
	} else if level < LevelTrace && l.Enabled(ctx, LevelTrace) {
		l.LogAttrs(ctx, LevelTrace, prefix+"...")
	}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	}
	l.LogAttrs(context.Background(), level, msg, attrs...)
}

// handler writes logfmt-style lines, honoring the per-package levels.
type handler struct {
	pkg    string
	group  string
	prefix []byte // Preformatted attributes from WithAttrs.
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) level() slog.Level {
	c := *config.Load()
	if l, ok := c[h.pkg]; ok {
		return l
	}
	return c[""]
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= LevelFatal || level >= h.level()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	// Single write per line, so concurrent lines do not interleave.
	b := &bytes.Buffer{}
	ls, ok := LevelStrings[r.Level]
	if !ok {
		ls = strings.ToLower(r.Level.String())
	}
	fmt.Fprintf(b, "l=%s m=%s", ls, logfmtValue(r.Message))
	if h.pkg != "" {
		fmt.Fprintf(b, " pkg=%s", logfmtValue(h.pkg))
	}
	b.Write(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	outputMutex.Lock()
	defer outputMutex.Unlock()
	_, err := output.Write(b.Bytes())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	b := bytes.NewBuffer(append([]byte{}, h.prefix...))
	for _, a := range attrs {
		// A logger for another package replaces the pkg attribute.
		if a.Key == "pkg" && h.group == "" {
			nh.pkg = a.Value.String()
			continue
		}
		writeAttr(b, h.group, a)
	}
	nh.prefix = b.Bytes()
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "."
	}
	nh.group += name
	return &nh
}

func writeAttr(b *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	k := a.Key
	if group != "" {
		k = group + "." + k
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, k, ga)
		}
		return
	}
	var s string
	switch a.Value.Kind() {
	case slog.KindInt64:
		if a.Key == "cid" {
			s = fmt.Sprintf("%x", a.Value.Int64())
		} else {
			s = a.Value.String()
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprintf("%v", a.Value.Any())
		}
	default:
		s = a.Value.String()
	}
	fmt.Fprintf(b, " %s=%s", k, logfmtValue(s))
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
